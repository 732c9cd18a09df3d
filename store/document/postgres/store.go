// Package postgres implements document.Store on PostgreSQL using a single
// jsonb table and LISTEN/NOTIFY for push subscriptions.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/nexus-im/messenger/store/document"
)

//go:embed schema.sql
var schema string

// NotifyChannel is the LISTEN/NOTIFY channel every write announces itself on.
const NotifyChannel = "document_changes"

// SQLSTATE insufficient_privilege.
const codeInsufficientPrivilege = "42501"

// Store implements document.Store using a database/sql connection.
type Store struct {
	db     *sql.DB
	log    zerolog.Logger
	subs   document.Subscribers
	ownsDB bool

	listener *pq.Listener
	stop     chan struct{}
	done     chan struct{}
}

var _ document.Store = (*Store)(nil)

// NewSQLStore creates a Store over an existing connection. Without a
// listener, subscribers only see writes made through this Store value.
func NewSQLStore(db *sql.DB, log zerolog.Logger) *Store {
	return &Store{
		db:  db,
		log: log.With().Str("component", "document-postgres").Logger(),
	}
}

// Migrate creates the documents table when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate documents: %w", translate(err))
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key document.Key) (document.Document, error) {
	if err := key.Validate(); err != nil {
		return document.Document{}, err
	}
	query := `
		SELECT seq, revision, data
		FROM documents
		WHERE collection = $1 AND id = $2
	`
	row := s.db.QueryRowContext(ctx, query, key.Collection, key.ID)

	doc := document.Document{Key: key, Fields: document.Fields{}}
	var raw []byte
	if err := row.Scan(&doc.Seq, &doc.Revision, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return doc, fmt.Errorf("get %s: %w", key, document.ErrNotFound)
		}
		return doc, fmt.Errorf("get %s: %w", key, translate(err))
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return doc, fmt.Errorf("get %s: %w", key, err)
	}
	doc.Fields = fields
	doc.Exists = true
	return doc, nil
}

func (s *Store) Create(ctx context.Context, key document.Key, fields document.Fields) (doc document.Document, err error) {
	if err := key.Validate(); err != nil {
		return document.Document{}, err
	}
	canonical, raw, err := encodeFields(fields)
	if err != nil {
		return document.Document{}, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		insert := `
			INSERT INTO documents (collection, id, revision, data)
			VALUES ($1, $2, nextval('document_revisions'), $3)
			ON CONFLICT (collection, id) DO NOTHING
			RETURNING seq, revision
		`
		doc = document.Document{Key: key, Fields: canonical, Exists: true}
		if err := tx.QueryRowContext(ctx, insert, key.Collection, key.ID, raw).Scan(&doc.Seq, &doc.Revision); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("create %s: %w", key, document.ErrAlreadyExists)
			}
			return fmt.Errorf("create %s: %w", key, translate(err))
		}
		return notify(ctx, tx, key, doc.Revision)
	})
	if err != nil {
		return document.Document{}, err
	}
	s.publish(ctx, key, doc.Revision)
	return doc, nil
}

func (s *Store) Add(ctx context.Context, collection string, fields document.Fields) (document.Document, error) {
	return s.Create(ctx, document.K(collection, uuid.NewString()), fields)
}

func (s *Store) Set(ctx context.Context, key document.Key, fields document.Fields) (doc document.Document, err error) {
	if err := key.Validate(); err != nil {
		return document.Document{}, err
	}
	canonical, raw, err := encodeFields(fields)
	if err != nil {
		return document.Document{}, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		upsert := `
			INSERT INTO documents (collection, id, revision, data)
			VALUES ($1, $2, nextval('document_revisions'), $3)
			ON CONFLICT (collection, id) DO UPDATE
			SET revision = excluded.revision, data = excluded.data
			RETURNING seq, revision
		`
		doc = document.Document{Key: key, Fields: canonical, Exists: true}
		if err := tx.QueryRowContext(ctx, upsert, key.Collection, key.ID, raw).Scan(&doc.Seq, &doc.Revision); err != nil {
			return fmt.Errorf("set %s: %w", key, translate(err))
		}
		return notify(ctx, tx, key, doc.Revision)
	})
	if err != nil {
		return document.Document{}, err
	}
	s.publish(ctx, key, doc.Revision)
	return doc, nil
}

// Merge locks the row, applies the patch in Go and writes the result back,
// so concurrent array operations on the same document never lose updates.
func (s *Store) Merge(ctx context.Context, key document.Key, patch document.Fields) (doc document.Document, err error) {
	if err := key.Validate(); err != nil {
		return document.Document{}, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		ensure := `
			INSERT INTO documents (collection, id, revision, data)
			VALUES ($1, $2, nextval('document_revisions'), '{}'::jsonb)
			ON CONFLICT (collection, id) DO NOTHING
		`
		if _, err := tx.ExecContext(ctx, ensure, key.Collection, key.ID); err != nil {
			return fmt.Errorf("merge %s: %w", key, translate(err))
		}

		lock := `
			SELECT data
			FROM documents
			WHERE collection = $1 AND id = $2
			FOR UPDATE
		`
		var current []byte
		if err := tx.QueryRowContext(ctx, lock, key.Collection, key.ID).Scan(&current); err != nil {
			return fmt.Errorf("merge %s: %w", key, translate(err))
		}
		fields, err := decodeFields(current)
		if err != nil {
			return fmt.Errorf("merge %s: %w", key, err)
		}
		merged, err := document.ApplyPatch(fields, patch)
		if err != nil {
			return fmt.Errorf("merge %s: %w", key, err)
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("merge %s: %w", key, err)
		}

		update := `
			UPDATE documents
			SET revision = nextval('document_revisions'), data = $3
			WHERE collection = $1 AND id = $2
			RETURNING seq, revision
		`
		doc = document.Document{Key: key, Fields: merged, Exists: true}
		if err := tx.QueryRowContext(ctx, update, key.Collection, key.ID, raw).Scan(&doc.Seq, &doc.Revision); err != nil {
			return fmt.Errorf("merge %s: %w", key, translate(err))
		}
		return notify(ctx, tx, key, doc.Revision)
	})
	if err != nil {
		return document.Document{}, err
	}
	s.publish(ctx, key, doc.Revision)
	return doc, nil
}

func (s *Store) Query(ctx context.Context, q document.Query) ([]document.Document, error) {
	statement, args, err := buildQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, translate(err))
	}
	defer func() {
		if err := rows.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close rows")
		}
	}()

	docs := make([]document.Document, 0)
	for rows.Next() {
		doc := document.Document{Key: document.Key{Collection: q.Collection}, Exists: true}
		var raw []byte
		if err := rows.Scan(&doc.Key.ID, &doc.Seq, &doc.Revision, &raw); err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Collection, translate(err))
		}
		if doc.Fields, err = decodeFields(raw); err != nil {
			return nil, fmt.Errorf("query %s: %w", q.Collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, translate(err))
	}
	return docs, nil
}

// buildQuery renders a document.Query as SQL. Field names travel as
// parameters; Validate only guards against malformed names.
func buildQuery(q document.Query) (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	var b strings.Builder
	args := []any{q.Collection}
	b.WriteString("SELECT id, seq, revision, data FROM documents WHERE collection = $1")

	for _, f := range q.Filters {
		var operand any = f.Value
		operator := "="
		if f.Op == document.ArrayContains {
			operand = []any{f.Value}
			operator = "@>"
		}
		raw, err := json.Marshal(operand)
		if err != nil {
			return "", nil, fmt.Errorf("query: encode %s: %w", f.Field, err)
		}
		args = append(args, f.Field, string(raw))
		fmt.Fprintf(&b, " AND (data -> $%d::text) %s $%d::jsonb", len(args)-1, operator, len(args))
	}

	if q.OrderBy != "" {
		args = append(args, q.OrderBy)
		direction := "ASC NULLS FIRST"
		if q.Descending {
			direction = "DESC NULLS LAST"
		}
		fmt.Fprintf(&b, " ORDER BY (data -> $%d::text) %s, seq ASC", len(args), direction)
	} else {
		b.WriteString(" ORDER BY seq ASC")
	}
	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				s.log.Warn().Err(rollbackErr).Msg("rollback failed")
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return translate(err)
	}
	return nil
}

func notify(ctx context.Context, tx *sql.Tx, key document.Key, revision int64) error {
	payload := fmt.Sprintf("%s/%d", key, revision)
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, payload); err != nil {
		return fmt.Errorf("notify %s: %w", key, translate(err))
	}
	return nil
}

// translate maps driver errors onto the document error taxonomy.
func translate(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == codeInsufficientPrivilege {
		return fmt.Errorf("%w: %s", document.ErrPermissionDenied, pqErr.Message)
	}
	return err
}

func encodeFields(fields document.Fields) (document.Fields, []byte, error) {
	canonical, err := document.Canonical(fields)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(canonical)
	if err != nil {
		return nil, nil, fmt.Errorf("encode fields: %w", err)
	}
	return canonical, raw, nil
}

func decodeFields(raw []byte) (document.Fields, error) {
	fields := document.Fields{}
	if len(raw) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	return fields, nil
}
