package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/messenger/store/document"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return NewSQLStore(db, zerolog.Nop()), mock
}

func TestGet(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"seq", "revision", "data"}).
		AddRow(int64(3), int64(7), []byte(`{"displayName":"Alice","followers":["bob"]}`))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, revision, data")).
		WithArgs("users", "alice").
		WillReturnRows(rows)

	doc, err := store.Get(context.Background(), document.K("users", "alice"))
	require.NoError(t, err)
	assert.True(t, doc.Exists)
	assert.Equal(t, int64(3), doc.Seq)
	assert.Equal(t, int64(7), doc.Revision)
	assert.Equal(t, "Alice", doc.Fields.String("displayName"))
	assert.Equal(t, []string{"bob"}, doc.Fields.Strings("followers"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, revision, data")).
		WithArgs("users", "ghost").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "revision", "data"}))

	doc, err := store.Get(context.Background(), document.K("users", "ghost"))
	assert.True(t, errors.Is(err, document.ErrNotFound))
	assert.False(t, doc.Exists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateNotifies(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents")).
		WithArgs("conversations", "c1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "revision"}).AddRow(int64(1), int64(5)))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
		WithArgs(NotifyChannel, "conversations/c1/5").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	doc, err := store.Create(context.Background(), document.K("conversations", "c1"), document.Fields{
		"participants": []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), doc.Revision)
	assert.Equal(t, []string{"a", "b"}, doc.Fields.Strings("participants"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents")).
		WithArgs("conversations", "c1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "revision"}))
	mock.ExpectRollback()

	_, err := store.Create(context.Background(), document.K("conversations", "c1"), document.Fields{})
	assert.True(t, errors.Is(err, document.ErrAlreadyExists))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPermissionDenied(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO documents")).
		WillReturnError(&pq.Error{Code: "42501", Message: "permission denied for table documents"})
	mock.ExpectRollback()

	_, err := store.Set(context.Background(), document.K("presence", "alice"), document.Fields{"isOnline": true})
	assert.True(t, errors.Is(err, document.ErrPermissionDenied))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeAppliesPatchUnderLock(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO documents")).
		WithArgs("users", "alice").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("users", "alice").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"following":["bob"]}`)))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE documents")).
		WithArgs("users", "alice", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "revision"}).AddRow(int64(2), int64(9)))
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_notify($1, $2)")).
		WithArgs(NotifyChannel, "users/alice/9").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	doc, err := store.Merge(context.Background(), document.K("users", "alice"), document.Fields{
		"following": document.ArrayUnion("carol", "bob"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "carol"}, doc.Fields.Strings("following"))
	assert.Equal(t, int64(9), doc.Revision)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBuildQuery(t *testing.T) {
	q := document.From("conversations").
		Where("participants", document.ArrayContains, "alice").
		Order("lastMessageTime", true)
	q.Limit = 20

	statement, args, err := buildQuery(q)
	require.NoError(t, err)
	assert.Equal(t,
		"SELECT id, seq, revision, data FROM documents WHERE collection = $1"+
			" AND (data -> $2::text) @> $3::jsonb"+
			" ORDER BY (data -> $4::text) DESC NULLS LAST, seq ASC"+
			" LIMIT $5",
		statement)
	assert.Equal(t, []any{"conversations", "participants", `["alice"]`, "lastMessageTime", 20}, args)

	_, _, err = buildQuery(document.From("conversations").Where("bad field", document.Equal, 1))
	assert.Error(t, err)
}

func TestWatchQueryRefreshesOnNotification(t *testing.T) {
	store, mock := newMockStore(t)
	q := document.From("messages").Where("conversationId", document.Equal, "c1").Order("createdAt", false)
	columns := []string{"id", "seq", "revision", "data"}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, seq, revision, data FROM documents")).
		WithArgs("messages", "conversationId", `"c1"`, "createdAt").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("m1", int64(1), int64(4), []byte(`{"conversationId":"c1","text":"hi"}`)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, revision, data")).
		WithArgs("messages", "m2").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "revision", "data"}).
			AddRow(int64(2), int64(6), []byte(`{"conversationId":"c1","text":"there"}`)))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, seq, revision, data FROM documents")).
		WithArgs("messages", "conversationId", `"c1"`, "createdAt").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("m1", int64(1), int64(4), []byte(`{"conversationId":"c1","text":"hi"}`)).
			AddRow("m2", int64(2), int64(6), []byte(`{"conversationId":"c1","text":"there"}`)))
	// a message in another conversation is fetched but does not re-run the query
	mock.ExpectQuery(regexp.QuoteMeta("SELECT seq, revision, data")).
		WithArgs("messages", "m3").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "revision", "data"}).
			AddRow(int64(3), int64(7), []byte(`{"conversationId":"c2","text":"elsewhere"}`)))

	var deliveries [][]document.Document
	stop, err := store.WatchQuery(context.Background(), q, func(docs []document.Document) {
		deliveries = append(deliveries, docs)
	})
	require.NoError(t, err)
	defer stop()

	store.HandleNotification(context.Background(), "messages/m2/6")
	store.HandleNotification(context.Background(), "messages/m3/7")
	// other collections and malformed payloads do not refresh the query
	store.HandleNotification(context.Background(), "users/alice/7")
	store.HandleNotification(context.Background(), "garbage")

	require.Len(t, deliveries, 2)
	assert.Len(t, deliveries[0], 1)
	require.Len(t, deliveries[1], 2)
	assert.Equal(t, "m2", deliveries[1][1].Key.ID)
	assert.Equal(t, "there", deliveries[1][1].Fields.String("text"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestParsePayload(t *testing.T) {
	key, revision, err := parsePayload("presence/alice/42")
	require.NoError(t, err)
	assert.Equal(t, document.K("presence", "alice"), key)
	assert.Equal(t, int64(42), revision)

	_, _, err = parsePayload("presence/alice/x")
	assert.Error(t, err)
	_, _, err = parsePayload("nope")
	assert.Error(t, err)
}
