package document

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
)

// Op is a filter predicate.
type Op int

const (
	// Equal matches when the field equals the value.
	Equal Op = iota
	// ArrayContains matches when the array field holds the value.
	ArrayContains
)

func (o Op) String() string {
	switch o {
	case Equal:
		return "=="
	case ArrayContains:
		return "array-contains"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Filter is one predicate of a Query.
type Filter struct {
	Field string
	Op    Op
	Value any
}

// Query selects documents from one collection.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

// From starts a query over a collection.
func From(collection string) Query {
	return Query{Collection: collection}
}

// Where returns a copy of q with another predicate.
func (q Query) Where(field string, op Op, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

// Order returns a copy of q ordered by field.
func (q Query) Order(field string, descending bool) Query {
	q.OrderBy = field
	q.Descending = descending
	return q
}

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the query shape. Backends that build statements from
// field names rely on it.
func (q Query) Validate() error {
	if q.Collection == "" {
		return fmt.Errorf("query: collection is required")
	}
	for _, f := range q.Filters {
		if !fieldName.MatchString(f.Field) {
			return fmt.Errorf("query: invalid field %q", f.Field)
		}
		if f.Op != Equal && f.Op != ArrayContains {
			return fmt.Errorf("query: unsupported operator %s", f.Op)
		}
	}
	if q.OrderBy != "" && !fieldName.MatchString(q.OrderBy) {
		return fmt.Errorf("query: invalid order field %q", q.OrderBy)
	}
	if q.Limit < 0 {
		return fmt.Errorf("query: negative limit")
	}
	return nil
}

// Matches reports whether an existing document satisfies every filter.
func (q Query) Matches(d Document) bool {
	if !d.Exists || d.Key.Collection != q.Collection {
		return false
	}
	for _, f := range q.Filters {
		want, err := canonicalValue(f.Value)
		if err != nil {
			return false
		}
		got := d.Fields[f.Field]
		switch f.Op {
		case Equal:
			if !reflect.DeepEqual(got, want) {
				return false
			}
		case ArrayContains:
			items, ok := got.([]any)
			if !ok || indexOf(items, want) < 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Apply filters, orders and limits docs in memory.
func (q Query) Apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if q.OrderBy != "" {
			c := compareValues(out[i].Fields[q.OrderBy], out[j].Fields[q.OrderBy])
			if c != 0 {
				if q.Descending {
					return c > 0
				}
				return c < 0
			}
		}
		return out[i].Seq < out[j].Seq
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// compareValues orders missing values first, then numbers, then strings.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case string:
		bv := b.(string)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
	case bool:
		bv := b.(bool)
		switch {
		case !av && bv:
			return -1
		case av && !bv:
			return 1
		}
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	}
	return 4
}
