// Package query implements the query pipeline: parsing, planning,
// scatter-gather execution, merging, and aggregation. The filter
// primitives here are shared with the per-shard store.
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
)

// Operator is a filter comparison operator.
type Operator string

const (
	OpEq  Operator = "="
	OpNeq Operator = "!="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="

	// Reserved extension operators: accepted by the parser, not
	// executable yet.
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// executableOperators are the operators the matcher implements.
var executableOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
}

// parsedOperators are the operators the parser accepts.
var parsedOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpIn: true, OpContains: true,
}

// Filter is one condition on a dotted field path.
type Filter struct {
	Field string      `json:"field"`
	Op    Operator    `json:"operator"`
	Value interface{} `json:"value"`
}

// SortDirection orders a sort key.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortKey is one (field, direction) pair.
type SortKey struct {
	Field     string        `json:"field"`
	Direction SortDirection `json:"direction"`
}

// Options carry pagination and ordering for a query.
type Options struct {
	Limit  *int      `json:"limit,omitempty"`
	Offset int       `json:"offset,omitempty"`
	Sort   []SortKey `json:"sort,omitempty"`
}

// Matches reports whether the document satisfies every filter (AND
// semantics). An undefined field never compares equal, greater, or
// less; only != holds against it.
func Matches(doc *model.Document, filters []Filter) (bool, error) {
	for _, f := range filters {
		ok, err := matchOne(doc, f)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(doc *model.Document, f Filter) (bool, error) {
	if !executableOperators[f.Op] {
		return false, apperrors.Newf(apperrors.CodeInvalidQuery, "operator %q is not executable", f.Op)
	}

	value, defined := doc.Field(f.Field)
	if !defined {
		return f.Op == OpNeq, nil
	}

	switch f.Op {
	case OpEq:
		return valuesEqual(value, f.Value), nil
	case OpNeq:
		return !valuesEqual(value, f.Value), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, comparable := compareValues(value, f.Value)
		if !comparable {
			return false, nil
		}
		switch f.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	}
	return false, nil
}

// valuesEqual compares two dynamic values, treating all numeric types
// as one domain.
func valuesEqual(a, b interface{}) bool {
	if na, aNum := toFloat(a); aNum {
		if nb, bNum := toFloat(b); bNum {
			return na == nb
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	default:
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
}

// compareValues orders two dynamic values. The second return is false
// when the values are not mutually ordered (mixed types, arrays,
// objects).
func compareValues(a, b interface{}) (int, bool) {
	if na, aNum := toFloat(a); aNum {
		nb, bNum := toFloat(b)
		if !bNum {
			return 0, false
		}
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(sa, sb), true
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case bb:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

// toFloat widens any numeric dynamic value to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// SortDocuments orders docs by the sort keys, stably. Ties across all
// keys fall back to (shard, id) so merged results are deterministic;
// shardOf may be nil when all docs come from one shard.
func SortDocuments(docs []*model.Document, keys []SortKey, shardOf func(*model.Document) string) {
	if len(keys) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		for _, key := range keys {
			av, aDefined := a.Field(key.Field)
			bv, bDefined := b.Field(key.Field)
			// Undefined sorts after defined, regardless of direction.
			if aDefined != bDefined {
				return aDefined
			}
			if !aDefined {
				continue
			}
			cmp, comparable := compareValues(av, bv)
			if !comparable || cmp == 0 {
				continue
			}
			if key.Direction == SortDesc {
				return cmp > 0
			}
			return cmp < 0
		}
		if shardOf != nil {
			sa, sb := shardOf(a), shardOf(b)
			if sa != sb {
				return sa < sb
			}
		}
		return a.ID < b.ID
	})
}

// Paginate applies offset then limit. A nil limit means unlimited; a
// zero limit yields an empty slice.
func Paginate(docs []*model.Document, limit *int, offset int) []*model.Document {
	if offset >= len(docs) {
		return []*model.Document{}
	}
	docs = docs[offset:]
	if limit != nil && *limit < len(docs) {
		docs = docs[:*limit]
	}
	return docs
}
