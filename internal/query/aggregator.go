package query

import (
	"fmt"
	"strings"

	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
)

// AggregationOp identifies an aggregation.
type AggregationOp string

const (
	AggCount   AggregationOp = "COUNT"
	AggSum     AggregationOp = "SUM"
	AggAvg     AggregationOp = "AVG"
	AggMin     AggregationOp = "MIN"
	AggMax     AggregationOp = "MAX"
	AggGroupBy AggregationOp = "GROUP_BY"
)

// AggregationSpec requests one aggregation over the merged result set.
// COUNT may omit Field; GROUP_BY uses Fields.
type AggregationSpec struct {
	Op     AggregationOp `json:"op"`
	Field  string        `json:"field,omitempty"`
	Fields []string      `json:"fields,omitempty"`
}

// Group is one GROUP_BY partition.
type Group struct {
	Fields    map[string]interface{} `json:"fields"`
	Count     int                    `json:"count"`
	Documents []*model.Document      `json:"documents"`
}

// AggregationResult is the outcome of one spec.
type AggregationResult struct {
	Op     AggregationOp     `json:"op"`
	Field  string            `json:"field,omitempty"`
	Fields []string          `json:"fields,omitempty"`
	Value  interface{}       `json:"value"`
	Groups map[string]*Group `json:"groups,omitempty"`
}

// Aggregate applies every spec over the already-merged result set.
func Aggregate(docs []*model.Document, specs []AggregationSpec) ([]AggregationResult, error) {
	out := make([]AggregationResult, 0, len(specs))
	for _, spec := range specs {
		switch spec.Op {
		case AggCount:
			out = append(out, aggregateCount(docs, spec))
		case AggSum, AggAvg, AggMin, AggMax:
			if spec.Field == "" {
				return nil, apperrors.Newf(apperrors.CodeInvalidQuery, "%s requires a field", spec.Op)
			}
			out = append(out, aggregateNumeric(docs, spec))
		case AggGroupBy:
			if len(spec.Fields) == 0 {
				return nil, apperrors.New(apperrors.CodeInvalidQuery, "GROUP_BY requires fields")
			}
			out = append(out, aggregateGroupBy(docs, spec))
		default:
			return nil, apperrors.Newf(apperrors.CodeInvalidQuery, "unknown aggregation %q", spec.Op)
		}
	}
	return out, nil
}

// aggregateCount counts all docs, or docs where the field is defined.
func aggregateCount(docs []*model.Document, spec AggregationSpec) AggregationResult {
	if spec.Field == "" {
		return AggregationResult{Op: AggCount, Value: len(docs)}
	}
	count := 0
	for _, doc := range docs {
		if _, defined := doc.Field(spec.Field); defined {
			count++
		}
	}
	return AggregationResult{Op: AggCount, Field: spec.Field, Value: count}
}

// aggregateNumeric computes SUM/AVG/MIN/MAX over the numeric values of
// the field, ignoring non-numeric values. MIN/MAX yield nil on an empty
// numeric set; AVG yields 0.
func aggregateNumeric(docs []*model.Document, spec AggregationSpec) AggregationResult {
	var values []float64
	for _, doc := range docs {
		raw, defined := doc.Field(spec.Field)
		if !defined {
			continue
		}
		if n, ok := toFloat(raw); ok {
			values = append(values, n)
		}
	}

	result := AggregationResult{Op: spec.Op, Field: spec.Field}
	switch spec.Op {
	case AggSum:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		result.Value = sum
	case AggAvg:
		if len(values) == 0 {
			result.Value = 0.0
			break
		}
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		result.Value = sum / float64(len(values))
	case AggMin:
		if len(values) == 0 {
			result.Value = nil
			break
		}
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		result.Value = min
	case AggMax:
		if len(values) == 0 {
			result.Value = nil
			break
		}
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		result.Value = max
	}
	return result
}

// aggregateGroupBy partitions docs by the tuple of values at the named
// paths. Undefined values group under the literal "null". The
// aggregation value is the number of groups.
func aggregateGroupBy(docs []*model.Document, spec AggregationSpec) AggregationResult {
	groups := make(map[string]*Group)
	for _, doc := range docs {
		parts := make([]string, len(spec.Fields))
		fields := make(map[string]interface{}, len(spec.Fields))
		for i, f := range spec.Fields {
			value, defined := doc.Field(f)
			if !defined {
				parts[i] = "null"
				fields[f] = "null"
				continue
			}
			parts[i] = fmt.Sprintf("%v", value)
			fields[f] = value
		}
		key := strings.Join(parts, "|")
		group, ok := groups[key]
		if !ok {
			group = &Group{Fields: fields}
			groups[key] = group
		}
		group.Count++
		group.Documents = append(group.Documents, doc)
	}
	return AggregationResult{
		Op:     AggGroupBy,
		Fields: spec.Fields,
		Value:  len(groups),
		Groups: groups,
	}
}
