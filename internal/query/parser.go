package query

import (
	"github.com/bdleasure/impossibledb/internal/apperrors"
	"github.com/bdleasure/impossibledb/internal/model"
)

// LogicalOp joins the conditions of an expression. Only AND executes;
// OR is reserved.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "AND"
	LogicalOr  LogicalOp = "OR"
)

// Expression is a flat conjunction of filter conditions.
type Expression struct {
	Conditions []Filter  `json:"conditions"`
	LogicalOp  LogicalOp `json:"logicalOp"`
}

// ParsedQuery is a validated query ready for planning.
type ParsedQuery struct {
	Collection string     `json:"collection"`
	Expression Expression `json:"expression"`
	Projection []string   `json:"projection,omitempty"`
	Options    Options    `json:"options"`
}

// Parse validates the raw query inputs and produces a ParsedQuery.
func Parse(collection string, filters []Filter, projection []string, options Options) (*ParsedQuery, error) {
	if collection == "" {
		return nil, apperrors.New(apperrors.CodeInvalidQuery, "collection is required")
	}
	if err := model.ValidateCollectionName(collection); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidQuery, "invalid collection", err)
	}

	for i, f := range filters {
		if f.Field == "" {
			return nil, apperrors.Newf(apperrors.CodeInvalidQuery, "filter %d: field is required", i)
		}
		if !parsedOperators[f.Op] {
			return nil, apperrors.Newf(apperrors.CodeInvalidQuery, "filter %d: unsupported operator %q", i, f.Op)
		}
		if f.Value == nil {
			return nil, apperrors.Newf(apperrors.CodeInvalidQuery, "filter %d: value is required", i)
		}
	}

	for i, p := range projection {
		if p == "" {
			return nil, apperrors.Newf(apperrors.CodeInvalidQuery, "projection %d: empty field path", i)
		}
	}

	if options.Limit != nil && *options.Limit < 0 {
		return nil, apperrors.New(apperrors.CodeInvalidQuery, "limit must be >= 0")
	}
	if options.Offset < 0 {
		return nil, apperrors.New(apperrors.CodeInvalidQuery, "offset must be >= 0")
	}
	for i, key := range options.Sort {
		if key.Field == "" {
			return nil, apperrors.Newf(apperrors.CodeInvalidQuery, "sort %d: field is required", i)
		}
		if key.Direction != SortAsc && key.Direction != SortDesc {
			return nil, apperrors.Newf(apperrors.CodeInvalidQuery, "sort %d: direction must be asc or desc", i)
		}
	}

	return &ParsedQuery{
		Collection: collection,
		Expression: Expression{Conditions: filters, LogicalOp: LogicalAnd},
		Projection: projection,
		Options:    options,
	}, nil
}
