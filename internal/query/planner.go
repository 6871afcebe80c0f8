package query

import (
	"github.com/bdleasure/impossibledb/internal/apperrors"
)

// DefaultMaxPlanCost rejects plans fanning out too widely.
const DefaultMaxPlanCost = 100

// ShardTarget is the per-shard slice of a query plan.
type ShardTarget struct {
	ShardID string   `json:"shardId"`
	Filters []Filter `json:"filters"`
	Options Options  `json:"options"`
}

// QueryPlan is the executable form of a parsed query.
type QueryPlan struct {
	Collection    string        `json:"collection"`
	Targets       []ShardTarget `json:"targets"`
	Projection    []string      `json:"projection,omitempty"`
	Options       Options       `json:"options"`
	Parallel      bool          `json:"parallel"`
	RequiresMerge bool          `json:"requiresMerge"`
	Cost          float64       `json:"cost"`
}

// Planner turns parsed queries into shard plans.
type Planner struct {
	maxCost float64
}

// NewPlanner creates a planner with the given cost ceiling. A
// non-positive ceiling falls back to the default.
func NewPlanner(maxCost float64) *Planner {
	if maxCost <= 0 {
		maxCost = DefaultMaxPlanCost
	}
	return &Planner{maxCost: maxCost}
}

// Plan produces a QueryPlan over the given shard set.
//
// Per-shard options drop the offset (it applies after the merge). With
// a sort present the limit is dropped too, so the merger sees every
// candidate; without one each shard is asked for offset+limit documents,
// enough for the merger to slice correctly.
func (p *Planner) Plan(pq *ParsedQuery, shards []string) (*QueryPlan, error) {
	targets := make([]ShardTarget, 0, len(shards))
	for _, shardID := range shards {
		opts := Options{Sort: pq.Options.Sort}
		if len(pq.Options.Sort) == 0 && pq.Options.Limit != nil {
			shardLimit := *pq.Options.Limit + pq.Options.Offset
			opts.Limit = &shardLimit
		}
		targets = append(targets, ShardTarget{
			ShardID: shardID,
			Filters: pq.Expression.Conditions,
			Options: opts,
		})
	}

	requiresMerge := len(targets) > 1 || len(pq.Options.Sort) > 0
	cost := planCost(len(targets), requiresMerge, len(pq.Options.Sort))
	if cost > p.maxCost {
		return nil, apperrors.Newf(apperrors.CodeInvalidQuery,
			"query plan cost %.1f exceeds maximum %.1f", cost, p.maxCost)
	}

	return &QueryPlan{
		Collection:    pq.Collection,
		Targets:       targets,
		Projection:    pq.Projection,
		Options:       pq.Options,
		Parallel:      true,
		RequiresMerge: requiresMerge,
		Cost:          cost,
	}, nil
}

func planCost(targets int, requiresMerge bool, sortKeys int) float64 {
	cost := float64(targets)
	if requiresMerge {
		cost *= 1.5
	}
	return cost * (1 + 0.2*float64(sortKeys))
}

// SplitPlan breaks a wide fan-out into sub-plans of at most maxPerPlan
// targets each. Each sub-plan inherits the merge settings of the parent.
func SplitPlan(plan *QueryPlan, maxPerPlan int) []*QueryPlan {
	if maxPerPlan <= 0 || len(plan.Targets) <= maxPerPlan {
		return []*QueryPlan{plan}
	}
	var out []*QueryPlan
	for start := 0; start < len(plan.Targets); start += maxPerPlan {
		end := start + maxPerPlan
		if end > len(plan.Targets) {
			end = len(plan.Targets)
		}
		chunk := plan.Targets[start:end]
		out = append(out, &QueryPlan{
			Collection:    plan.Collection,
			Targets:       chunk,
			Projection:    plan.Projection,
			Options:       plan.Options,
			Parallel:      plan.Parallel,
			RequiresMerge: plan.RequiresMerge,
			Cost:          planCost(len(chunk), plan.RequiresMerge, len(plan.Options.Sort)),
		})
	}
	return out
}
