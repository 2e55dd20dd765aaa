// Package priority maps entity types to dispatch tiers.
//
// Under partial connectivity a device may only get a few operations through
// before losing signal, so safety records go first and bookkeeping goes last.
package priority

import (
	"sort"
	"strings"

	"fieldsync/internal/domain"
)

var tiers = map[string]domain.Priority{
	// safety-critical: hazard analysis, permits to work
	"AST":        domain.PriorityCritical,
	"SAFETY_DOC": domain.PriorityCritical,
	"PERMIT":     domain.PriorityCritical,
	"HAZARD":     domain.PriorityCritical,

	// operational record of work performed
	"EXECUTION": domain.PriorityHigh,
	"EVIDENCE":  domain.PriorityHigh,
	"ORDER":     domain.PriorityHigh,

	"CHECKLIST": domain.PriorityMedium,
	"TASK":      domain.PriorityMedium,

	"COST": domain.PriorityLow,
	"KIT":  domain.PriorityLow,
}

// Normalize returns the canonical form of an entity type tag.
func Normalize(entityType string) string {
	t := strings.ToUpper(strings.TrimSpace(entityType))
	return strings.ReplaceAll(t, "-", "_")
}

// Classify returns the tier for an entity type. Unknown types are LOW so an
// unrecognized tag never blocks ingestion.
func Classify(entityType string) domain.Priority {
	if p, ok := tiers[Normalize(entityType)]; ok {
		return p
	}
	return domain.PriorityLow
}

// Less orders a before b when a must be dispatched first.
func Less(a, b domain.Priority) bool {
	return a > b
}

// KnownTypes lists the entity types with an explicit tier, highest tier first.
func KnownTypes() []string {
	out := make([]string, 0, len(tiers))
	for t := range tiers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := tiers[out[i]], tiers[out[j]]
		if pi != pj {
			return Less(pi, pj)
		}
		return out[i] < out[j]
	})
	return out
}
