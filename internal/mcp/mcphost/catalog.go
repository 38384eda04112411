package mcphost

import (
	"cmp"
	"slices"

	"github.com/parleyhq/parley/pkg/types"
)

// sortedCatalogue orders tool entries by effective latency ascending (fastest
// first) and returns their definitions. Fast tools lead the catalogue so that
// truncated LLM prompts keep the cheapest tools visible. Ties are broken by
// name so the ordering is stable across calls.
func sortedCatalogue(entries []toolEntry) []types.ToolDefinition {
	slices.SortFunc(entries, func(a, b toolEntry) int {
		if c := cmp.Compare(a.effectiveP50(), b.effectiveP50()); c != 0 {
			return c
		}
		return cmp.Compare(a.def.Name, b.def.Name)
	})

	defs := make([]types.ToolDefinition, len(entries))
	for i, e := range entries {
		defs[i] = e.def
	}
	return defs
}

// effectiveP50 returns the best-known P50 latency for sorting purposes.
// If the rolling window has measurements, that value is used; otherwise the
// declared P50 is returned.
func (e toolEntry) effectiveP50() int64 {
	if e.measurements != nil && e.measurements.Count() > 0 {
		return e.measuredP50Ms
	}
	return e.declaredP50Ms
}
