package filter

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/JordyKingz/yala-svm-monitor/pkg/types"
)

// PreFilter is the cheap allowlist test applied before full extraction: a slot
// is worth processing if it touches an allowlisted program or token. Pure;
// same summary always gives the same answer.
type PreFilter struct {
	programs mapset.Set[types.Address]
	tokens   mapset.Set[types.Address]
}

func NewPreFilter(programs, tokens mapset.Set[types.Address]) *PreFilter {
	if programs == nil {
		programs = mapset.NewSet[types.Address]()
	}
	if tokens == nil {
		tokens = mapset.NewSet[types.Address]()
	}
	return &PreFilter{programs: programs, tokens: tokens}
}

// ShouldProcess reports whether the slot intersects either allowlist. Empty
// allowlists disable the filter: everything passes.
func (f *PreFilter) ShouldProcess(summary types.SlotSummary) bool {
	if f.programs.Cardinality() == 0 && f.tokens.Cardinality() == 0 {
		return true
	}
	hit := false
	f.programs.Each(func(program types.Address) bool {
		hit = summary.Programs.Contains(program)
		return hit
	})
	if hit {
		return true
	}
	f.tokens.Each(func(token types.Address) bool {
		hit = summary.Mints.Contains(token)
		return hit
	})
	return hit
}

// TargetActivity counts the allowlisted programs a slot touches. The
// SelectiveMonitor uses it as its never-skip signal.
func (f *PreFilter) TargetActivity(summary types.SlotSummary) int {
	activity := 0
	f.programs.Each(func(program types.Address) bool {
		if summary.Programs.Contains(program) {
			activity++
		}
		return false
	})
	return activity
}

// FocusedFilter is the stricter single-mint variant: only slots touching the
// focus mint proceed. Pure.
type FocusedFilter struct {
	mint types.Address
}

func NewFocusedFilter(mint types.Address) *FocusedFilter {
	return &FocusedFilter{mint: mint}
}

// ShouldProcess reports whether any transaction in the slot touched the focus
// mint, with a single lookup in the summary's mint set.
func (f *FocusedFilter) ShouldProcess(summary types.SlotSummary) bool {
	return summary.Mints.Contains(f.mint)
}
