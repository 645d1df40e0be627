// Package profiler tracks per-function call counts and backward-branch
// counts, the two signals used to decide when a function is "hot"
// enough to submit to the JIT manager, plus a hot-region ranking for
// diagnostics beyond a single per-function yes/no.
package profiler

import "sort"

// EntryThreshold and BranchThreshold are the counts above which a
// function is considered hot.
const (
	EntryThreshold  = 100
	BranchThreshold = 50
)

// Profiler accumulates counters keyed by function id.
type Profiler struct {
	entries  map[int64]int64
	branches map[int64]int64

	entryThreshold  int64
	branchThreshold int64
}

func New() *Profiler {
	return NewWithThresholds(EntryThreshold, BranchThreshold)
}

// NewWithThresholds builds a Profiler with caller-supplied hot-function
// thresholds, letting a deployment tune JIT eagerness without touching
// the defaults every other caller gets from New.
func NewWithThresholds(entryThreshold, branchThreshold int64) *Profiler {
	return &Profiler{
		entries:         map[int64]int64{},
		branches:        map[int64]int64{},
		entryThreshold:  entryThreshold,
		branchThreshold: branchThreshold,
	}
}

// CountEntry records one call into fid.
func (p *Profiler) CountEntry(fid int64) { p.entries[fid]++ }

// CountBackwardBranch records one taken backward branch inside fid.
func (p *Profiler) CountBackwardBranch(fid int64) { p.branches[fid]++ }

// IsHot reports whether fid has crossed either threshold.
func (p *Profiler) IsHot(fid int64) bool {
	return p.entries[fid] > p.entryThreshold || p.branches[fid] > p.branchThreshold
}

// Entries reports the current call count for fid.
func (p *Profiler) Entries(fid int64) int64 { return p.entries[fid] }

// Branches reports the current backward-branch count for fid.
func (p *Profiler) Branches(fid int64) int64 { return p.branches[fid] }

// HotRegion is one entry of a HotRegions ranking.
type HotRegion struct {
	FunctionID int64
	Score      int64 // entries + branches, the combined heat used for ranking
}

// HotRegions returns the topN functions by combined heat, descending.
// The JIT trigger does not consult it; that stays the simple
// per-function IsHot predicate.
func (p *Profiler) HotRegions(topN int) []HotRegion {
	seen := map[int64]bool{}
	regions := make([]HotRegion, 0, len(p.entries)+len(p.branches))
	for fid := range p.entries {
		if seen[fid] {
			continue
		}
		seen[fid] = true
		regions = append(regions, HotRegion{FunctionID: fid, Score: p.entries[fid] + p.branches[fid]})
	}
	for fid := range p.branches {
		if seen[fid] {
			continue
		}
		seen[fid] = true
		regions = append(regions, HotRegion{FunctionID: fid, Score: p.entries[fid] + p.branches[fid]})
	}
	sort.Slice(regions, func(i, j int) bool {
		if regions[i].Score != regions[j].Score {
			return regions[i].Score > regions[j].Score
		}
		return regions[i].FunctionID < regions[j].FunctionID
	})
	if topN >= 0 && topN < len(regions) {
		regions = regions[:topN]
	}
	return regions
}
