// Package reconstruction implements the incremental structure-from-motion
// engine: seed selection, initialization from a seed neighborhood, and
// frontier-driven growth of a working reconstruction one view at a time, in
// a projective or a metric variant.
package reconstruction

import (
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/geometry"
	"go.viam.com/sfm/pairwise"
	"go.viam.com/sfm/sba"
)

// WorkingView is the reconstruction state of a view once it is known. A
// projective run fills Projective; a metric run fills Intrinsic and
// WorldToView. Inliers records which observation indices survived the robust
// estimation that added the view.
type WorkingView struct {
	ID     string
	Width  int
	Height int

	Projective  *mat.Dense
	Intrinsic   sba.PinholeSimplified
	WorldToView *geometry.Se3

	Inliers      []int
	HopsFromSeed int
}

// WorkingGraph is the shared mutable state of a run: the known views plus the
// open frontier of candidate views adjacent to them. Once known, a view is
// never removed; the known set only grows.
type WorkingGraph struct {
	views map[string]*WorkingView
	order []*WorkingView

	open      []*pairwise.View
	inOpen    map[string]bool
	discarded map[string]bool
}

// NewWorkingGraph returns an empty working reconstruction.
func NewWorkingGraph() *WorkingGraph {
	return &WorkingGraph{
		views:     map[string]*WorkingView{},
		inOpen:    map[string]bool{},
		discarded: map[string]bool{},
	}
}

// AddView transitions a view from unknown to known and returns its new
// working state for the caller to fill in.
func (wg *WorkingGraph) AddView(v *pairwise.View) *WorkingView {
	wv := &WorkingView{ID: v.ID, Width: v.Width, Height: v.Height}
	wg.views[v.ID] = wv
	wg.order = append(wg.order, wv)
	return wv
}

// IsKnown reports whether the view is part of the reconstruction.
func (wg *WorkingGraph) IsKnown(id string) bool {
	_, ok := wg.views[id]
	return ok
}

// View looks up the working state of a known view, nil if unknown.
func (wg *WorkingGraph) View(id string) *WorkingView {
	return wg.views[id]
}

// Views returns the known views in the order they were added.
func (wg *WorkingGraph) Views() []*WorkingView {
	return wg.order
}

// Len is the number of known views.
func (wg *WorkingGraph) Len() int {
	return len(wg.order)
}

// Open returns the current frontier in deterministic order.
func (wg *WorkingGraph) Open() []*pairwise.View {
	return wg.open
}

// Discard permanently removes a view from consideration for this run.
func (wg *WorkingGraph) Discard(v *pairwise.View) {
	wg.discarded[v.ID] = true
}

// RemoveOpenAt removes and returns the frontier entry at idx.
func (wg *WorkingGraph) RemoveOpenAt(idx int) *pairwise.View {
	v := wg.open[idx]
	wg.open = append(wg.open[:idx], wg.open[idx+1:]...)
	delete(wg.inOpen, v.ID)
	return v
}

// FindAllOpen rebuilds the frontier from scratch: every unknown, undiscarded
// view reachable from a known view via at least one edge.
func (wg *WorkingGraph) FindAllOpen(g *pairwise.Graph) {
	wg.open = nil
	wg.inOpen = map[string]bool{}
	for _, wv := range wg.order {
		v := g.View(wv.ID)
		if v == nil {
			continue
		}
		wg.addOpenNeighbors(g, v)
	}
}

// AddOpenForView adds the unknown neighbors of a freshly added view to the
// frontier.
func (wg *WorkingGraph) AddOpenForView(g *pairwise.Graph, v *pairwise.View) {
	wg.addOpenNeighbors(g, v)
}

func (wg *WorkingGraph) addOpenNeighbors(g *pairwise.Graph, v *pairwise.View) {
	for _, m := range g.Neighbors(v) {
		other := m.Other(v)
		if wg.IsKnown(other.ID) || wg.inOpen[other.ID] || wg.discarded[other.ID] {
			continue
		}
		wg.open = append(wg.open, other)
		wg.inOpen[other.ID] = true
	}
}
