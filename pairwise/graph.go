// Package pairwise contains the relationship graph between views that the
// reconstruction engine consumes: views, the two-view geometric relationships
// that connect them, and the lookup used to fetch feature observations.
package pairwise

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// View is one image in the dataset. Views are created once when the graph is
// built and never modified afterwards.
type View struct {
	ID     string
	Width  int
	Height int
}

// Motion is an undirected geometric relationship between two views. F holds
// the fundamental (or essential) matrix, Inliers the indices of the feature
// correspondences consistent with it, and Score3D how much 3D information
// the pair carries. A pure rotation or planar scene scores low and has
// Is3D false.
type Motion struct {
	Src     *View
	Dst     *View
	F       *mat.Dense
	Inliers []int
	Score3D float64
	Is3D    bool
}

// Other returns the view on the opposite side of the motion from v.
func (m *Motion) Other(v *View) *View {
	if m.Src == v {
		return m.Dst
	}
	return m.Src
}

// Connects reports whether the motion has v as one of its endpoints.
func (m *Motion) Connects(v *View) bool {
	return m.Src == v || m.Dst == v
}

// Graph is the full set of views and pairwise motions. Views keeps insertion
// order so that iteration, and therefore tie-breaking during seed selection,
// is deterministic across runs.
type Graph struct {
	Views []*View
	Edges []*Motion

	byID      map[string]*View
	neighbors map[string][]*Motion
}

// NewGraph returns an empty relationship graph.
func NewGraph() *Graph {
	return &Graph{
		byID:      map[string]*View{},
		neighbors: map[string][]*Motion{},
	}
}

// AddView creates and registers a view with the given id and image dimensions.
func (g *Graph) AddView(id string, width, height int) (*View, error) {
	if _, ok := g.byID[id]; ok {
		return nil, errors.Errorf("view %q already in graph", id)
	}
	v := &View{ID: id, Width: width, Height: height}
	g.Views = append(g.Views, v)
	g.byID[id] = v
	return v, nil
}

// View looks a view up by id, returning nil if it is unknown.
func (g *Graph) View(id string) *View {
	return g.byID[id]
}

// AddMotion registers an undirected edge between two already-registered views.
func (g *Graph) AddMotion(srcID, dstID string, f *mat.Dense, inliers []int, score3D float64, is3D bool) (*Motion, error) {
	src, ok := g.byID[srcID]
	if !ok {
		return nil, errors.Errorf("unknown view %q", srcID)
	}
	dst, ok := g.byID[dstID]
	if !ok {
		return nil, errors.Errorf("unknown view %q", dstID)
	}
	m := &Motion{Src: src, Dst: dst, F: f, Inliers: inliers, Score3D: score3D, Is3D: is3D}
	g.Edges = append(g.Edges, m)
	g.neighbors[srcID] = append(g.neighbors[srcID], m)
	g.neighbors[dstID] = append(g.neighbors[dstID], m)
	return m, nil
}

// Neighbors returns the motions attached to the given view, in the order they
// were added to the graph.
func (g *Graph) Neighbors(v *View) []*Motion {
	return g.neighbors[v.ID]
}
