package reconstruction

import (
	"testing"

	"go.viam.com/test"

	"go.viam.com/sfm/pairwise"
)

func frontierTestGraph(t *testing.T) *pairwise.Graph {
	t.Helper()
	g := pairwise.NewGraph()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := g.AddView(id, 100, 100)
		test.That(t, err, test.ShouldBeNil)
	}
	for _, pair := range [][2]string{{"a", "b"}, {"b", "c"}, {"c", "d"}, {"d", "e"}} {
		_, err := g.AddMotion(pair[0], pair[1], nil, nil, 1, true)
		test.That(t, err, test.ShouldBeNil)
	}
	return g
}

func TestWorkingGraphFrontier(t *testing.T) {
	g := frontierTestGraph(t)
	wg := NewWorkingGraph()

	wv := wg.AddView(g.View("b"))
	test.That(t, wv.ID, test.ShouldEqual, "b")
	test.That(t, wg.IsKnown("b"), test.ShouldBeTrue)
	test.That(t, wg.IsKnown("a"), test.ShouldBeFalse)
	test.That(t, wg.Len(), test.ShouldEqual, 1)
	test.That(t, wg.View("b"), test.ShouldEqual, wv)
	test.That(t, wg.View("zzz"), test.ShouldBeNil)

	// the frontier is exactly the unknown neighbors of known views
	wg.FindAllOpen(g)
	openIDs := func() []string {
		ids := make([]string, 0, len(wg.Open()))
		for _, v := range wg.Open() {
			ids = append(ids, v.ID)
		}
		return ids
	}
	test.That(t, openIDs(), test.ShouldResemble, []string{"a", "c"})

	// growing the known set extends the frontier without duplicates
	wg.AddView(g.View("c"))
	wg.FindAllOpen(g)
	test.That(t, openIDs(), test.ShouldResemble, []string{"a", "d"})

	idx := -1
	for i, v := range wg.Open() {
		if v.ID == "d" {
			idx = i
		}
	}
	removed := wg.RemoveOpenAt(idx)
	test.That(t, removed.ID, test.ShouldEqual, "d")
	test.That(t, openIDs(), test.ShouldResemble, []string{"a"})

	wg.AddView(removed)
	wg.AddOpenForView(g, removed)
	test.That(t, openIDs(), test.ShouldResemble, []string{"a", "e"})

	// known views are never re-opened
	wg.AddOpenForView(g, g.View("c"))
	test.That(t, openIDs(), test.ShouldResemble, []string{"a", "e"})
}

func TestWorkingGraphDiscard(t *testing.T) {
	g := frontierTestGraph(t)
	wg := NewWorkingGraph()
	wg.AddView(g.View("b"))
	wg.FindAllOpen(g)

	var aIdx int
	for i, v := range wg.Open() {
		if v.ID == "a" {
			aIdx = i
		}
	}
	discarded := wg.RemoveOpenAt(aIdx)
	wg.Discard(discarded)

	// a discarded view stays out of the frontier for the rest of the run
	wg.FindAllOpen(g)
	for _, v := range wg.Open() {
		test.That(t, v.ID, test.ShouldNotEqual, "a")
	}
	wg.AddOpenForView(g, g.View("b"))
	for _, v := range wg.Open() {
		test.That(t, v.ID, test.ShouldNotEqual, "a")
	}
	test.That(t, wg.IsKnown("a"), test.ShouldBeFalse)
}

func TestWorkingGraphOrder(t *testing.T) {
	g := frontierTestGraph(t)
	wg := NewWorkingGraph()
	for _, id := range []string{"c", "a", "e"} {
		wg.AddView(g.View(id))
	}
	views := wg.Views()
	test.That(t, len(views), test.ShouldEqual, 3)
	test.That(t, views[0].ID, test.ShouldEqual, "c")
	test.That(t, views[1].ID, test.ShouldEqual, "a")
	test.That(t, views[2].ID, test.ShouldEqual, "e")
}
