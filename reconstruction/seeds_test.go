package reconstruction

import (
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/sfm/pairwise"
)

func seedTestGraph(t *testing.T) *pairwise.Graph {
	t.Helper()
	g := pairwise.NewGraph()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		_, err := g.AddView(id, 640, 480)
		test.That(t, err, test.ShouldBeNil)
	}
	add := func(src, dst string, inliers int, score float64, is3D bool) {
		_, err := g.AddMotion(src, dst, nil, make([]int, inliers), score, is3D)
		test.That(t, err, test.ShouldBeNil)
	}
	// "a" has three strong 3D motions, "b" two weaker ones, "c" is attached
	// by a non-3D motion and one below the inlier floor
	add("a", "b", 80, 2.0, true)
	add("a", "c", 60, 1.5, true)
	add("a", "d", 40, 1.2, true)
	add("b", "d", 50, 1.1, true)
	add("b", "e", 45, 1.0, true)
	add("c", "d", 90, 3.0, false)
	add("c", "e", 10, 2.0, true)
	return g
}

func TestScoreSeedsRanking(t *testing.T) {
	g := seedTestGraph(t)
	cfg := DefaultConfig()
	cfg.MinSeedNeighbors = 2

	seeds, err := scoreSeeds(g, cfg)
	test.That(t, err, test.ShouldBeNil)
	// "a", "b" and "d" have enough qualifying neighbors, in that order of
	// contribution; "c" and "e" each keep only one usable motion
	test.That(t, len(seeds), test.ShouldEqual, 3)
	test.That(t, seeds[0].Seed.ID, test.ShouldEqual, "a")
	test.That(t, seeds[1].Seed.ID, test.ShouldEqual, "b")
	test.That(t, seeds[2].Seed.ID, test.ShouldEqual, "d")

	best := seeds[0]
	test.That(t, len(best.Motions), test.ShouldEqual, 3)
	// richest motion first
	test.That(t, best.Motions[0].Other(best.Seed).ID, test.ShouldEqual, "b")
	test.That(t, best.Score, test.ShouldAlmostEqual, 80*2.0+60*1.5+40*1.2)
	test.That(t, best.TotalInliers, test.ShouldEqual, 180)
}

func TestScoreSeedsNeighborCap(t *testing.T) {
	g := seedTestGraph(t)
	cfg := DefaultConfig()
	cfg.MinSeedNeighbors = 2
	cfg.MaxSeedNeighbors = 2

	seeds, err := scoreSeeds(g, cfg)
	test.That(t, err, test.ShouldBeNil)
	best := seeds[0]
	test.That(t, best.Seed.ID, test.ShouldEqual, "a")
	test.That(t, len(best.Motions), test.ShouldEqual, 2)
	// the weakest motion is the one dropped
	test.That(t, best.Score, test.ShouldAlmostEqual, 80*2.0+60*1.5)
}

func TestScoreSeedsThresholds(t *testing.T) {
	g := seedTestGraph(t)
	cfg := DefaultConfig()
	cfg.MinSeedNeighbors = 2
	cfg.MinScore3D = 1.4

	// with the higher floor only "a" keeps two qualifying motions
	seeds, err := scoreSeeds(g, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(seeds), test.ShouldEqual, 1)
	test.That(t, seeds[0].Seed.ID, test.ShouldEqual, "a")
	test.That(t, len(seeds[0].Motions), test.ShouldEqual, 2)
}

func TestScoreSeedsMinNeighborFloor(t *testing.T) {
	g := seedTestGraph(t)
	cfg := DefaultConfig()
	cfg.MinSeedNeighbors = 0

	// the floor of two qualifying motions holds even when the configured
	// minimum is lower, so single-motion views still never seed a scene
	seeds, err := scoreSeeds(g, cfg)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(seeds), test.ShouldEqual, 3)
	for _, s := range seeds {
		test.That(t, len(s.Motions), test.ShouldBeGreaterThanOrEqualTo, 2)
	}
}

func TestScoreSeedsNone(t *testing.T) {
	g := seedTestGraph(t)
	cfg := DefaultConfig()
	cfg.MinInlierCount = 1000

	_, err := scoreSeeds(g, cfg)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, ErrInsufficientSeedCandidates), test.ShouldBeTrue)
}
