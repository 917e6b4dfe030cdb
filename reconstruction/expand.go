package reconstruction

import (
	"sort"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/geometry"
	"go.viam.com/sfm/pairwise"
	"go.viam.com/sfm/sba"
	"go.viam.com/sfm/utils"
)

// Expander grows a working reconstruction: Spawn bootstraps the scene from a
// seed neighborhood, Expand adds a single view. The projective and metric
// variants implement it; one is picked per run.
type Expander interface {
	Spawn(info *SeedInfo) error
	Expand(target *pairwise.View) error
}

// scene is the state shared by the driver and the expansion strategies for
// one run: configuration, the input graph and observations, the working
// reconstruction, and the refiner.
type scene struct {
	cfg     *Config
	logger  golog.Logger
	graph   *pairwise.Graph
	lookup  pairwise.ObservationLookup
	work    *WorkingGraph
	adapter sba.Adapter
}

// viewPair is the result of selecting the two known views used to expand a
// target: the views, their working state, and the features the triple
// observes in common.
type viewPair struct {
	viewA, viewB *pairwise.View
	workA, workB *WorkingView
	common       []int
}

// selectTwoConnections picks the two known views connected to the target with
// the richest common observations. Ties go to the pair with more pairwise
// inliers, then to the pair closer to the original seed, then to ids, keeping
// the choice deterministic.
func (s *scene) selectTwoConnections(target *pairwise.View) (*viewPair, error) {
	var knownNeighbors []*pairwise.Motion
	for _, m := range s.graph.Neighbors(target) {
		if s.work.IsKnown(m.Other(target).ID) {
			knownNeighbors = append(knownNeighbors, m)
		}
	}
	if len(knownNeighbors) < 2 {
		return nil, errors.Wrapf(ErrInsufficientCommonFeatures,
			"view %q has %d known neighbors, need 2", target.ID, len(knownNeighbors))
	}

	type candidate struct {
		a, b    *pairwise.Motion
		common  []int
		inliers int
		hops    int
	}
	var candidates []candidate
	for i := 0; i < len(knownNeighbors); i++ {
		for j := i + 1; j < len(knownNeighbors); j++ {
			va := knownNeighbors[i].Other(target)
			vb := knownNeighbors[j].Other(target)
			common, err := s.lookup.CommonFeatures([]string{va.ID, vb.ID, target.ID})
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{
				a:       knownNeighbors[i],
				b:       knownNeighbors[j],
				common:  common,
				inliers: len(knownNeighbors[i].Inliers) + len(knownNeighbors[j].Inliers),
				hops:    s.work.View(va.ID).HopsFromSeed + s.work.View(vb.ID).HopsFromSeed,
			})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if len(candidates[i].common) != len(candidates[j].common) {
			return len(candidates[i].common) > len(candidates[j].common)
		}
		if candidates[i].inliers != candidates[j].inliers {
			return candidates[i].inliers > candidates[j].inliers
		}
		if candidates[i].hops != candidates[j].hops {
			return candidates[i].hops < candidates[j].hops
		}
		return candidates[i].a.Other(target).ID < candidates[j].a.Other(target).ID
	})

	if len(candidates) == 0 || len(candidates[0].common) < MinCommonFeatures {
		got := 0
		if len(candidates) > 0 {
			got = len(candidates[0].common)
		}
		return nil, errors.Wrapf(ErrInsufficientCommonFeatures,
			"best pair for view %q shares %d features, need %d", target.ID, got, MinCommonFeatures)
	}
	best := candidates[0]
	va := best.a.Other(target)
	vb := best.b.Other(target)
	return &viewPair{
		viewA:  va,
		viewB:  vb,
		workA:  s.work.View(va.ID),
		workB:  s.work.View(vb.ID),
		common: best.common,
	}, nil
}

// buildTriples fetches the common observations of {viewA, viewB, target}.
// When centered is true the pixel coordinates are shifted so each image's
// principal point is at the origin, which is what the metric machinery
// expects.
func (s *scene) buildTriples(pair *viewPair, target *pairwise.View, centered bool) ([]geometry.Triple, error) {
	triples := make([]geometry.Triple, len(pair.common))
	for i, featIdx := range pair.common {
		a, err := s.lookup.Observation(pair.viewA.ID, featIdx)
		if err != nil {
			return nil, err
		}
		b, err := s.lookup.Observation(pair.viewB.ID, featIdx)
		if err != nil {
			return nil, err
		}
		c, err := s.lookup.Observation(target.ID, featIdx)
		if err != nil {
			return nil, err
		}
		if centered {
			a = centerPixel(a, pair.viewA)
			b = centerPixel(b, pair.viewB)
			c = centerPixel(c, target)
		}
		triples[i] = geometry.Triple{A: a, B: b, C: c}
	}
	return triples, nil
}

func centerPixel(pt r2.Point, v *pairwise.View) r2.Point {
	return r2.Point{X: pt.X - float64(v.Width)/2, Y: pt.Y - float64(v.Height)/2}
}

// pairSeedGeometry scores the fundamental matrix stored on a motion against
// the centered observations of the pair and refits it on its support. It
// returns nils when the motion carries no geometry or the support is below
// the configured inlier floor, in which case the caller runs RANSAC instead.
func (s *scene) pairSeedGeometry(m *pairwise.Motion, va, vb *pairwise.View, obs1, obs2 []r2.Point) (*mat.Dense, []int) {
	if m.F == nil {
		return nil, nil
	}
	fRaw := m.F
	if m.Src.ID != va.ID {
		fRaw = mat.DenseCopyOf(m.F.T())
	}
	f := centerFundamental(fRaw, va, vb)

	floor := utils.MaxInt(s.cfg.Ransac.MinInliers, MinCommonFeatures)
	inliers := sampsonInliers(f, obs1, obs2, s.cfg.Ransac.ThresholdPx)
	if len(inliers) < floor {
		return nil, nil
	}
	s1 := make([]r2.Point, len(inliers))
	s2 := make([]r2.Point, len(inliers))
	for i, idx := range inliers {
		s1[i] = obs1[idx]
		s2[i] = obs2[idx]
	}
	refit, err := geometry.FundamentalFromPoints(s1, s2)
	if err != nil {
		return nil, nil
	}
	inliers = sampsonInliers(refit, obs1, obs2, s.cfg.Ransac.ThresholdPx)
	if len(inliers) < floor {
		return nil, nil
	}
	s.logger.Debugf("pairwise geometry reused for (%q, %q): inliers=%d/%d",
		va.ID, vb.ID, len(inliers), len(obs1))
	return refit, inliers
}

// centerFundamental rewrites a fundamental matrix estimated on raw pixels so
// it relates pixels centered on each image's principal point.
func centerFundamental(f *mat.Dense, va, vb *pairwise.View) *mat.Dense {
	ta := uncenterTransform(va)
	tb := uncenterTransform(vb)
	var out mat.Dense
	out.Mul(tb.T(), f)
	out.Mul(&out, ta)
	return &out
}

// uncenterTransform maps centered pixel coordinates back to raw ones.
func uncenterTransform(v *pairwise.View) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		1, 0, float64(v.Width) / 2,
		0, 1, float64(v.Height) / 2,
		0, 0, 1,
	})
}

func sampsonInliers(f *mat.Dense, pts1, pts2 []r2.Point, thresholdPx float64) []int {
	thresholdSq := thresholdPx * thresholdPx
	inliers := make([]int, 0, len(pts1))
	for i := range pts1 {
		if geometry.SampsonDistance(f, pts1[i], pts2[i]) <= thresholdSq {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// expandRansac narrows the run configuration into the RANSAC settings used
// for a single expansion attempt.
func (s *scene) expandRansac() geometry.RansacConfig {
	cfg := s.cfg.Ransac
	cfg.MinInliers = utils.MaxInt(s.cfg.MinExpandInliers, cfg.MinInliers)
	return cfg
}

// selectValues maps indices back into their source slice.
func selectValues(src []int, indices []int) []int {
	out := make([]int, len(indices))
	for i, idx := range indices {
		out[i] = src[idx]
	}
	return out
}
