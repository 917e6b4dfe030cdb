package geometry

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/utils"
)

// RansacConfig parameterizes the robust estimators.
type RansacConfig struct {
	// Iterations is the number of random subsets to try.
	Iterations int `json:"iterations"`
	// ThresholdPx is the maximum reprojection (or Sampson) error in pixels
	// for a correspondence to count as an inlier.
	ThresholdPx float64 `json:"threshold_px"`
	// MinInliers is the floor below which estimation fails.
	MinInliers int `json:"min_inliers"`
	// Seed seeds the random subset generator; fixed so runs are repeatable.
	Seed int64 `json:"seed"`
}

// Triple is one feature observed in three views.
type Triple struct {
	A, B, C r2.Point
}

// TripleCameras is the projective camera set found for a three-view problem.
// The first camera is implicitly [I|0].
type TripleCameras struct {
	P2 *mat.Dense
	P3 *mat.Dense
}

const minTripleSample = 8

// EstimateTripleRobust estimates the projective cameras of a three-view set
// from correspondence triples with RANSAC. Each hypothesis fits a fundamental
// matrix between the first two views, derives the canonical camera pair,
// triangulates the sampled features and resects the third camera from them.
// Correspondences are scored by their worst reprojection error across the
// three views.
func EstimateTripleRobust(triples []Triple, cfg RansacConfig) (*TripleCameras, []int, error) {
	if len(triples) < minTripleSample {
		return nil, nil, errors.Errorf("three-view estimation needs at least %d correspondences, got %d", minTripleSample, len(triples))
	}
	r := rand.New(rand.NewSource(cfg.Seed))

	var bestInliers []int
	for iter := 0; iter < cfg.Iterations; iter++ {
		sample := sampleUnique(r, minTripleSample, len(triples))
		cams, err := fitTripleCameras(triples, sample)
		if err != nil {
			continue
		}
		inliers := scoreTriples(triples, cams, cfg.ThresholdPx)
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			if len(bestInliers) == len(triples) {
				break
			}
		}
	}

	floor := utils.MaxInt(cfg.MinInliers, minTripleSample)
	if len(bestInliers) < floor {
		return nil, nil, errors.Errorf("three-view RANSAC found %d inliers, need %d", len(bestInliers), floor)
	}

	// refit on the full inlier set
	cams, err := fitTripleCameras(triples, bestInliers)
	if err != nil {
		return nil, nil, errors.Wrap(err, "refit on inliers failed")
	}
	inliers := scoreTriples(triples, cams, cfg.ThresholdPx)
	if len(inliers) < floor {
		return nil, nil, errors.Errorf("three-view refit kept %d inliers, need %d", len(inliers), floor)
	}
	return cams, inliers, nil
}

// fitTripleCameras fits the canonical camera pair plus a resected third
// camera to the selected subset of triples.
func fitTripleCameras(triples []Triple, subset []int) (*TripleCameras, error) {
	pts1 := make([]r2.Point, len(subset))
	pts2 := make([]r2.Point, len(subset))
	pts3 := make([]r2.Point, len(subset))
	for i, idx := range subset {
		pts1[i] = triples[idx].A
		pts2[i] = triples[idx].B
		pts3[i] = triples[idx].C
	}
	f, err := FundamentalFromPoints(pts1, pts2)
	if err != nil {
		return nil, err
	}
	p2, err := CameraFromFundamental(f)
	if err != nil {
		return nil, err
	}
	p1 := identityCamera()
	points := make([]Point4, 0, len(subset))
	obs3 := make([]r2.Point, 0, len(subset))
	for i := range subset {
		pt, err := TriangulateLinear([]*mat.Dense{p1, p2}, []r2.Point{pts1[i], pts2[i]})
		if err != nil {
			continue
		}
		points = append(points, pt)
		obs3 = append(obs3, pts3[i])
	}
	p3, err := ResectCamera(points, obs3)
	if err != nil {
		return nil, err
	}
	return &TripleCameras{P2: p2, P3: p3}, nil
}

// scoreTriples returns the indices whose worst three-view reprojection error
// is below the threshold.
func scoreTriples(triples []Triple, cams *TripleCameras, thresholdPx float64) []int {
	p1 := identityCamera()
	thresholdSq := thresholdPx * thresholdPx
	inliers := make([]int, 0, len(triples))
	for i, tr := range triples {
		pt, err := TriangulateLinear([]*mat.Dense{p1, cams.P2}, []r2.Point{tr.A, tr.B})
		if err != nil {
			continue
		}
		worst := 0.0
		ok := true
		for _, vp := range []struct {
			cam *mat.Dense
			obs r2.Point
		}{{p1, tr.A}, {cams.P2, tr.B}, {cams.P3, tr.C}} {
			proj, err := ProjectHomogeneous(vp.cam, pt)
			if err != nil {
				ok = false
				break
			}
			d := utils.Square(proj.X-vp.obs.X) + utils.Square(proj.Y-vp.obs.Y)
			if d > worst {
				worst = d
			}
		}
		if ok && worst <= thresholdSq {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// EstimatePairRobust estimates a fundamental matrix from correspondences with
// RANSAC, scoring by Sampson distance.
func EstimatePairRobust(pts1, pts2 []r2.Point, cfg RansacConfig) (*mat.Dense, []int, error) {
	if len(pts1) != len(pts2) {
		return nil, nil, errors.New("the 2 sets of points don't have the same number of elements")
	}
	if len(pts1) < minTripleSample {
		return nil, nil, errors.Errorf("pair estimation needs at least %d correspondences, got %d", minTripleSample, len(pts1))
	}
	r := rand.New(rand.NewSource(cfg.Seed))
	thresholdSq := cfg.ThresholdPx * cfg.ThresholdPx

	var bestInliers []int
	for iter := 0; iter < cfg.Iterations; iter++ {
		sample := sampleUnique(r, minTripleSample, len(pts1))
		s1 := make([]r2.Point, len(sample))
		s2 := make([]r2.Point, len(sample))
		for i, idx := range sample {
			s1[i] = pts1[idx]
			s2[i] = pts2[idx]
		}
		f, err := FundamentalFromPoints(s1, s2)
		if err != nil {
			continue
		}
		inliers := make([]int, 0, len(pts1))
		for i := range pts1 {
			if SampsonDistance(f, pts1[i], pts2[i]) <= thresholdSq {
				inliers = append(inliers, i)
			}
		}
		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			if len(bestInliers) == len(pts1) {
				break
			}
		}
	}

	floor := utils.MaxInt(cfg.MinInliers, minTripleSample)
	if len(bestInliers) < floor {
		return nil, nil, errors.Errorf("pair RANSAC found %d inliers, need %d", len(bestInliers), floor)
	}
	s1 := make([]r2.Point, len(bestInliers))
	s2 := make([]r2.Point, len(bestInliers))
	for i, idx := range bestInliers {
		s1[i] = pts1[idx]
		s2[i] = pts2[idx]
	}
	f, err := FundamentalFromPoints(s1, s2)
	if err != nil {
		return nil, nil, errors.Wrap(err, "refit on inliers failed")
	}
	return f, bestInliers, nil
}

// EstimateProjectiveN computes projective cameras for N views observing the
// same aligned feature set: a robust pair estimate bootstraps the first two
// cameras, the features are triangulated, and every remaining view is
// resected from the triangulated structure.
func EstimateProjectiveN(obs [][]r2.Point, cfg RansacConfig) ([]*mat.Dense, []int, error) {
	if len(obs) < 2 {
		return nil, nil, errors.New("need at least two views")
	}
	nFeatures := len(obs[0])
	for _, viewObs := range obs {
		if len(viewObs) != nFeatures {
			return nil, nil, errors.New("views must observe the same aligned feature set")
		}
	}

	f, pairInliers, err := EstimatePairRobust(obs[0], obs[1], cfg)
	if err != nil {
		return nil, nil, err
	}
	p2, err := CameraFromFundamental(f)
	if err != nil {
		return nil, nil, err
	}
	p1 := identityCamera()

	points := make([]Point4, 0, len(pairInliers))
	kept := make([]int, 0, len(pairInliers))
	for _, idx := range pairInliers {
		pt, err := TriangulateLinear([]*mat.Dense{p1, p2}, []r2.Point{obs[0][idx], obs[1][idx]})
		if err != nil {
			continue
		}
		points = append(points, pt)
		kept = append(kept, idx)
	}

	cameras := make([]*mat.Dense, len(obs))
	cameras[0] = p1
	cameras[1] = p2
	for v := 2; v < len(obs); v++ {
		viewObs := make([]r2.Point, len(kept))
		for i, idx := range kept {
			viewObs[i] = obs[v][idx]
		}
		p, err := ResectCamera(points, viewObs)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "resecting view %d", v)
		}
		cameras[v] = p
	}

	// keep only the features consistent with every camera
	thresholdSq := cfg.ThresholdPx * cfg.ThresholdPx
	inliers := make([]int, 0, len(kept))
	for i, idx := range kept {
		worst := 0.0
		ok := true
		for v, cam := range cameras {
			proj, err := ProjectHomogeneous(cam, points[i])
			if err != nil {
				ok = false
				break
			}
			d := utils.Square(proj.X-obs[v][idx].X) + utils.Square(proj.Y-obs[v][idx].Y)
			if d > worst {
				worst = d
			}
		}
		if ok && worst <= thresholdSq {
			inliers = append(inliers, idx)
		}
	}
	if len(inliers) < utils.MaxInt(cfg.MinInliers, MinResectionPoints) {
		return nil, nil, errors.Errorf("projective init kept %d inliers, need %d",
			len(inliers), utils.MaxInt(cfg.MinInliers, MinResectionPoints))
	}
	return cameras, inliers, nil
}

func identityCamera() *mat.Dense {
	p := mat.NewDense(3, 4, nil)
	p.Set(0, 0, 1)
	p.Set(1, 1, 1)
	p.Set(2, 2, 1)
	return p
}

// sampleUnique draws n distinct indices in [0, max).
func sampleUnique(r *rand.Rand, n, max int) []int {
	seen := make(map[int]bool, n)
	out := make([]int, 0, n)
	for len(out) < n {
		idx := utils.SampleRandomIntRange(0, max-1, r)
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	return out
}
