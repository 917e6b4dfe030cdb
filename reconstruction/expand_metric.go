package reconstruction

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/geometry"
	"go.viam.com/sfm/pairwise"
	"go.viam.com/sfm/sba"
	"go.viam.com/sfm/utils"
)

// MetricExpand grows a metric working reconstruction: every known view
// carries calibrated intrinsics and a world pose. New views are estimated in
// a local projective frame, upgraded to metric with a calibrating homography
// built from the two known neighbors, refined with a local three-view bundle
// adjustment, and validated against physical constraints before acceptance.
type MetricExpand struct {
	scene *scene
}

// Spawn bootstraps a metric scene from the seed neighborhood. No calibration
// is known yet, so the pair geometry starts from a focal prior derived from
// the image size and bundle adjustment refines all intrinsics.
func (e *MetricExpand) Spawn(info *SeedInfo) error {
	s := e.scene
	views := []*pairwise.View{info.Seed}
	viewIDs := []string{info.Seed.ID}
	for _, m := range info.Motions {
		other := m.Other(info.Seed)
		views = append(views, other)
		viewIDs = append(viewIDs, other.ID)
	}

	common, err := s.lookup.CommonFeatures(viewIDs)
	if err != nil {
		return err
	}
	if len(common) < MinCommonFeatures {
		return errors.Wrapf(ErrInsufficientCommonFeatures,
			"seed %q shares %d features with its neighbors, need %d", info.Seed.ID, len(common), MinCommonFeatures)
	}

	obs := make([][]r2.Point, len(views))
	focals := make([]float64, len(views))
	for i, v := range views {
		focals[i] = s.cfg.FocalPriorScale * float64(v.Width+v.Height) / 2
		obs[i] = make([]r2.Point, len(common))
		for j, featIdx := range common {
			pt, err := s.lookup.Observation(v.ID, featIdx)
			if err != nil {
				return err
			}
			obs[i][j] = centerPixel(pt, v)
		}
	}

	// bootstrap the pair seed <-> richest neighbor. The pairwise stage already
	// estimated this motion's epipolar geometry, so try its stored matrix
	// first and only fall back to RANSAC when the support is too thin.
	f, pairInliers := s.pairSeedGeometry(info.Motions[0], views[0], views[1], obs[0], obs[1])
	if f == nil {
		f, pairInliers, err = geometry.EstimatePairRobust(obs[0], obs[1], s.cfg.Ransac)
		if err != nil {
			return errors.Wrapf(ErrGeometricEstimationFailed, "initializing seed %q: %v", info.Seed.ID, err)
		}
	}
	kA := geometry.CameraMatrix(focals[0], 0, 0)
	kB := geometry.CameraMatrix(focals[1], 0, 0)
	essMat, err := geometry.EssentialFromFundamental(kA, kB, f)
	if err != nil {
		return errors.Wrapf(ErrGeometricEstimationFailed, "initializing seed %q: %v", info.Seed.ID, err)
	}
	n1 := make([]r2.Point, len(pairInliers))
	n2 := make([]r2.Point, len(pairInliers))
	for i, idx := range pairInliers {
		n1[i] = geometry.NormalizePixel(obs[0][idx], focals[0], 0, 0)
		n2[i] = geometry.NormalizePixel(obs[1][idx], focals[1], 0, 0)
	}
	pose12, err := geometry.BestPoseByCheirality(essMat, n1, n2)
	if err != nil {
		return errors.Wrapf(ErrGeometricEstimationFailed, "initializing seed %q: %v", info.Seed.ID, err)
	}

	// triangulate the pair inliers in the seed's metric frame
	identity := geometry.NewSe3Identity()
	points := make([]geometry.Point4, 0, len(pairInliers))
	kept := make([]int, 0, len(pairInliers))
	for i, idx := range pairInliers {
		pt, err := geometry.TriangulateLinearSe3([]*geometry.Se3{identity, pose12}, []r2.Point{n1[i], n2[i]})
		if err != nil {
			continue
		}
		points = append(points, pt)
		kept = append(kept, idx)
	}
	if len(points) < geometry.MinResectionPoints {
		return errors.Wrapf(ErrGeometricEstimationFailed,
			"initializing seed %q: only %d usable triangulations", info.Seed.ID, len(points))
	}

	// resect every remaining neighbor from the triangulated structure
	poses := []*geometry.Se3{identity, pose12}
	for v := 2; v < len(views); v++ {
		viewObs := make([]r2.Point, len(kept))
		for i, idx := range kept {
			viewObs[i] = obs[v][idx]
		}
		p, err := geometry.ResectCamera(points, viewObs)
		if err != nil {
			return errors.Wrapf(ErrGeometricEstimationFailed, "resecting seed neighbor %q: %v", views[v].ID, err)
		}
		k, pose, err := geometry.ProjectiveToMetric(p, eye4())
		if err != nil {
			return errors.Wrapf(ErrGeometricEstimationFailed, "decomposing seed neighbor %q: %v", views[v].ID, err)
		}
		focals[v] = (k.At(0, 0) + k.At(1, 1)) / 2
		poses = append(poses, pose)
	}

	// one bundle adjustment over the whole seed neighborhood; the seed pose
	// pins the gauge
	structure := sba.NewStructure(len(views), len(points))
	observations := sba.NewObservations(len(views))
	for i := range views {
		structure.SetCamera(i, false, sba.PinholeSimplified{F: focals[i]})
		structure.SetPose(i, i == 0, poses[i])
	}
	for i, pt := range points {
		if err := structure.SetPoint(i, pt); err != nil {
			return errors.Wrapf(ErrGeometricEstimationFailed, "initializing seed %q: %v", info.Seed.ID, err)
		}
		for v := range views {
			observations.Add(v, i, obs[v][kept[i]])
		}
	}
	if _, err := s.adapter.Refine(structure, observations); err != nil {
		return errors.Wrapf(ErrRefinementDivergence, "initializing seed %q: %v", info.Seed.ID, err)
	}

	inliers := selectValues(common, kept)
	for i, v := range views {
		wv := s.work.AddView(v)
		wv.Intrinsic = structure.Cameras[i].Model
		wv.WorldToView = structure.Poses[i].RootToView
		wv.Inliers = inliers
		s.logger.Debugf("initial seed view=%q f=%.1f T=(%.2f %.2f %.2f)",
			v.ID, wv.Intrinsic.F, wv.WorldToView.T.X, wv.WorldToView.T.Y, wv.WorldToView.T.Z)
	}
	s.logger.Debugf("metric seed initialized: views=%d inliers=%d/%d", len(views), len(inliers), len(common))
	return nil
}

// Expand attempts to add one view to the metric scene.
func (e *MetricExpand) Expand(target *pairwise.View) error {
	s := e.scene
	pair, err := s.selectTwoConnections(target)
	if err != nil {
		return err
	}
	s.logger.Debugf("expanding to view=%q using views (%q, %q) common=%d",
		target.ID, pair.viewA.ID, pair.viewB.ID, len(pair.common))

	triples, err := s.buildTriples(pair, target, true)
	if err != nil {
		return err
	}
	cams, inlierIdx, err := geometry.EstimateTripleRobust(triples, s.expandRansac())
	if err != nil {
		return errors.Wrapf(ErrGeometricEstimationFailed, "view %q: %v", target.ID, err)
	}
	s.logger.Debugf("trifocal RANSAC inliers=%d/%d", len(inlierIdx), len(triples))

	inlierTriples := make([]geometry.Triple, len(inlierIdx))
	for i, idx := range inlierIdx {
		inlierTriples[i] = triples[idx]
	}
	inlierCommon := selectValues(pair.common, inlierIdx)

	upgrade, err := e.upgradeToMetric(pair, cams, inlierTriples)
	if err != nil {
		return errors.Wrapf(ErrCalibrationUpgradeFailed, "view %q: %v", target.ID, err)
	}

	dims := [3][2]int{
		{pair.viewA.Width, pair.viewA.Height},
		{pair.viewB.Width, pair.viewB.Height},
		{target.Width, target.Height},
	}

	bundle, err := e.buildLocalBundle(inlierTriples, pair, upgrade)
	if err != nil {
		return errors.Wrapf(ErrGeometricEstimationFailed, "view %q: %v", target.ID, err)
	}
	report, err := s.adapter.Refine(bundle.structure, bundle.observations)
	if err != nil {
		return errors.Wrapf(ErrRefinementDivergence, "view %q: %v", target.ID, err)
	}
	e.logRefined(bundle)

	bad, err := checkPhysicalConstraints(bundle, dims)
	if err != nil {
		return errors.Wrapf(ErrPhysicalConstraintViolation, "view %q: %v", target.ID, err)
	}
	nBad := countTrue(bad)
	if float64(nBad) > s.cfg.FractionBadFeaturesRecover*float64(len(bad)) {
		return errors.Wrapf(ErrPhysicalConstraintViolation,
			"view %q: bad=%d/%d", target.ID, nBad, len(bad))
	}

	inlierCommon = selectValues(inlierCommon, bundle.kept)
	if nBad > 0 {
		// remove the offenders, rebuild from the same initial estimates, and
		// optimize exactly once more
		s.logger.Debugf("removed %d bad features, optimizing again", nBad)
		goodTriples := make([]geometry.Triple, 0, len(bad)-nBad)
		goodCommon := make([]int, 0, len(bad)-nBad)
		for i, isBad := range bad {
			if isBad {
				continue
			}
			goodTriples = append(goodTriples, inlierTriples[bundle.kept[i]])
			goodCommon = append(goodCommon, inlierCommon[i])
		}
		bundle, err = e.buildLocalBundle(goodTriples, pair, upgrade)
		if err != nil {
			return errors.Wrapf(ErrGeometricEstimationFailed, "view %q: %v", target.ID, err)
		}
		secondReport, err := s.adapter.Refine(bundle.structure, bundle.observations)
		if err != nil {
			return errors.Wrapf(ErrRefinementDivergence, "view %q, second pass: %v", target.ID, err)
		}
		e.logRefined(bundle)
		bad, err = checkPhysicalConstraints(bundle, dims)
		if err != nil {
			return errors.Wrapf(ErrPhysicalConstraintViolation, "view %q, second pass: %v", target.ID, err)
		}
		if n := countTrue(bad); n > 0 {
			// a solution that still has bad features after removal tends to
			// be unstable, reject it outright
			return errors.Wrapf(ErrPhysicalConstraintViolation,
				"view %q: bad=%d/%d after removal", target.ID, n, len(bad))
		}
		// the additive term keeps sub-precision errors from tripping the bound
		if secondReport.FinalRMS > s.cfg.RecoverRMSGrowth*report.FinalRMS+1e-8 {
			return errors.Wrapf(ErrRefinementDivergence,
				"view %q: error grew from %.4f to %.4f after bad-feature removal",
				target.ID, report.FinalRMS, secondReport.FinalRMS)
		}
		inlierCommon = selectValues(goodCommon, bundle.kept)
	}

	// the refined local pose passes all checks; rescale it to the global
	// frame and compose the world pose through view1
	refinedPose := bundle.structure.Poses[2].RootToView.Copy()
	refinedPose.T = refinedPose.T.Mul(upgrade.scaleLocalToGlobal)
	world := pair.workA.WorldToView.Concat(refinedPose)

	wv := s.work.AddView(target)
	wv.Intrinsic = bundle.structure.Cameras[2].Model
	wv.WorldToView = world
	wv.Inliers = inlierCommon
	wv.HopsFromSeed = utils.MinInt(pair.workA.HopsFromSeed, pair.workB.HopsFromSeed) + 1

	s.logger.Debugf("rescaled local T=(%.2f %.2f %.2f) scale=%f",
		refinedPose.T.X, refinedPose.T.Y, refinedPose.T.Z, 1.0/upgrade.scaleLocalToGlobal)
	s.logger.Debugf("final global T=(%.2f %.2f %.2f)", world.T.X, world.T.Y, world.T.Z)
	return nil
}

// metricUpgrade is the outcome of elevating the local projective triple into
// the metric frame of the two known views.
type metricUpgrade struct {
	targetIntrinsic    sba.PinholeSimplified
	view1ToView2       *geometry.Se3 // known baseline at local scale, fixed in the bundle
	view1ToTarget      *geometry.Se3
	scaleLocalToGlobal float64
}

// upgradeToMetric computes the calibrating homography from the known
// intrinsics of the selected pair, applies it to the target's local
// projective camera, and resolves the local-to-global scale and sign against
// the known view1-to-view2 baseline.
func (e *MetricExpand) upgradeToMetric(pair *viewPair, cams *geometry.TripleCameras, inliers []geometry.Triple) (*metricUpgrade, error) {
	s := e.scene

	f21 := geometry.FundamentalFromProjective(cams.P2)
	k1 := geometry.CameraMatrix(pair.workA.Intrinsic.F, 0, 0)
	k2 := geometry.CameraMatrix(pair.workB.Intrinsic.F, 0, 0)
	pts1 := make([]r2.Point, len(inliers))
	pts2 := make([]r2.Point, len(inliers))
	for i, tr := range inliers {
		pts1[i] = tr.A
		pts2[i] = tr.B
	}
	h, err := geometry.CalibratingHomography(f21, cams.P2, k1, k2, pts1, pts2)
	if err != nil {
		return nil, err
	}

	_, view1ToView2H, err := geometry.ProjectiveToMetric(cams.P2, h)
	if err != nil {
		return nil, err
	}
	kTarget, view1ToTarget, err := geometry.ProjectiveToMetric(cams.P3, h)
	if err != nil {
		return nil, err
	}
	targetIntrinsic := sba.PinholeSimplified{F: (kTarget.At(0, 0) + kTarget.At(1, 1)) / 2}

	// normalize the local scale so it's close to 1
	normTarget := view1ToTarget.T.Norm()
	if !countable(normTarget) || normTarget < 1e-12 {
		return nil, errors.New("degenerate target translation")
	}
	view1ToTarget.T = view1ToTarget.T.Mul(1 / normTarget)
	view1ToView2H.T = view1ToView2H.T.Mul(1 / normTarget)

	// resolve the scale ambiguity against the known, globally consistent
	// view1-to-view2 baseline
	view1ToView2 := pair.workA.WorldToView.Invert().Concat(pair.workB.WorldToView)
	localNorm := view1ToView2H.T.Norm()
	if !countable(localNorm) || localNorm < 1e-12 {
		return nil, errors.New("degenerate local baseline")
	}
	scale := view1ToView2.T.Norm() / localNorm
	if !countable(scale) || scale == 0 {
		return nil, errors.New("uncountable local-to-global scale")
	}
	if view1ToView2H.T.Dot(view1ToView2.T) < 0 {
		view1ToTarget.T = view1ToTarget.T.Mul(-1)
	}

	s.logger.Debugf("G view 1 to 2 T=(%.2f %.2f %.2f)", view1ToView2.T.X, view1ToView2.T.Y, view1ToView2.T.Z)
	s.logger.Debugf("L view 1 to 2 T=(%.2f %.2f %.2f) scale=%g",
		view1ToView2H.T.X, view1ToView2H.T.Y, view1ToView2H.T.Z, scale)
	s.logger.Debugf("view1.f=%.2f view2.f=%.2f initial target f=%.1f",
		pair.workA.Intrinsic.F, pair.workB.Intrinsic.F, targetIntrinsic.F)

	// the bundle works at local scale, so fix the known baseline there
	baseline := geometry.NewSe3(mat.DenseCopyOf(view1ToView2.R), view1ToView2.T.Mul(1/scale))
	return &metricUpgrade{
		targetIntrinsic:    targetIntrinsic,
		view1ToView2:       baseline,
		view1ToTarget:      view1ToTarget,
		scaleLocalToGlobal: scale,
	}, nil
}

// localBundle is the three-view optimization problem of one expansion
// attempt. kept maps structure point indices back into the triple slice the
// bundle was built from.
type localBundle struct {
	structure    *sba.Structure
	observations *sba.Observations
	kept         []int
}

// buildLocalBundle triangulates the surviving triples in the local metric
// frame and assembles the three-view problem: both known views fully fixed,
// the target free.
func (e *MetricExpand) buildLocalBundle(triples []geometry.Triple, pair *viewPair, upgrade *metricUpgrade) (*localBundle, error) {
	intrA, intrB := pair.workA.Intrinsic, pair.workB.Intrinsic
	motions := []*geometry.Se3{
		geometry.NewSe3Identity(),
		upgrade.view1ToView2,
		upgrade.view1ToTarget,
	}

	points := make([]geometry.Point4, 0, len(triples))
	kept := make([]int, 0, len(triples))
	for i, tr := range triples {
		norm := []r2.Point{
			geometry.NormalizePixel(tr.A, intrA.F, intrA.K1, intrA.K2),
			geometry.NormalizePixel(tr.B, intrB.F, intrB.K1, intrB.K2),
			geometry.NormalizePixel(tr.C, upgrade.targetIntrinsic.F, 0, 0),
		}
		pt, err := geometry.TriangulateLinearSe3(motions, norm)
		if err != nil {
			continue
		}
		points = append(points, pt)
		kept = append(kept, i)
	}
	if len(points) < MinCommonFeatures {
		return nil, errors.Errorf("only %d of %d features triangulated", len(points), len(triples))
	}

	structure := sba.NewStructure(3, len(points))
	structure.SetCamera(0, true, intrA)
	structure.SetCamera(1, true, intrB)
	structure.SetCamera(2, false, upgrade.targetIntrinsic)
	structure.SetPose(0, true, motions[0])
	structure.SetPose(1, true, motions[1])
	structure.SetPose(2, false, motions[2])

	observations := sba.NewObservations(3)
	for i, pt := range points {
		if err := structure.SetPoint(i, pt); err != nil {
			return nil, err
		}
		tr := triples[kept[i]]
		observations.Add(0, i, tr.A)
		observations.Add(1, i, tr.B)
		observations.Add(2, i, tr.C)
	}
	return &localBundle{structure: structure, observations: observations, kept: kept}, nil
}

func (e *MetricExpand) logRefined(bundle *localBundle) {
	model := bundle.structure.Cameras[2].Model
	pose := bundle.structure.Poses[2].RootToView
	e.scene.logger.Debugf("refined f=%6.1f k1=%6.3f k2=%6.3f T=(%.2f %.2f %.2f)",
		model.F, model.K1, model.K2, pose.T.X, pose.T.Y, pose.T.Z)
}

func countTrue(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

func countable(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
