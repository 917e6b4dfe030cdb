package reconstruction

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/geometry"
	"go.viam.com/sfm/pairwise"
	"go.viam.com/sfm/utils"
)

// ProjectiveExpand grows a projective working reconstruction: every known
// view carries a 3x4 camera matrix in one shared projective frame.
type ProjectiveExpand struct {
	scene *scene
}

// Spawn initializes the projective scene from the seed and its selected
// neighbors using their common feature tracks.
func (e *ProjectiveExpand) Spawn(info *SeedInfo) error {
	s := e.scene
	viewIDs := []string{info.Seed.ID}
	views := []*pairwise.View{info.Seed}
	for _, m := range info.Motions {
		other := m.Other(info.Seed)
		viewIDs = append(viewIDs, other.ID)
		views = append(views, other)
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
	for i, v := range views {
		obs[i] = make([]r2.Point, len(common))
		for j, featIdx := range common {
			pt, err := s.lookup.Observation(v.ID, featIdx)
			if err != nil {
				return err
			}
			obs[i][j] = pt
		}
	}

	cameras, inlierIdx, err := geometry.EstimateProjectiveN(obs, s.cfg.Ransac)
	if err != nil {
		return errors.Wrapf(ErrGeometricEstimationFailed, "initializing seed %q: %v", info.Seed.ID, err)
	}

	inliers := selectValues(common, inlierIdx)
	for i, v := range views {
		wv := s.work.AddView(v)
		wv.Projective = cameras[i]
		wv.Inliers = inliers
		s.logger.Debugf("initial seed camera matrix saved for view=%q", v.ID)
	}
	s.logger.Debugf("projective seed initialized: views=%d inliers=%d/%d", len(views), len(inliers), len(common))
	return nil
}

// Expand estimates the camera matrix of one open view from its two best known
// neighbors and appends it to the working reconstruction.
func (e *ProjectiveExpand) Expand(target *pairwise.View) error {
	s := e.scene
	pair, err := s.selectTwoConnections(target)
	if err != nil {
		return err
	}
	s.logger.Debugf("expanding to view=%q using views (%q, %q) common=%d",
		target.ID, pair.viewA.ID, pair.viewB.ID, len(pair.common))

	triples, err := s.buildTriples(pair, target, false)
	if err != nil {
		return err
	}
	cams, inlierIdx, err := geometry.EstimateTripleRobust(triples, s.expandRansac())
	if err != nil {
		return errors.Wrapf(ErrGeometricEstimationFailed, "view %q: %v", target.ID, err)
	}
	s.logger.Debugf("trifocal RANSAC inliers=%d/%d", len(inlierIdx), len(triples))

	// bring the local camera into the frame the known views live in
	h, err := geometry.CompatibleHomography(cams.P2, pair.workA.Projective, pair.workB.Projective)
	if err != nil {
		return errors.Wrapf(ErrGeometricEstimationFailed, "aligning local frame for view %q: %v", target.ID, err)
	}
	global := mat.NewDense(3, 4, nil)
	global.Mul(cams.P3, h)

	wv := s.work.AddView(target)
	wv.Projective = global
	wv.Inliers = selectValues(pair.common, inlierIdx)
	wv.HopsFromSeed = utils.MinInt(pair.workA.HopsFromSeed, pair.workB.HopsFromSeed) + 1
	return nil
}
