package reconstruction

import (
	"github.com/pkg/errors"
)

var (
	// ErrInsufficientSeedCandidates means no view in the relationship graph
	// had enough well-connected 3D neighbors to bootstrap a scene. It is
	// fatal to the whole run.
	ErrInsufficientSeedCandidates = errors.New("no view qualifies as a reconstruction seed")

	// ErrInsufficientCommonFeatures means a chosen view set shared fewer
	// common observations than the geometric minimum.
	ErrInsufficientCommonFeatures = errors.New("not enough features observed in common")

	// ErrGeometricEstimationFailed means a robust estimator could not find a
	// model with enough inliers.
	ErrGeometricEstimationFailed = errors.New("robust geometric estimation failed")

	// ErrCalibrationUpgradeFailed means the calibrating homography or the
	// projective-to-metric upgrade produced a degenerate result.
	ErrCalibrationUpgradeFailed = errors.New("projective to metric upgrade failed")

	// ErrRefinementDivergence means bundle adjustment did not converge, or
	// drifted too far after bad-feature removal.
	ErrRefinementDivergence = errors.New("bundle adjustment diverged")

	// ErrPhysicalConstraintViolation means too many triangulated features
	// failed the front-of-camera and image-bounds checks.
	ErrPhysicalConstraintViolation = errors.New("solution violates physical constraints")
)
