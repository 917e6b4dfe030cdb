package reconstruction

import (
	"encoding/json"
	"os"

	"go.viam.com/utils"

	"go.viam.com/sfm/geometry"
)

// MinCommonFeatures is the smallest number of features a view set must
// observe in common for the downstream geometric solvers to work.
const MinCommonFeatures = 6

// Config contains the parameters of a reconstruction run.
type Config struct {
	// MinSeedNeighbors is how many qualifying 3D neighbors a view needs to
	// be considered as a seed. Values below 2 are raised to 2, the least a
	// neighborhood can initialize from.
	MinSeedNeighbors int `json:"min_seed_neighbors"`
	// MaxSeedNeighbors caps how many neighbor motions the initializer uses.
	MaxSeedNeighbors int `json:"max_seed_neighbors"`
	// MinInlierCount is the smallest pairwise inlier set for a motion to
	// contribute to seed scoring.
	MinInlierCount int `json:"min_inlier_count"`
	// MinScore3D is the smallest 3D-information score for a motion to
	// contribute to seed scoring.
	MinScore3D float64 `json:"min_score_3d"`
	// Ransac parameterizes the robust estimators.
	Ransac geometry.RansacConfig `json:"ransac"`
	// MinExpandInliers is the inlier floor for accepting an expansion.
	MinExpandInliers int `json:"min_expand_inliers"`
	// FractionBadFeaturesRecover is the largest fraction of features allowed
	// to fail the physical-constraint check while still attempting recovery
	// by removing them.
	FractionBadFeaturesRecover float64 `json:"fraction_bad_features_recover"`
	// RecoverRMSGrowth bounds how much the mean reprojection error may grow
	// after bad-feature removal and re-optimization before the solution is
	// rejected anyway.
	RecoverRMSGrowth float64 `json:"recover_rms_growth"`
	// MaxRefineIterations bounds each bundle-adjustment invocation.
	MaxRefineIterations int `json:"max_refine_iterations"`
	// FocalPriorScale scales the focal-length prior (w+h)/2 used to
	// bootstrap a metric scene before any calibration is known.
	FocalPriorScale float64 `json:"focal_prior_scale"`
}

// DefaultConfig returns the configuration used unless a caller overrides it.
func DefaultConfig() *Config {
	return &Config{
		MinSeedNeighbors: 4,
		MaxSeedNeighbors: 6,
		MinInlierCount:   30,
		MinScore3D:       1.0,
		Ransac: geometry.RansacConfig{
			Iterations:  500,
			ThresholdPx: 2.0,
			MinInliers:  10,
			Seed:        42,
		},
		MinExpandInliers:           10,
		FractionBadFeaturesRecover: 0.05,
		RecoverRMSGrowth:           1.2,
		MaxRefineIterations:        50,
		FocalPriorScale:            1.0,
	}
}

// LoadConfig loads a reconstruction configuration from a json file.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	configFile, err := os.Open(path) //nolint:gosec
	defer utils.UncheckedErrorFunc(configFile.Close)
	if err != nil {
		return nil, err
	}
	jsonParser := json.NewDecoder(configFile)
	err = jsonParser.Decode(config)
	if err != nil {
		return nil, err
	}
	return config, nil
}
