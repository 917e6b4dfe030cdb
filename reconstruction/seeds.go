package reconstruction

import (
	"sort"

	"go.viam.com/sfm/pairwise"
	"go.viam.com/sfm/utils"
)

// SeedInfo is a candidate starting view: the neighbor motions selected for
// initialization and how much 3D information they carry together.
type SeedInfo struct {
	Seed         *pairwise.View
	Motions      []*pairwise.Motion
	Score        float64
	TotalInliers int
}

// scoreSeeds ranks every view by its suitability as a reconstruction seed. A
// motion contributes only when it is 3D and clears the inlier and 3D-score
// thresholds; a view qualifies only with at least MinSeedNeighbors
// contributing motions. Ties are broken by total inlier count, then view id,
// so the ranking is deterministic.
func scoreSeeds(g *pairwise.Graph, cfg *Config) ([]SeedInfo, error) {
	// two motions is the least a seed neighborhood can initialize from
	minNeighbors := utils.MaxInt(cfg.MinSeedNeighbors, 2)
	seeds := make([]SeedInfo, 0, len(g.Views))
	for _, v := range g.Views {
		qualifying := make([]*pairwise.Motion, 0)
		for _, m := range g.Neighbors(v) {
			if !m.Is3D || len(m.Inliers) < cfg.MinInlierCount || m.Score3D < cfg.MinScore3D {
				continue
			}
			qualifying = append(qualifying, m)
		}
		if len(qualifying) < minNeighbors {
			continue
		}
		// richest motions first
		sort.SliceStable(qualifying, func(i, j int) bool {
			si := motionContribution(qualifying[i])
			sj := motionContribution(qualifying[j])
			if si != sj {
				return si > sj
			}
			return qualifying[i].Other(v).ID < qualifying[j].Other(v).ID
		})
		if len(qualifying) > cfg.MaxSeedNeighbors {
			qualifying = qualifying[:cfg.MaxSeedNeighbors]
		}
		info := SeedInfo{Seed: v, Motions: qualifying}
		for _, m := range qualifying {
			info.Score += motionContribution(m)
			info.TotalInliers += len(m.Inliers)
		}
		seeds = append(seeds, info)
	}
	if len(seeds) == 0 {
		return nil, ErrInsufficientSeedCandidates
	}
	sort.SliceStable(seeds, func(i, j int) bool {
		if seeds[i].Score != seeds[j].Score {
			return seeds[i].Score > seeds[j].Score
		}
		if seeds[i].TotalInliers != seeds[j].TotalInliers {
			return seeds[i].TotalInliers > seeds[j].TotalInliers
		}
		return seeds[i].Seed.ID < seeds[j].Seed.ID
	})
	return seeds, nil
}

func motionContribution(m *pairwise.Motion) float64 {
	return float64(len(m.Inliers)) * m.Score3D
}
