package reconstruction

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"

	"go.viam.com/sfm/pairwise"
	"go.viam.com/sfm/sba"
	"go.viam.com/sfm/utils"
)

// Status is the terminal state of a reconstruction run. Both values are
// success: Stalled just means some views could not be scored or added.
type Status int

const (
	// StatusExhausted means the open frontier emptied out.
	StatusExhausted Status = iota + 1
	// StatusStalled means open views remain but none has a valid
	// three-view connection to the known scene.
	StatusStalled
)

func (s Status) String() string {
	switch s {
	case StatusExhausted:
		return "exhausted"
	case StatusStalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// Reconstruction drives a working reconstruction from a pairwise relationship
// graph: it scores seeds, initializes from the best one, and grows the scene
// one view at a time until the frontier is exhausted or stalls.
type Reconstruction struct {
	cfg      *Config
	logger   golog.Logger
	scene    *scene
	expander Expander
}

// NewProjective returns an engine that builds a projective reconstruction.
func NewProjective(cfg *Config, logger golog.Logger) *Reconstruction {
	return newReconstruction(cfg, logger, false)
}

// NewMetric returns an engine that builds a metric (calibrated) reconstruction.
func NewMetric(cfg *Config, logger golog.Logger) *Reconstruction {
	return newReconstruction(cfg, logger, true)
}

func newReconstruction(cfg *Config, logger golog.Logger, metric bool) *Reconstruction {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	lm := sba.NewLevenbergMarquardt()
	lm.MaxIterations = cfg.MaxRefineIterations
	sc := &scene{cfg: cfg, logger: logger, adapter: lm}
	r := &Reconstruction{cfg: cfg, logger: logger, scene: sc}
	if metric {
		r.expander = &MetricExpand{scene: sc}
	} else {
		r.expander = &ProjectiveExpand{scene: sc}
	}
	return r
}

// SetAdapter swaps the bundle-adjustment implementation, mostly for tests.
func (r *Reconstruction) SetAdapter(adapter sba.Adapter) {
	r.scene.adapter = adapter
}

// WorkGraph returns the working reconstruction of the last Process call.
func (r *Reconstruction) WorkGraph() *WorkingGraph {
	return r.scene.work
}

// Process reconstructs the scene described by the graph. Seed selection and
// initialization failures are fatal; per-view expansion failures only discard
// that view. The returned working graph may cover a subset of the input
// views.
func (r *Reconstruction) Process(
	ctx context.Context,
	graph *pairwise.Graph,
	lookup pairwise.ObservationLookup,
) (*WorkingGraph, Status, error) {
	r.scene.graph = graph
	r.scene.lookup = lookup
	r.scene.work = NewWorkingGraph()

	// the graph and the observation source must agree on every image's
	// dimensions before any pixel is interpreted
	for _, v := range graph.Views {
		w, h, err := lookup.Shape(v.ID)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "view %q has no observation source", v.ID)
		}
		if w != v.Width || h != v.Height {
			return nil, 0, errors.Errorf("view %q is %dx%d in the graph but %dx%d in the observations",
				v.ID, v.Width, v.Height, w, h)
		}
	}

	seeds, err := scoreSeeds(graph, r.cfg)
	if err != nil {
		return nil, 0, err
	}
	// multiple seeds are unsupported, keep only the highest score
	best := seeds[0]
	r.logger.Debugf("selected seed view=%q score=%.1f neighbors=%d",
		best.Seed.ID, best.Score, len(best.Motions))

	if err := r.expander.Spawn(&best); err != nil {
		return nil, 0, err
	}

	status, err := r.expandScene(ctx)
	if err != nil {
		return nil, 0, err
	}
	r.logger.Debugf("done: %s, known=%d", status, r.scene.work.Len())
	return r.scene.work, status, nil
}

// expandScene runs the frontier loop until no view can be added.
func (r *Reconstruction) expandScene(ctx context.Context) (Status, error) {
	work := r.scene.work
	work.FindAllOpen(r.scene.graph)
	r.logger.Debugf("expanding scene: open=%d", len(work.Open()))

	for len(work.Open()) > 0 {
		scores, err := r.scoreCandidates(ctx)
		if err != nil {
			return 0, err
		}
		bestIdx := -1
		bestScore := 0.0
		for i, score := range scores {
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		if bestIdx < 0 {
			r.logger.Debugf("no valid views left, open=%d", len(work.Open()))
			return StatusStalled, nil
		}

		selected := work.RemoveOpenAt(bestIdx)
		if err := r.expander.Expand(selected); err != nil {
			r.logger.Debugf("failed to expand view=%q, discarding: %v", selected.ID, err)
			work.Discard(selected)
			continue
		}
		r.logger.Debugf("success expanding view=%q", selected.ID)
		work.AddOpenForView(r.scene.graph, selected)
	}
	return StatusExhausted, nil
}

// scoreCandidates computes an expansion score for every open view: the number
// of known-view pairs it shares enough features with to attempt a three-view
// estimation. Scoring only reads the working reconstruction, so it fans out
// across the open set and joins before any mutation.
func (r *Reconstruction) scoreCandidates(ctx context.Context) ([]float64, error) {
	open := r.scene.work.Open()
	fs := make([]utils.FloatFunc, len(open))
	for i, candidate := range open {
		candidate := candidate
		fs[i] = func(ctx context.Context) (float64, error) {
			return r.scene.candidateScore(candidate), nil
		}
	}
	_, scores, err := utils.GetInParallel(ctx, fs)
	if err != nil {
		return nil, err
	}
	return scores, nil
}

// candidateScore counts the valid three-view connections of an open view.
func (s *scene) candidateScore(candidate *pairwise.View) float64 {
	var known []*pairwise.View
	for _, m := range s.graph.Neighbors(candidate) {
		if other := m.Other(candidate); s.work.IsKnown(other.ID) {
			known = append(known, other)
		}
	}
	score := 0.0
	for i := 0; i < len(known); i++ {
		for j := i + 1; j < len(known); j++ {
			common, err := s.lookup.CommonFeatures([]string{known[i].ID, known[j].ID, candidate.ID})
			if err != nil {
				continue
			}
			if len(common) >= MinCommonFeatures {
				score++
			}
		}
	}
	return score
}
