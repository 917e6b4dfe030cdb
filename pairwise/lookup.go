package pairwise

import (
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
)

// ObservationLookup fetches pixel observations of feature tracks. A feature
// index refers to a track shared across views; CommonFeatures returns the
// tracks observed in every one of the listed views.
type ObservationLookup interface {
	CommonFeatures(viewIDs []string) ([]int, error)
	Observation(viewID string, featureIdx int) (r2.Point, error)
	Shape(viewID string) (width, height int, err error)
}

// TrackTable is an in-memory ObservationLookup backed by per-view maps from
// track index to pixel coordinate.
type TrackTable struct {
	shapes map[string][2]int
	tracks map[string]map[int]r2.Point
	order  map[string][]int
}

// NewTrackTable returns an empty track table.
func NewTrackTable() *TrackTable {
	return &TrackTable{
		shapes: map[string][2]int{},
		tracks: map[string]map[int]r2.Point{},
		order:  map[string][]int{},
	}
}

// AddView registers a view's image dimensions.
func (tt *TrackTable) AddView(viewID string, width, height int) {
	tt.shapes[viewID] = [2]int{width, height}
	if tt.tracks[viewID] == nil {
		tt.tracks[viewID] = map[int]r2.Point{}
	}
}

// AddObservation records that the given view observes track featureIdx at
// pixel pt.
func (tt *TrackTable) AddObservation(viewID string, featureIdx int, pt r2.Point) {
	if tt.tracks[viewID] == nil {
		tt.tracks[viewID] = map[int]r2.Point{}
	}
	if _, seen := tt.tracks[viewID][featureIdx]; !seen {
		tt.order[viewID] = append(tt.order[viewID], featureIdx)
	}
	tt.tracks[viewID][featureIdx] = pt
}

// CommonFeatures returns the track indices observed in every listed view,
// in the observation order of the first view so results are deterministic.
func (tt *TrackTable) CommonFeatures(viewIDs []string) ([]int, error) {
	if len(viewIDs) == 0 {
		return nil, errors.New("need at least one view")
	}
	first, ok := tt.tracks[viewIDs[0]]
	if !ok {
		return nil, errors.Errorf("no observations for view %q", viewIDs[0])
	}
	common := make([]int, 0, len(first))
	for _, idx := range tt.order[viewIDs[0]] {
		inAll := true
		for _, id := range viewIDs[1:] {
			obs, ok := tt.tracks[id]
			if !ok {
				return nil, errors.Errorf("no observations for view %q", id)
			}
			if _, seen := obs[idx]; !seen {
				inAll = false
				break
			}
		}
		if inAll {
			common = append(common, idx)
		}
	}
	return common, nil
}

// Observation returns the pixel coordinate of track featureIdx in the view.
func (tt *TrackTable) Observation(viewID string, featureIdx int) (r2.Point, error) {
	obs, ok := tt.tracks[viewID]
	if !ok {
		return r2.Point{}, errors.Errorf("no observations for view %q", viewID)
	}
	pt, ok := obs[featureIdx]
	if !ok {
		return r2.Point{}, errors.Errorf("view %q does not observe feature %d", viewID, featureIdx)
	}
	return pt, nil
}

// Shape returns the image dimensions of the view.
func (tt *TrackTable) Shape(viewID string) (int, int, error) {
	dims, ok := tt.shapes[viewID]
	if !ok {
		return 0, 0, errors.Errorf("unknown view %q", viewID)
	}
	return dims[0], dims[1], nil
}
