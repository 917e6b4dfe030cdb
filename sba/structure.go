// Package sba holds the bundle-adjustment problem description consumed by the
// reconstruction engine and a dense Levenberg-Marquardt refiner for it. The
// engine treats the refiner as a black box behind the Adapter interface.
package sba

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"go.viam.com/sfm/geometry"
)

// PinholeSimplified is a pinhole camera with a single focal length, two-term
// radial distortion, and the principal point at the image center (the engine
// works in centered pixel coordinates).
type PinholeSimplified struct {
	F  float64 `json:"f"`
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
}

// Project maps a point in the camera frame to a centered pixel. The boolean
// is false when the point is not in front of the camera.
func (p PinholeSimplified) Project(pt r3.Vector) (r2.Point, bool) {
	if pt.Z <= 0 {
		return r2.Point{}, false
	}
	norm := r2.Point{X: pt.X / pt.Z, Y: pt.Y / pt.Z}
	return geometry.DistortNormalized(norm, p.F, p.K1, p.K2), true
}

// Camera is one camera model in the problem. Fixed cameras keep their
// intrinsics during refinement.
type Camera struct {
	Fixed bool
	Model PinholeSimplified
}

// Pose is one view's rigid transform from the problem's root frame into the
// camera frame. Fixed poses are not refined.
type Pose struct {
	Fixed      bool
	RootToView *geometry.Se3
}

// Structure is the parameter side of a bundle-adjustment problem: one camera
// and pose per view plus the 3D points. Points are always free.
type Structure struct {
	Cameras []*Camera
	Poses   []*Pose
	Points  []geometry.Point4
}

// NewStructure allocates a structure with the given number of views and
// points. Cameras default to free with identity-ish models and poses to free
// identity transforms.
func NewStructure(numViews, numPoints int) *Structure {
	s := &Structure{
		Cameras: make([]*Camera, numViews),
		Poses:   make([]*Pose, numViews),
		Points:  make([]geometry.Point4, numPoints),
	}
	for i := 0; i < numViews; i++ {
		s.Cameras[i] = &Camera{}
		s.Poses[i] = &Pose{RootToView: geometry.NewSe3Identity()}
	}
	return s
}

// SetCamera configures the camera model of a view.
func (s *Structure) SetCamera(viewIdx int, fixed bool, model PinholeSimplified) {
	s.Cameras[viewIdx] = &Camera{Fixed: fixed, Model: model}
}

// SetPose configures the pose of a view.
func (s *Structure) SetPose(viewIdx int, fixed bool, rootToView *geometry.Se3) {
	s.Poses[viewIdx] = &Pose{Fixed: fixed, RootToView: rootToView.Copy()}
}

// SetPoint stores a homogeneous point. It must have a usable w component.
func (s *Structure) SetPoint(pointIdx int, pt geometry.Point4) error {
	if !pt.IsCountable() {
		return errors.Errorf("point %d is uncountable", pointIdx)
	}
	s.Points[pointIdx] = pt
	return nil
}

// Observation ties a point to the pixel where a view saw it.
type Observation struct {
	PointIdx int
	Pixel    r2.Point
}

// Observations is the measurement side of a bundle-adjustment problem,
// grouped per view.
type Observations struct {
	Views [][]Observation
}

// NewObservations allocates observation storage for the given number of views.
func NewObservations(numViews int) *Observations {
	return &Observations{Views: make([][]Observation, numViews)}
}

// Add records that view viewIdx saw point pointIdx at the given pixel.
func (o *Observations) Add(viewIdx, pointIdx int, pixel r2.Point) {
	o.Views[viewIdx] = append(o.Views[viewIdx], Observation{PointIdx: pointIdx, Pixel: pixel})
}

// Count returns the total number of observations across all views.
func (o *Observations) Count() int {
	n := 0
	for _, v := range o.Views {
		n += len(v)
	}
	return n
}
