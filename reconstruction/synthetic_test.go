package reconstruction

import (
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/geometry"
	"go.viam.com/sfm/pairwise"
)

// syntheticScene is an exact pinhole scene: cameras strung along the x axis
// looking at a random point cloud, every view observing every track with
// zero noise. The focal length equals (width+height)/2 so the metric
// bootstrap's focal prior is exact.
type syntheticScene struct {
	graph  *pairwise.Graph
	lookup *pairwise.TrackTable

	width, height int
	focal         float64
	poses         []*geometry.Se3 // world to view
	points        []r3.Vector
	special       []int // track indices added by addSpecialTracks
}

type sceneOpts struct {
	// extraYaw adds rotation to individual views
	extraYaw map[int]float64
	// limitObs restricts a view to observing only the first n tracks
	limitObs map[int]int
	// numSpecial tracks are placed in-frame everywhere except specialOutView
	numSpecial     int
	specialOutView int
}

func makeScene(t *testing.T, numViews, numPoints int) *syntheticScene {
	return makeSceneOpts(t, numViews, numPoints, sceneOpts{})
}

func makeSceneOpts(t *testing.T, numViews, numPoints int, opts sceneOpts) *syntheticScene {
	t.Helper()
	s := &syntheticScene{width: 640, height: 480}
	s.focal = float64(s.width+s.height) / 2

	center := float64(numViews-1) / 2
	for i := 0; i < numViews; i++ {
		yaw := 0.04 * (float64(i) - center)
		yaw += opts.extraYaw[i]
		rot := geometry.RodriguesToRotation(r3.Vector{Y: yaw})
		camCenter := r3.Vector{X: 0.3 * (float64(i) - center)}
		s.poses = append(s.poses, geometry.NewSe3(rot, rotatePointNeg(rot, camCenter)))
	}

	r := rand.New(rand.NewSource(7))
	s.points = make([]r3.Vector, numPoints)
	for i := range s.points {
		s.points[i] = r3.Vector{
			X: -1.2 + 2.4*r.Float64(),
			Y: -1.2 + 2.4*r.Float64(),
			Z: 5 + 4*r.Float64(),
		}
	}

	if opts.numSpecial > 0 {
		s.addSpecialTracks(t, r, opts.numSpecial, opts.specialOutView)
	}

	s.lookup = pairwise.NewTrackTable()
	for v := range s.poses {
		s.lookup.AddView(s.viewID(v), s.width, s.height)
		limit := len(s.points)
		if n, ok := opts.limitObs[v]; ok {
			limit = n
		}
		for i, pt := range s.points {
			if i >= limit && !s.isSpecial(i) {
				continue
			}
			pixel, outOfFrame := s.project(v, pt)
			if outOfFrame && !s.isSpecial(i) {
				t.Fatalf("track %d leaves the frame of view %d", i, v)
			}
			s.lookup.AddObservation(s.viewID(v), i, pixel)
		}
	}

	s.graph = pairwise.NewGraph()
	for v := range s.poses {
		if _, err := s.graph.AddView(s.viewID(v), s.width, s.height); err != nil {
			t.Fatal(err)
		}
	}
	for a := 0; a < numViews; a++ {
		for b := a + 1; b < numViews; b++ {
			common, err := s.lookup.CommonFeatures([]string{s.viewID(a), s.viewID(b)})
			if err != nil {
				t.Fatal(err)
			}
			f := s.fundamentalBetween(a, b)
			if _, err := s.graph.AddMotion(s.viewID(a), s.viewID(b), f, common, 2.0, true); err != nil {
				t.Fatal(err)
			}
		}
	}
	return s
}

func (s *syntheticScene) viewID(v int) string {
	return fmt.Sprintf("v%d", v)
}

func (s *syntheticScene) isSpecial(idx int) bool {
	for _, sp := range s.special {
		if sp == idx {
			return true
		}
	}
	return false
}

// project returns the raw pixel of a world point in a view and whether it
// lands outside the image (with a safety margin on the inside).
func (s *syntheticScene) project(v int, pt r3.Vector) (r2.Point, bool) {
	inCam := s.poses[v].TransformPoint(pt)
	cx := s.focal * inCam.X / inCam.Z
	cy := s.focal * inCam.Y / inCam.Z
	out := inCam.Z <= 0 ||
		math.Abs(cx) > 0.95*float64(s.width)/2 ||
		math.Abs(cy) > 0.95*float64(s.height)/2
	return r2.Point{X: cx + float64(s.width)/2, Y: cy + float64(s.height)/2}, out
}

// relative returns the ground-truth transform from view a's frame to view b's.
func (s *syntheticScene) relative(a, b int) *geometry.Se3 {
	return s.poses[a].Invert().Concat(s.poses[b])
}

// fundamentalBetween builds the exact fundamental matrix of a view pair in
// raw pixel coordinates.
func (s *syntheticScene) fundamentalBetween(a, b int) *mat.Dense {
	rel := s.relative(a, b)
	ess := mat.NewDense(3, 3, []float64{
		0, -rel.T.Z, rel.T.Y,
		rel.T.Z, 0, -rel.T.X,
		-rel.T.Y, rel.T.X, 0,
	})
	ess.Mul(ess, rel.R)

	k := geometry.CameraMatrix(s.focal, float64(s.width)/2, float64(s.height)/2)
	var kInv mat.Dense
	if err := kInv.Inverse(k); err != nil {
		panic(err)
	}
	var tmp, f mat.Dense
	tmp.Mul(kInv.T(), ess)
	f.Mul(&tmp, &kInv)
	return &f
}

// addSpecialTracks appends tracks that are observed in frame by every view
// except outView, where their true projection lands outside the image
// bounds. They are geometrically exact, so robust estimation keeps them and
// only the physical-constraint check can reject them.
func (s *syntheticScene) addSpecialTracks(t *testing.T, r *rand.Rand, count, outView int) {
	t.Helper()
	halfW := float64(s.width) / 2
	halfH := float64(s.height) / 2
	for tries := 0; tries < 20000 && count > 0; tries++ {
		sign := 1.0
		if r.Float64() < 0.5 {
			sign = -1
		}
		cand := r3.Vector{
			X: sign * (1.5 + 2.5*r.Float64()),
			Y: -1 + 2*r.Float64(),
			Z: 5 + 4*r.Float64(),
		}
		usable := true
		for v := range s.poses {
			inCam := s.poses[v].TransformPoint(cand)
			if inCam.Z <= 0 {
				usable = false
				break
			}
			cx := s.focal * inCam.X / inCam.Z
			cy := s.focal * inCam.Y / inCam.Z
			if v == outView {
				// outside the margin, but not absurdly far out
				if math.Abs(cx) < 1.1*halfW || math.Abs(cx) > 2*halfW || math.Abs(cy) > 0.9*halfH {
					usable = false
					break
				}
				continue
			}
			if math.Abs(cx) > 0.95*halfW || math.Abs(cy) > 0.95*halfH {
				usable = false
				break
			}
		}
		if !usable {
			continue
		}
		s.special = append(s.special, len(s.points))
		s.points = append(s.points, cand)
		count--
	}
	if count > 0 {
		t.Fatalf("could not place %d more special tracks", count)
	}
}

func rotatePointNeg(rot *mat.Dense, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: -(rot.At(0, 0)*v.X + rot.At(0, 1)*v.Y + rot.At(0, 2)*v.Z),
		Y: -(rot.At(1, 0)*v.X + rot.At(1, 1)*v.Y + rot.At(1, 2)*v.Z),
		Z: -(rot.At(2, 0)*v.X + rot.At(2, 1)*v.Y + rot.At(2, 2)*v.Z),
	}
}

// rotationGap is the angle of the rotation taking a to b.
func rotationGap(a, b *mat.Dense) float64 {
	var diff mat.Dense
	diff.Mul(a.T(), b)
	dense := mat.DenseCopyOf(&diff)
	return geometry.RotationToRodrigues(dense).Norm()
}
