package reconstruction

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// boundsMargin is how far outside the nominal image a reprojection may land
// before the feature is flagged, absorbing distortion at the edges.
const boundsMargin = 1.05

// checkPhysicalConstraints flags every triangulated feature that is not in
// front of all three cameras or reprojects outside the image bounds. A
// structurally broken problem (uncountable point, mismatched counts) is a
// fatal error rather than a per-feature flag.
func checkPhysicalConstraints(bundle *localBundle, dims [3][2]int) ([]bool, error) {
	structure := bundle.structure
	if len(structure.Cameras) != 3 || len(structure.Poses) != 3 {
		return nil, errors.New("physical constraints expect a three-view problem")
	}
	for _, viewObs := range bundle.observations.Views {
		if len(viewObs) != len(structure.Points) {
			return nil, errors.New("observation count does not match structure points")
		}
	}

	bad := make([]bool, len(structure.Points))
	for i, pt := range structure.Points {
		if !pt.IsCountable() || math.Abs(pt.W) < 1e-12 {
			return nil, errors.Errorf("point %d is degenerate", i)
		}
		p := r3.Vector{X: pt.X / pt.W, Y: pt.Y / pt.W, Z: pt.Z / pt.W}
		for v := 0; v < 3; v++ {
			inCam := structure.Poses[v].RootToView.TransformPoint(p)
			proj, ok := structure.Cameras[v].Model.Project(inCam)
			if !ok {
				bad[i] = true
				break
			}
			halfW := boundsMargin * float64(dims[v][0]) / 2
			halfH := boundsMargin * float64(dims[v][1]) / 2
			if math.Abs(proj.X) > halfW || math.Abs(proj.Y) > halfH {
				bad[i] = true
				break
			}
		}
	}
	return bad, nil
}

func eye4() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		m.Set(i, i, 1)
	}
	return m
}
