package sba

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.viam.com/sfm/geometry"
)

// residual value used when a point lands behind a camera during refinement,
// large enough to push the optimizer away without overflowing squares
const behindCameraResidual = 1e4

// LevenbergMarquardt is a dense Levenberg-Marquardt refiner with a numeric
// forward-difference Jacobian. Free parameters are the intrinsics of free
// cameras (f, k1, k2), the Rodrigues vector and translation of free poses,
// and every 3D point.
type LevenbergMarquardt struct {
	// MaxIterations bounds the number of accepted steps.
	MaxIterations int
	// RelTol terminates when the relative cost decrease of an accepted step
	// falls below it.
	RelTol float64
}

// NewLevenbergMarquardt returns a refiner with the default limits.
func NewLevenbergMarquardt() *LevenbergMarquardt {
	return &LevenbergMarquardt{MaxIterations: 50, RelTol: 1e-12}
}

// Refine implements Adapter.
func (lm *LevenbergMarquardt) Refine(structure *Structure, observations *Observations) (*Report, error) {
	if len(structure.Cameras) != len(structure.Poses) {
		return nil, errors.New("structure needs one pose per camera")
	}
	if len(observations.Views) != len(structure.Cameras) {
		return nil, errors.New("observations need one view per camera")
	}
	prob, err := newProblem(structure, observations)
	if err != nil {
		return nil, err
	}

	params := prob.pack()
	res := prob.residuals(params)
	cost := sumSquares(res)
	initialRMS := math.Sqrt(cost / float64(len(res)))

	// below this cost the problem is solved to numerical precision
	costFloor := 1e-16 * float64(len(res))

	lambda := 1e-3
	iterations := 0
	converged := cost < costFloor
	for iterations < lm.MaxIterations && !converged {
		jac := prob.numericJacobian(params, res)

		var jtj mat.Dense
		jtj.Mul(jac.T(), jac)
		g := mat.NewVecDense(len(params), nil)
		g.MulVec(jac.T(), mat.NewVecDense(len(res), res))

		accepted := false
		for damp := 0; damp < 10; damp++ {
			// (J^T J + lambda*diag(J^T J)) * delta = -J^T r
			var nm mat.Dense
			nm.CloneFrom(&jtj)
			for i := 0; i < len(params); i++ {
				d := jtj.At(i, i)
				if d == 0 {
					d = 1e-9
				}
				nm.Set(i, i, d*(1+lambda))
			}
			var negG mat.VecDense
			negG.ScaleVec(-1, g)
			var delta mat.VecDense
			if err := delta.SolveVec(&nm, &negG); err != nil {
				lambda *= 10
				continue
			}

			trial := make([]float64, len(params))
			for i := range trial {
				trial[i] = params[i] + delta.AtVec(i)
			}
			trialRes := prob.residuals(trial)
			trialCost := sumSquares(trialRes)
			if trialCost < cost {
				improvement := (cost - trialCost) / cost
				params, res, cost = trial, trialRes, trialCost
				lambda = math.Max(lambda*0.3, 1e-12)
				accepted = true
				if improvement < lm.RelTol || cost < costFloor {
					converged = true
				}
				break
			}
			lambda *= 10
			if lambda > 1e12 {
				break
			}
		}
		iterations++
		if !accepted {
			// the surface is flat at this damping range; treat a tiny
			// gradient or a sub-precision error as convergence, anything
			// else as failure
			if mat.Norm(g, 2) < 1e-10 || math.Sqrt(cost/float64(len(res))) < 1e-6 {
				converged = true
			}
			break
		}
	}

	if !converged {
		return nil, ErrDidNotConverge
	}

	prob.unpack(params)
	return &Report{
		Iterations: iterations,
		InitialRMS: initialRMS,
		FinalRMS:   math.Sqrt(cost / float64(len(res))),
	}, nil
}

// problem flattens a structure into a parameter vector and evaluates
// reprojection residuals over it.
type problem struct {
	structure    *Structure
	observations *Observations

	points []r3.Vector

	numParams  int
	cameraOffs []int // -1 when fixed
	poseOffs   []int // -1 when fixed
	pointOff   int
}

func newProblem(structure *Structure, observations *Observations) (*problem, error) {
	p := &problem{
		structure:    structure,
		observations: observations,
		cameraOffs:   make([]int, len(structure.Cameras)),
		poseOffs:     make([]int, len(structure.Poses)),
	}
	off := 0
	for i, cam := range structure.Cameras {
		if cam.Fixed {
			p.cameraOffs[i] = -1
			continue
		}
		p.cameraOffs[i] = off
		off += 3
	}
	for i, pose := range structure.Poses {
		if pose.Fixed {
			p.poseOffs[i] = -1
			continue
		}
		p.poseOffs[i] = off
		off += 6
	}
	p.pointOff = off
	off += 3 * len(structure.Points)
	p.numParams = off

	p.points = make([]r3.Vector, len(structure.Points))
	for i, pt := range structure.Points {
		if math.Abs(pt.W) < 1e-12 {
			return nil, errors.Errorf("point %d is at infinity", i)
		}
		p.points[i] = r3.Vector{X: pt.X / pt.W, Y: pt.Y / pt.W, Z: pt.Z / pt.W}
	}
	return p, nil
}

func (p *problem) pack() []float64 {
	params := make([]float64, p.numParams)
	for i, cam := range p.structure.Cameras {
		off := p.cameraOffs[i]
		if off < 0 {
			continue
		}
		params[off] = cam.Model.F
		params[off+1] = cam.Model.K1
		params[off+2] = cam.Model.K2
	}
	for i, pose := range p.structure.Poses {
		off := p.poseOffs[i]
		if off < 0 {
			continue
		}
		rod := geometry.RotationToRodrigues(pose.RootToView.R)
		t := pose.RootToView.T
		params[off], params[off+1], params[off+2] = rod.X, rod.Y, rod.Z
		params[off+3], params[off+4], params[off+5] = t.X, t.Y, t.Z
	}
	for i, pt := range p.points {
		off := p.pointOff + 3*i
		params[off], params[off+1], params[off+2] = pt.X, pt.Y, pt.Z
	}
	return params
}

func (p *problem) unpack(params []float64) {
	for i, cam := range p.structure.Cameras {
		off := p.cameraOffs[i]
		if off < 0 {
			continue
		}
		cam.Model.F = params[off]
		cam.Model.K1 = params[off+1]
		cam.Model.K2 = params[off+2]
	}
	for i, pose := range p.structure.Poses {
		off := p.poseOffs[i]
		if off < 0 {
			continue
		}
		rod := r3.Vector{X: params[off], Y: params[off+1], Z: params[off+2]}
		pose.RootToView = geometry.NewSe3(
			geometry.RodriguesToRotation(rod),
			r3.Vector{X: params[off+3], Y: params[off+4], Z: params[off+5]},
		)
	}
	for i := range p.structure.Points {
		off := p.pointOff + 3*i
		p.structure.Points[i] = geometry.Point4{
			X: params[off], Y: params[off+1], Z: params[off+2], W: 1,
		}
	}
}

func (p *problem) viewState(params []float64, viewIdx int) (PinholeSimplified, *geometry.Se3) {
	model := p.structure.Cameras[viewIdx].Model
	if off := p.cameraOffs[viewIdx]; off >= 0 {
		model = PinholeSimplified{F: params[off], K1: params[off+1], K2: params[off+2]}
	}
	pose := p.structure.Poses[viewIdx].RootToView
	if off := p.poseOffs[viewIdx]; off >= 0 {
		rod := r3.Vector{X: params[off], Y: params[off+1], Z: params[off+2]}
		pose = geometry.NewSe3(
			geometry.RodriguesToRotation(rod),
			r3.Vector{X: params[off+3], Y: params[off+4], Z: params[off+5]},
		)
	}
	return model, pose
}

func (p *problem) residuals(params []float64) []float64 {
	res := make([]float64, 0, 2*p.observations.Count())
	for viewIdx := range p.observations.Views {
		model, pose := p.viewState(params, viewIdx)
		for _, obs := range p.observations.Views[viewIdx] {
			off := p.pointOff + 3*obs.PointIdx
			pt := r3.Vector{X: params[off], Y: params[off+1], Z: params[off+2]}
			proj, ok := model.Project(pose.TransformPoint(pt))
			if !ok {
				res = append(res, behindCameraResidual, behindCameraResidual)
				continue
			}
			res = append(res, proj.X-obs.Pixel.X, proj.Y-obs.Pixel.Y)
		}
	}
	return res
}

func (p *problem) numericJacobian(params, res []float64) *mat.Dense {
	jac := mat.NewDense(len(res), len(params), nil)
	perturbed := make([]float64, len(params))
	copy(perturbed, params)
	for j := range params {
		h := 1e-7 * math.Max(1, math.Abs(params[j]))
		perturbed[j] = params[j] + h
		resPlus := p.residuals(perturbed)
		perturbed[j] = params[j]
		for i := range res {
			jac.Set(i, j, (resPlus[i]-res[i])/h)
		}
	}
	return jac
}

func sumSquares(vals []float64) float64 {
	total := 0.0
	for _, v := range vals {
		total += v * v
	}
	return total
}
