package sba

import (
	"github.com/pkg/errors"
)

// ErrDidNotConverge is returned when refinement runs out of iterations before
// the cost settles.
var ErrDidNotConverge = errors.New("bundle adjustment did not converge")

// Report summarizes a refinement run.
type Report struct {
	Iterations int
	InitialRMS float64
	FinalRMS   float64
}

// Adapter refines a bundle-adjustment problem in place. Implementations
// minimize total squared reprojection error over the free parameters of the
// structure.
type Adapter interface {
	Refine(structure *Structure, observations *Observations) (*Report, error)
}
