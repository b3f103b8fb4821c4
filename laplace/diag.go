package laplace

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/core/parallel"
	"github.com/Videra-Health/Laplace/curvature"
	"github.com/Videra-Health/Laplace/pkg/errors"
)

// diagPosterior stores only the diagonal of the curvature. All derived
// quantities are elementwise: precision, variance, log-determinant and
// per-coordinate Gaussian sampling, and the functional variance contracts
// Jacobians against the diagonal middle term without ever forming a [P x P]
// matrix.
type diagPosterior struct {
	p        int
	h        []float64 // accumulated curvature diagonal
	prec     []float64
	variance []float64
	ld       float64
}

func newDiagPosterior(p int) *diagPosterior {
	return &diagPosterior{p: p, h: make([]float64, p)}
}

func (d *diagPosterior) flavor() string { return "diag" }

func (d *diagPosterior) accumulate(backend *curvature.GGN, X, y mat.Matrix) (float64, int, error) {
	loss, hb, err := backend.Diag(X, y)
	if err != nil {
		return 0, 0, err
	}
	for i := 0; i < d.p; i++ {
		d.h[i] += hb.AtVec(i)
	}
	n, _ := X.Dims()
	return loss, n, nil
}

func (d *diagPosterior) refresh(hp hyperState) error {
	prec := make([]float64, d.p)
	variance := make([]float64, d.p)
	var ld float64
	for i := 0; i < d.p; i++ {
		prec[i] = hp.priorDiag[i] + hp.hFactor*d.h[i]
		if prec[i] <= 0 || math.IsNaN(prec[i]) {
			return errors.NewNotPositiveDefiniteError("posterior_precision", d.p)
		}
		variance[i] = 1 / prec[i]
		ld += math.Log(prec[i])
	}
	d.prec = prec
	d.variance = variance
	d.ld = ld
	return nil
}

func (d *diagPosterior) logDet() float64 { return d.ld }

func (d *diagPosterior) sample(rng *rand.Rand, mean *mat.VecDense, n int) *mat.Dense {
	out := mat.NewDense(n, d.p, nil)
	for s := 0; s < n; s++ {
		for i := 0; i < d.p; i++ {
			out.Set(s, i, mean.AtVec(i)+rng.NormFloat64()*math.Sqrt(d.variance[i]))
		}
	}
	return out
}

func (d *diagPosterior) functionalVariance(jacs []*mat.Dense) []*mat.SymDense {
	out := make([]*mat.SymDense, len(jacs))
	const fvThreshold = 64
	parallel.ParallelizeWithThreshold(len(jacs), fvThreshold, func(start, end int) {
		for b := start; b < end; b++ {
			k, _ := jacs[b].Dims()
			s := mat.NewSymDense(k, nil)
			for r := 0; r < k; r++ {
				for c := r; c < k; c++ {
					var v float64
					for i := 0; i < d.p; i++ {
						v += jacs[b].At(r, i) * d.variance[i] * jacs[b].At(c, i)
					}
					s.SetSym(r, c, v)
				}
			}
			out[b] = s
		}
	})
	return out
}

func (d *diagPosterior) precisionMatrix() *mat.SymDense {
	out := mat.NewSymDense(d.p, nil)
	for i := 0; i < d.p; i++ {
		out.SetSym(i, i, d.prec[i])
	}
	return out
}

func (d *diagPosterior) covarianceMatrix() *mat.SymDense {
	out := mat.NewSymDense(d.p, nil)
	for i := 0; i < d.p; i++ {
		out.SetSym(i, i, d.variance[i])
	}
	return out
}

func (d *diagPosterior) saveTo(s *snapshot) {
	s.HDiag = append([]float64(nil), d.h...)
}

func (d *diagPosterior) loadFrom(s *snapshot) error {
	if len(s.HDiag) != d.p {
		return errors.NewDimensionError("diagPosterior.load", d.p, len(s.HDiag), 0)
	}
	copy(d.h, s.HDiag)
	return nil
}
