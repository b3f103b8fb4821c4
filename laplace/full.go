package laplace

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/core/parallel"
	"github.com/Videra-Health/Laplace/curvature"
	"github.com/Videra-Health/Laplace/pkg/errors"
)

// fullPosterior stores the accumulated curvature as a dense [P x P] matrix.
// Posterior precision is prior diagonal plus the scaled curvature sum;
// covariance, log-determinant and the sampling factor come from a Cholesky
// decomposition, surfaced as a numerical error when the matrix is not
// positive definite.
type fullPosterior struct {
	p    int
	h    *mat.SymDense // accumulated GGN
	prec *mat.SymDense
	cov  *mat.SymDense
	covL *mat.TriDense // lower Cholesky factor of the covariance
	ld   float64
}

func newFullPosterior(p int) *fullPosterior {
	return &fullPosterior{p: p, h: mat.NewSymDense(p, nil)}
}

func (f *fullPosterior) flavor() string { return "full" }

func (f *fullPosterior) accumulate(backend *curvature.GGN, X, y mat.Matrix) (float64, int, error) {
	loss, hb, err := backend.Full(X, y)
	if err != nil {
		return 0, 0, err
	}
	f.h.AddSym(f.h, hb)
	n, _ := X.Dims()
	return loss, n, nil
}

func (f *fullPosterior) refresh(hp hyperState) error {
	prec := mat.NewSymDense(f.p, nil)
	prec.ScaleSym(hp.hFactor, f.h)
	for i := 0; i < f.p; i++ {
		prec.SetSym(i, i, prec.At(i, i)+hp.priorDiag[i])
	}

	var chol mat.Cholesky
	if !chol.Factorize(prec) {
		return errors.NewNotPositiveDefiniteError("posterior_precision", f.p)
	}
	ld := chol.LogDet()

	cov := mat.NewSymDense(f.p, nil)
	if err := chol.InverseTo(cov); err != nil {
		return errors.Wrap(err, "posterior covariance inversion failed")
	}

	var covChol mat.Cholesky
	if !covChol.Factorize(cov) {
		return errors.NewNotPositiveDefiniteError("posterior_covariance", f.p)
	}
	covL := mat.NewTriDense(f.p, mat.Lower, nil)
	covChol.LTo(covL)

	f.prec = prec
	f.cov = cov
	f.covL = covL
	f.ld = ld
	return nil
}

func (f *fullPosterior) logDet() float64 { return f.ld }

func (f *fullPosterior) sample(rng *rand.Rand, mean *mat.VecDense, n int) *mat.Dense {
	out := mat.NewDense(n, f.p, nil)
	z := mat.NewVecDense(f.p, nil)
	var x mat.VecDense
	for s := 0; s < n; s++ {
		for i := 0; i < f.p; i++ {
			z.SetVec(i, rng.NormFloat64())
		}
		x.Reset()
		x.MulVec(f.covL, z)
		for i := 0; i < f.p; i++ {
			out.Set(s, i, mean.AtVec(i)+x.AtVec(i))
		}
	}
	return out
}

func (f *fullPosterior) functionalVariance(jacs []*mat.Dense) []*mat.SymDense {
	out := make([]*mat.SymDense, len(jacs))
	const fvThreshold = 64
	parallel.ParallelizeWithThreshold(len(jacs), fvThreshold, func(start, end int) {
		for b := start; b < end; b++ {
			var t, s mat.Dense
			t.Mul(jacs[b], f.cov)
			s.Mul(&t, jacs[b].T())
			out[b] = symmetrize(&s)
		}
	})
	return out
}

func (f *fullPosterior) precisionMatrix() *mat.SymDense {
	out := mat.NewSymDense(f.p, nil)
	out.CopySym(f.prec)
	return out
}

func (f *fullPosterior) covarianceMatrix() *mat.SymDense {
	out := mat.NewSymDense(f.p, nil)
	out.CopySym(f.cov)
	return out
}

func (f *fullPosterior) saveTo(s *snapshot) {
	s.HFull = make([]float64, 0, f.p*f.p)
	for i := 0; i < f.p; i++ {
		for j := 0; j < f.p; j++ {
			s.HFull = append(s.HFull, f.h.At(i, j))
		}
	}
}

func (f *fullPosterior) loadFrom(s *snapshot) error {
	if len(s.HFull) != f.p*f.p {
		return errors.NewDimensionError("fullPosterior.load", f.p*f.p, len(s.HFull), 0)
	}
	for i := 0; i < f.p; i++ {
		for j := i; j < f.p; j++ {
			f.h.SetSym(i, j, s.HFull[i*f.p+j])
		}
	}
	return nil
}
