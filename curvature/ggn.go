// Package curvature estimates Generalized-Gauss-Newton (GGN) curvature of a
// training loss with respect to the parameters of a model's final affine
// layer.
//
// The backend consumes exact last-layer Jacobians from a LastLayerModel and
// the Hessian of the per-example loss with respect to the K-dimensional output
// (identity for regression in the sigma-free convention, diag(p) - p p^T for
// classification). It produces the curvature in three shapes: a dense [P x P]
// matrix, its length-P diagonal, or the Kronecker factors of the last-layer
// blocks. A stochastic mode replaces the exact output Hessian by a Monte-Carlo
// estimate from sampled targets; it is supported for the diagonal and
// Kronecker routes only.
package curvature

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/pkg/errors"
)

// Model is the minimal forward-capable predictor.
type Model interface {
	// Forward computes the [n x K] model outputs for a batch.
	Forward(X mat.Matrix) (*mat.Dense, error)
	// OutputSize returns the number of scalar outputs K.
	OutputSize() int
}

// LastLayerModel exposes the frozen-feature / Bayesian-last-layer split that
// the curvature backend and the Laplace approximation operate on. The
// flattened parameter order is [vec(W) row-major, bias].
type LastLayerModel interface {
	Model

	// NumFeatures returns the input dimension d of the final affine layer.
	NumFeatures() int
	// NumParams returns the number of last-layer parameters P.
	NumParams() int
	// Features returns the [n x d] penultimate activations.
	Features(X mat.Matrix) (*mat.Dense, error)
	// Params returns a copy of the flattened last-layer parameters.
	Params() *mat.VecDense
	// SetParams installs a flattened parameter vector; it must validate the
	// length before mutating any weight.
	SetParams(v mat.Vector) error
	// Jacobians returns per-example [K x P] Jacobians of the output with
	// respect to the last-layer parameters, plus the forward output. The
	// Jacobians must be exact regardless of which curvature mode asks.
	Jacobians(X mat.Matrix) ([]*mat.Dense, *mat.Dense, error)
}

// GGN is a Generalized-Gauss-Newton curvature backend for the last layer of a
// LastLayerModel.
type GGN struct {
	model      LastLayerModel
	likelihood Likelihood
	stochastic bool
	nSamples   int
	rng        *rand.Rand
}

// Option configures a GGN backend.
type Option func(*GGN)

// WithStochastic enables the Monte-Carlo curvature estimator with the given
// number of sampled targets per example. Values below one fall back to the
// single-sample default.
func WithStochastic(nSamples int) Option {
	return func(g *GGN) {
		g.stochastic = true
		if nSamples < 1 {
			nSamples = 1
		}
		g.nSamples = nSamples
	}
}

// WithSeed seeds the sampler used by the stochastic estimator.
func WithSeed(seed int64) Option {
	return func(g *GGN) {
		g.rng = rand.New(rand.NewSource(seed))
	}
}

// NewGGN creates a GGN backend for the given model and likelihood.
func NewGGN(model LastLayerModel, likelihood Likelihood, opts ...Option) *GGN {
	g := &GGN{
		model:      model,
		likelihood: likelihood,
		nSamples:   1,
		rng:        rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Stochastic reports whether the backend uses the Monte-Carlo estimator.
func (g *GGN) Stochastic() bool { return g.stochastic }

// Likelihood returns the likelihood the backend was built for.
func (g *GGN) Likelihood() Likelihood { return g.likelihood }

// lambdaExact returns the exact output Hessian for one example.
// Regression: identity (sigma-free convention). Classification:
// diag(p) - p p^T with p = softmax(logits).
func (g *GGN) lambdaExact(logits []float64) *mat.SymDense {
	k := len(logits)
	lam := mat.NewSymDense(k, nil)
	switch g.likelihood {
	case Regression:
		for i := 0; i < k; i++ {
			lam.SetSym(i, i, 1)
		}
	case Classification:
		p := softmaxRow(logits)
		for i := 0; i < k; i++ {
			for j := i; j < k; j++ {
				v := -p[i] * p[j]
				if i == j {
					v += p[i]
				}
				lam.SetSym(i, j, v)
			}
		}
	}
	return lam
}

// lambdaStochastic returns a Monte-Carlo estimate of the expected
// outer-product curvature at the current output, using nSamples draws from
// the model distribution. It converges to lambdaExact as nSamples grows but
// has material variance at the single-sample default.
func (g *GGN) lambdaStochastic(logits []float64) *mat.SymDense {
	k := len(logits)
	lam := mat.NewSymDense(k, nil)
	grad := make([]float64, k)

	switch g.likelihood {
	case Regression:
		// With Lambda = I the residual gradient for a sampled target is a
		// standard normal vector.
		for s := 0; s < g.nSamples; s++ {
			for i := range grad {
				grad[i] = g.rng.NormFloat64()
			}
			for i := 0; i < k; i++ {
				for j := i; j < k; j++ {
					lam.SetSym(i, j, lam.At(i, j)+grad[i]*grad[j])
				}
			}
		}
	case Classification:
		p := softmaxRow(logits)
		for s := 0; s < g.nSamples; s++ {
			label := sampleCategorical(g.rng, p)
			for i := range grad {
				grad[i] = p[i]
			}
			grad[label] -= 1
			for i := 0; i < k; i++ {
				for j := i; j < k; j++ {
					lam.SetSym(i, j, lam.At(i, j)+grad[i]*grad[j])
				}
			}
		}
	}
	lam.ScaleSym(1/float64(g.nSamples), lam)
	return lam
}

func (g *GGN) lambda(logits []float64) *mat.SymDense {
	if g.stochastic {
		return g.lambdaStochastic(logits)
	}
	return g.lambdaExact(logits)
}

func sampleCategorical(rng *rand.Rand, p []float64) int {
	u := rng.Float64()
	var cum float64
	for i, v := range p {
		cum += v
		if u < cum {
			return i
		}
	}
	return len(p) - 1
}

// Full computes the training loss and the dense [P x P] GGN of a batch.
// The dense path is implemented via the exact Jacobian route only; requesting
// it from a stochastic backend is an invalid combination and fails before any
// computation.
func (g *GGN) Full(X, y mat.Matrix) (float64, *mat.SymDense, error) {
	if g.stochastic {
		return 0, nil, errors.NewValidationError("stochastic",
			"full GGN is only available with the exact estimator; use Diag or KronFactors in stochastic mode", true)
	}

	jacs, f, err := g.model.Jacobians(X)
	if err != nil {
		return 0, nil, err
	}
	loss, err := batchLoss(g.likelihood, f, y)
	if err != nil {
		return 0, nil, err
	}

	p := g.model.NumParams()
	k := g.model.OutputSize()
	logits := make([]float64, k)

	var acc mat.Dense
	acc.ReuseAs(p, p)
	var tmp, contrib mat.Dense
	for i, jac := range jacs {
		mat.Row(logits, i, f)
		lam := g.lambdaExact(logits)
		tmp.Reset()
		tmp.Mul(lam, jac)
		contrib.Reset()
		contrib.Mul(jac.T(), &tmp)
		acc.Add(&acc, &contrib)
	}

	// Symmetrize to remove floating-point asymmetry from the dense products.
	h := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			h.SetSym(i, j, 0.5*(acc.At(i, j)+acc.At(j, i)))
		}
	}
	return loss, h, nil
}

// Diag computes the training loss and the length-P diagonal of the GGN
// without materializing the full matrix. In stochastic mode the diagonal is a
// Monte-Carlo estimate.
func (g *GGN) Diag(X, y mat.Matrix) (float64, *mat.VecDense, error) {
	jacs, f, err := g.model.Jacobians(X)
	if err != nil {
		return 0, nil, err
	}
	loss, err := batchLoss(g.likelihood, f, y)
	if err != nil {
		return 0, nil, err
	}

	p := g.model.NumParams()
	k := g.model.OutputSize()
	logits := make([]float64, k)

	diag := mat.NewVecDense(p, nil)
	for i, jac := range jacs {
		mat.Row(logits, i, f)
		lam := g.lambda(logits)
		for col := 0; col < p; col++ {
			var v float64
			for a := 0; a < k; a++ {
				ja := jac.At(a, col)
				if ja == 0 {
					continue
				}
				for b := 0; b < k; b++ {
					v += ja * lam.At(a, b) * jac.At(b, col)
				}
			}
			diag.SetVec(col, diag.AtVec(col)+v)
		}
	}
	return loss, diag, nil
}

// KronBatch is the per-batch contribution to the Kronecker factors of the
// last-layer curvature: the input-covariance factor accumulates phi phi^T over
// examples, the output factor accumulates the per-example output Hessians.
// Both sums are linear in batches, so accumulation over a dataset is a plain
// matrix addition.
type KronBatch struct {
	PhiCov    *mat.SymDense // [d x d] sum of feature outer products
	LambdaSum *mat.SymDense // [K x K] sum of output Hessians
	Examples  int
}

// KronFactors computes the training loss and the Kronecker-factor
// contributions of a batch. Works in both exact and stochastic mode.
func (g *GGN) KronFactors(X, y mat.Matrix) (float64, *KronBatch, error) {
	phi, err := g.model.Features(X)
	if err != nil {
		return 0, nil, err
	}
	f, err := g.model.Forward(X)
	if err != nil {
		return 0, nil, err
	}
	loss, err := batchLoss(g.likelihood, f, y)
	if err != nil {
		return 0, nil, err
	}

	n, d := phi.Dims()
	k := g.model.OutputSize()

	var cov mat.Dense
	cov.Mul(phi.T(), phi)
	phiCov := mat.NewSymDense(d, nil)
	for i := 0; i < d; i++ {
		for j := i; j < d; j++ {
			phiCov.SetSym(i, j, 0.5*(cov.At(i, j)+cov.At(j, i)))
		}
	}

	lamSum := mat.NewSymDense(k, nil)
	logits := make([]float64, k)
	for i := 0; i < n; i++ {
		mat.Row(logits, i, f)
		lamSum.AddSym(lamSum, g.lambda(logits))
	}

	return loss, &KronBatch{PhiCov: phiCov, LambdaSum: lamSum, Examples: n}, nil
}
