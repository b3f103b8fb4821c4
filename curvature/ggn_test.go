package curvature

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/network"
	"github.com/Videra-Health/Laplace/pkg/errors"
)

func testModel(t *testing.T) (*network.FeedForward, *mat.Dense, *mat.Dense, *mat.Dense) {
	t.Helper()
	rng := rand.New(rand.NewSource(711))
	net, err := network.New([]int{3, 20, 2}, network.Tanh, rng)
	require.NoError(t, err)

	X := mat.NewDense(10, 3, nil)
	yReg := mat.NewDense(10, 2, nil)
	yCls := mat.NewDense(10, 1, nil)
	for i := 0; i < 10; i++ {
		for j := 0; j < 3; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
		yReg.Set(i, 0, rng.NormFloat64())
		yReg.Set(i, 1, rng.NormFloat64())
		yCls.Set(i, 0, float64(rng.Intn(2)))
	}
	return net, X, yReg, yCls
}

func targetFor(lh Likelihood, yReg, yCls *mat.Dense) *mat.Dense {
	if lh == Regression {
		return yReg
	}
	return yCls
}

func TestFullRejectsStochastic(t *testing.T) {
	net, X, yReg, yCls := testModel(t)

	for _, lh := range []Likelihood{Regression, Classification} {
		t.Run(lh.String(), func(t *testing.T) {
			backend := NewGGN(net, lh, WithStochastic(10))
			_, _, err := backend.Full(X, targetFor(lh, yReg, yCls))
			require.Error(t, err)

			var ve *errors.ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestDiagMatchesFullDiagonal(t *testing.T) {
	net, X, yReg, yCls := testModel(t)

	for _, lh := range []Likelihood{Regression, Classification} {
		t.Run(lh.String(), func(t *testing.T) {
			backend := NewGGN(net, lh)
			y := targetFor(lh, yReg, yCls)

			lossFull, h, err := backend.Full(X, y)
			require.NoError(t, err)
			lossDiag, diag, err := backend.Diag(X, y)
			require.NoError(t, err)

			assert.InDelta(t, lossFull, lossDiag, 1e-12)
			require.Equal(t, net.NumParams(), diag.Len())
			for i := 0; i < diag.Len(); i++ {
				assert.InDelta(t, h.At(i, i), diag.AtVec(i), 1e-10)
			}
		})
	}
}

func TestKronLossAndFactors(t *testing.T) {
	net, X, yReg, yCls := testModel(t)

	for _, lh := range []Likelihood{Regression, Classification} {
		t.Run(lh.String(), func(t *testing.T) {
			backend := NewGGN(net, lh)
			y := targetFor(lh, yReg, yCls)

			lossFull, _, err := backend.Full(X, y)
			require.NoError(t, err)
			lossKron, kb, err := backend.KronFactors(X, y)
			require.NoError(t, err)

			assert.InDelta(t, lossFull, lossKron, 1e-12)
			assert.Equal(t, 10, kb.Examples)

			phi, err := net.Features(X)
			require.NoError(t, err)
			var cov mat.Dense
			cov.Mul(phi.T(), phi)
			d := net.NumFeatures()
			for i := 0; i < d; i++ {
				for j := 0; j < d; j++ {
					assert.InDelta(t, cov.At(i, j), kb.PhiCov.At(i, j), 1e-10)
				}
			}

			// The output factor sums the exact per-example output Hessians.
			f, err := net.Forward(X)
			require.NoError(t, err)
			k := net.OutputSize()
			want := mat.NewSymDense(k, nil)
			logits := make([]float64, k)
			for i := 0; i < 10; i++ {
				mat.Row(logits, i, f)
				want.AddSym(want, backend.lambdaExact(logits))
			}
			for i := 0; i < k; i++ {
				for j := 0; j < k; j++ {
					assert.InDelta(t, want.At(i, j), kb.LambdaSum.At(i, j), 1e-10)
				}
			}
		})
	}
}

// TestStochasticDiagApproximatesExact checks that the Monte-Carlo diagonal
// converges toward the exact one at a large sample count. The tolerance is
// intentionally loose; this pins the estimator's target, not its variance.
func TestStochasticDiagApproximatesExact(t *testing.T) {
	net, X, yReg, yCls := testModel(t)

	for _, lh := range []Likelihood{Regression, Classification} {
		t.Run(lh.String(), func(t *testing.T) {
			y := targetFor(lh, yReg, yCls)

			_, exact, err := NewGGN(net, lh).Diag(X, y)
			require.NoError(t, err)

			stochastic := NewGGN(net, lh, WithStochastic(20000), WithSeed(99))
			_, approx, err := stochastic.Diag(X, y)
			require.NoError(t, err)

			for i := 0; i < exact.Len(); i++ {
				if exact.AtVec(i) < 1e-8 {
					assert.InDelta(t, exact.AtVec(i), approx.AtVec(i), 1e-2)
					continue
				}
				assert.InEpsilon(t, exact.AtVec(i), approx.AtVec(i), 0.25)
			}
		})
	}
}

func TestClassificationTargetValidation(t *testing.T) {
	net, X, _, _ := testModel(t)
	backend := NewGGN(net, Classification)

	bad := mat.NewDense(10, 1, nil)
	bad.Set(3, 0, 0.5)
	_, _, err := backend.Diag(X, bad)
	require.Error(t, err)
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve))

	outOfRange := mat.NewDense(10, 1, nil)
	outOfRange.Set(0, 0, 7)
	_, _, err = backend.Diag(X, outOfRange)
	require.Error(t, err)

	twoColumns := mat.NewDense(10, 2, nil)
	_, _, err = backend.Diag(X, twoColumns)
	require.Error(t, err)
}

func TestParseLikelihood(t *testing.T) {
	lh, err := ParseLikelihood("Regression")
	require.NoError(t, err)
	assert.Equal(t, Regression, lh)

	lh, err = ParseLikelihood("classification")
	require.NoError(t, err)
	assert.Equal(t, Classification, lh)

	_, err = ParseLikelihood("poisson")
	require.Error(t, err)
	var ve *errors.ValidationError
	assert.True(t, errors.As(err, &ve))
}
