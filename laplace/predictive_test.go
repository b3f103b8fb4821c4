package laplace

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestPredictValidation(t *testing.T) {
	la, _, X, _ := fitted(t, NewFull, "regression")

	_, err := la.Predict(X, WithPredType(PredType(42)))
	require.Error(t, err)

	_, err = la.Predict(X, WithLinkApprox(LinkApprox(42)))
	require.Error(t, err)

	_, err = la.Predict(X, WithNumSamples(0))
	require.Error(t, err)
}

func TestPredictGLMRegression(t *testing.T) {
	for _, fc := range flavorCases {
		t.Run(fc.name, func(t *testing.T) {
			la, net, X, _ := fitted(t, fc.build, "regression", WithSigmaNoise(0.3))

			pred, err := la.Predict(X)
			require.NoError(t, err)

			// the GLM mean is the forward pass at the posterior mean
			f, err := net.Forward(X)
			require.NoError(t, err)
			assert.True(t, mat.EqualApprox(f, pred.Mean, 1e-12))

			require.Len(t, pred.Cov, 10)
			for _, c := range pred.Cov {
				k, _ := c.Dims()
				require.Equal(t, 2, k)
				for i := 0; i < k; i++ {
					assert.Greater(t, c.At(i, i), 0.0)
				}
			}
			assert.Nil(t, pred.Var)
		})
	}
}

func TestPredictGLMClassification(t *testing.T) {
	for _, fc := range flavorCases {
		for _, link := range []LinkApprox{LinkMC, LinkProbit} {
			t.Run(fc.name+"/"+link.String(), func(t *testing.T) {
				la, _, X, _ := fitted(t, fc.build, "classification")

				pred, err := la.Predict(X, WithLinkApprox(link), WithNumSamples(500))
				require.NoError(t, err)

				n, k := pred.Mean.Dims()
				require.Equal(t, 10, n)
				require.Equal(t, 2, k)
				for i := 0; i < n; i++ {
					var sum float64
					for j := 0; j < k; j++ {
						p := pred.Mean.At(i, j)
						assert.GreaterOrEqual(t, p, 0.0)
						assert.LessOrEqual(t, p, 1.0)
						sum += p
					}
					assert.InDelta(t, 1.0, sum, 1e-9)
				}
			})
		}
	}
}

func TestProbitLinkIsDeterministic(t *testing.T) {
	la, _, X, _ := fitted(t, NewFull, "classification")

	a, err := la.Predict(X, WithLinkApprox(LinkProbit))
	require.NoError(t, err)
	b, err := la.Predict(X, WithLinkApprox(LinkProbit))
	require.NoError(t, err)
	assert.True(t, mat.Equal(a.Mean, b.Mean))
}

func TestPredictNNRegression(t *testing.T) {
	// Under a very tight prior the posterior collapses onto the mean, so the
	// sampled predictive must agree with the plain forward pass.
	la, net, X, _ := fitted(t, NewFull, "regression",
		WithSigmaNoise(0.3), WithPriorPrecision(ScalarPrecision(1e8)))

	before := net.Params()
	pred, err := la.Predict(X, WithPredType(PredNN), WithNumSamples(50))
	require.NoError(t, err)

	f, err := net.Forward(X)
	require.NoError(t, err)
	n, k := pred.Mean.Dims()
	require.Equal(t, 10, n)
	require.Equal(t, 2, k)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			assert.InDelta(t, f.At(i, j), pred.Mean.At(i, j), 1e-2)
			assert.GreaterOrEqual(t, pred.Var.At(i, j), 0.0)
		}
	}

	// the predictive pass must leave the model parameters untouched
	after := net.Params()
	for i := 0; i < before.Len(); i++ {
		assert.Equal(t, before.AtVec(i), after.AtVec(i))
	}
}

func TestPredictNNClassification(t *testing.T) {
	la, _, X, _ := fitted(t, NewDiag, "classification")

	pred, err := la.Predict(X, WithPredType(PredNN), WithNumSamples(100))
	require.NoError(t, err)

	n, k := pred.Mean.Dims()
	require.Equal(t, 10, n)
	require.Equal(t, 2, k)
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < k; j++ {
			sum += pred.Mean.At(i, j)
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
	assert.Nil(t, pred.Var)
}

func TestPredictNewInputs(t *testing.T) {
	la, _, _, _ := fitted(t, NewKron, "regression")

	rng := rand.New(rand.NewSource(5))
	Xnew := mat.NewDense(7, 3, nil)
	for i := 0; i < 7; i++ {
		for j := 0; j < 3; j++ {
			Xnew.Set(i, j, rng.NormFloat64())
		}
	}

	pred, err := la.Predict(Xnew)
	require.NoError(t, err)
	n, k := pred.Mean.Dims()
	assert.Equal(t, 7, n)
	assert.Equal(t, 2, k)
	assert.Len(t, pred.Cov, 7)
}

func TestPredictiveSamples(t *testing.T) {
	for _, predType := range []PredType{PredGLM, PredNN} {
		t.Run(predType.String(), func(t *testing.T) {
			for _, likelihood := range []string{"regression", "classification"} {
				la, _, X, _ := fitted(t, NewFull, likelihood)

				samples, err := la.PredictiveSamples(X, predType, 25)
				require.NoError(t, err)
				require.Len(t, samples, 25)

				for _, s := range samples {
					n, k := s.Dims()
					require.Equal(t, 10, n)
					require.Equal(t, 2, k)
					if likelihood == "classification" {
						for i := 0; i < n; i++ {
							var sum float64
							for j := 0; j < k; j++ {
								sum += s.At(i, j)
							}
							assert.InDelta(t, 1.0, sum, 1e-9)
						}
					}
				}
			}
		})
	}

	la, _, X, _ := fitted(t, NewFull, "regression")
	_, err := la.PredictiveSamples(X, PredType(42), 10)
	require.Error(t, err)
	_, err = la.PredictiveSamples(X, PredGLM, 0)
	require.Error(t, err)
}
