package laplace

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/network"
	"github.com/Videra-Health/Laplace/pkg/errors"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	for _, fc := range flavorCases {
		for _, likelihood := range []string{"regression", "classification"} {
			t.Run(fc.name+"/"+likelihood, func(t *testing.T) {
				opts := []Option{WithPriorPrecision(ScalarPrecision(0.7))}
				if likelihood == "regression" {
					opts = append(opts, WithSigmaNoise(0.3))
				}
				la, _, X, _ := fitted(t, fc.build, likelihood, opts...)

				var buf bytes.Buffer
				require.NoError(t, la.Save(&buf))

				// testData is deterministic, so this rebuilds an identical
				// network for the snapshot to attach to.
				net2, _, _, _ := testData(t)
				loaded, err := Load(&buf, net2)
				require.NoError(t, err)

				assert.Equal(t, la.Flavor(), loaded.Flavor())
				assert.Equal(t, la.Likelihood(), loaded.Likelihood())
				assert.Equal(t, la.NData(), loaded.NData())
				assert.InDelta(t, la.Loss(), loaded.Loss(), 1e-12)
				assert.True(t, mat.EqualApprox(la.Mean(), loaded.Mean(), 1e-12))

				mlA, err := la.MarginalLikelihood()
				require.NoError(t, err)
				mlB, err := loaded.MarginalLikelihood()
				require.NoError(t, err)
				assert.InDelta(t, mlA, mlB, 1e-10)

				predA, err := la.Predict(X, WithLinkApprox(LinkProbit))
				require.NoError(t, err)
				predB, err := loaded.Predict(X, WithLinkApprox(LinkProbit))
				require.NoError(t, err)
				assert.True(t, mat.EqualApprox(predA.Mean, predB.Mean, 1e-10))
			})
		}
	}
}

func TestLoadedModelRetunesHyperparameters(t *testing.T) {
	la, _, _, _ := fitted(t, NewFull, "regression", WithSigmaNoise(0.3))

	var buf bytes.Buffer
	require.NoError(t, la.Save(&buf))

	net2, _, _, _ := testData(t)
	loaded, err := Load(&buf, net2)
	require.NoError(t, err)

	// the raw curvature travels with the snapshot, so retuning works
	require.NoError(t, la.SetSigmaNoise(0.9))
	require.NoError(t, loaded.SetSigmaNoise(0.9))

	mlA, err := la.MarginalLikelihood()
	require.NoError(t, err)
	mlB, err := loaded.MarginalLikelihood()
	require.NoError(t, err)
	assert.InDelta(t, mlA, mlB, 1e-10)
}

func TestLoadRejectsMismatchedModel(t *testing.T) {
	la, _, _, _ := fitted(t, NewDiag, "regression")

	var buf bytes.Buffer
	require.NoError(t, la.Save(&buf))

	rng := rand.New(rand.NewSource(9))
	smaller, err := network.New([]int{3, 5, 2}, network.Tanh, rng)
	require.NoError(t, err)

	_, err = Load(&buf, smaller)
	require.Error(t, err)
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))
}

func TestLoadedRefitRejected(t *testing.T) {
	la, _, X, y := fitted(t, NewKron, "regression")

	var buf bytes.Buffer
	require.NoError(t, la.Save(&buf))

	net2, _, _, _ := testData(t)
	loaded, err := Load(&buf, net2)
	require.NoError(t, err)

	loader, err := NewMatrixLoader(X, y, 0)
	require.NoError(t, err)
	err = loaded.Fit(loader)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyFitted))
}

func TestLoadRejectsGarbage(t *testing.T) {
	net, _, _, _ := testData(t)
	_, err := Load(bytes.NewReader([]byte("not a snapshot")), net)
	require.Error(t, err)
}
