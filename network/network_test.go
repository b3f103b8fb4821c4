package network

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/pkg/errors"
)

func TestNewValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	tests := []struct {
		name string
		dims []int
	}{
		{name: "too few dimensions", dims: []int{3}},
		{name: "zero dimension", dims: []int{3, 0, 2}},
		{name: "negative dimension", dims: []int{3, -1, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.dims, Tanh, rng)
			require.Error(t, err)

			var ve *errors.ValueError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestDimensions(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	net, err := New([]int{3, 20, 2}, Tanh, rng)
	require.NoError(t, err)

	assert.Equal(t, 3, net.InputSize())
	assert.Equal(t, 2, net.OutputSize())
	assert.Equal(t, 20, net.NumFeatures())
	assert.Equal(t, 2*(20+1), net.NumParams())
}

func TestForwardShapeAndValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	net, err := New([]int{3, 5, 2}, ReLU, rng)
	require.NoError(t, err)

	X := mat.NewDense(7, 3, nil)
	for i := 0; i < 7; i++ {
		for j := 0; j < 3; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
	}

	out, err := net.Forward(X)
	require.NoError(t, err)
	n, k := out.Dims()
	assert.Equal(t, 7, n)
	assert.Equal(t, 2, k)

	phi, err := net.Features(X)
	require.NoError(t, err)
	n, d := phi.Dims()
	assert.Equal(t, 7, n)
	assert.Equal(t, 5, d)

	_, err = net.Forward(mat.NewDense(4, 2, nil))
	require.Error(t, err)
	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))
}

func TestParamsRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	net, err := New([]int{2, 4, 3}, Tanh, rng)
	require.NoError(t, err)

	orig := net.Params()
	require.Equal(t, net.NumParams(), orig.Len())

	modified := mat.NewVecDense(orig.Len(), nil)
	for i := 0; i < orig.Len(); i++ {
		modified.SetVec(i, float64(i)*0.1)
	}
	require.NoError(t, net.SetParams(modified))

	got := net.Params()
	for i := 0; i < got.Len(); i++ {
		assert.Equal(t, modified.AtVec(i), got.AtVec(i))
	}
}

func TestSetParamsRejectsWrongLengthWithoutMutation(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	net, err := New([]int{2, 4, 3}, Tanh, rng)
	require.NoError(t, err)

	before := net.Params()
	err = net.SetParams(mat.NewVecDense(net.NumParams()-1, nil))
	require.Error(t, err)

	var de *errors.DimensionError
	assert.True(t, errors.As(err, &de))

	after := net.Params()
	for i := 0; i < before.Len(); i++ {
		assert.Equal(t, before.AtVec(i), after.AtVec(i), "parameter %d changed after rejected SetParams", i)
	}
}

func TestJacobiansStructure(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	net, err := New([]int{3, 5, 2}, Tanh, rng)
	require.NoError(t, err)

	X := mat.NewDense(4, 3, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
	}

	phi, err := net.Features(X)
	require.NoError(t, err)
	jacs, out, err := net.Jacobians(X)
	require.NoError(t, err)
	require.Len(t, jacs, 4)

	fwd, err := net.Forward(X)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(fwd, out, 1e-12))

	k, d := net.OutputSize(), net.NumFeatures()
	for i, jac := range jacs {
		rows, cols := jac.Dims()
		require.Equal(t, k, rows)
		require.Equal(t, net.NumParams(), cols)
		for row := 0; row < k; row++ {
			for col := 0; col < d; col++ {
				// weight slot of another output unit stays zero
				assert.Equal(t, phi.At(i, col), jac.At(row, row*d+col))
				other := (row + 1) % k
				assert.Equal(t, 0.0, jac.At(row, other*d+col))
			}
			assert.Equal(t, 1.0, jac.At(row, k*d+row))
		}
	}
}

// TestJacobiansFiniteDifference checks the analytic Jacobians against central
// finite differences of the forward pass over the last-layer parameters.
func TestJacobiansFiniteDifference(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	net, err := New([]int{3, 5, 2}, Tanh, rng)
	require.NoError(t, err)

	X := mat.NewDense(4, 3, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 3; j++ {
			X.Set(i, j, rng.NormFloat64())
		}
	}

	jacs, _, err := net.Jacobians(X)
	require.NoError(t, err)

	const eps = 1e-6
	p := net.NumParams()
	base := net.Params()
	for col := 0; col < p; col++ {
		perturbed := mat.NewVecDense(p, nil)
		perturbed.CopyVec(base)

		perturbed.SetVec(col, base.AtVec(col)+eps)
		require.NoError(t, net.SetParams(perturbed))
		plus, err := net.Forward(X)
		require.NoError(t, err)

		perturbed.SetVec(col, base.AtVec(col)-eps)
		require.NoError(t, net.SetParams(perturbed))
		minus, err := net.Forward(X)
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			for row := 0; row < net.OutputSize(); row++ {
				numeric := (plus.At(i, row) - minus.At(i, row)) / (2 * eps)
				assert.InDelta(t, jacs[i].At(row, col), numeric, 1e-6)
			}
		}
	}
	require.NoError(t, net.SetParams(base))
}
