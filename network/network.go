// Package network implements a small feed-forward predictor with an explicit
// split between a feature extractor and a final affine layer.
//
// The final layer is the one treated as Bayesian by the laplace package: the
// network exposes its flattened parameter vector, the penultimate features and
// the exact Jacobian of every output unit with respect to the last-layer
// parameters. Earlier layers are a fixed feature map; this package does not
// train them.
package network

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/core/parallel"
	"github.com/Videra-Health/Laplace/pkg/errors"
)

// Activation identifies the elementwise nonlinearity of a hidden layer.
type Activation int

const (
	// Identity applies no nonlinearity.
	Identity Activation = iota
	// ReLU applies max(0, v).
	ReLU
	// Tanh applies the hyperbolic tangent.
	Tanh
)

func (a Activation) apply(v float64) float64 {
	switch a {
	case ReLU:
		if v < 0 {
			return 0
		}
		return v
	case Tanh:
		return math.Tanh(v)
	default:
		return v
	}
}

// Layer is a dense affine layer with an elementwise activation.
type Layer struct {
	W   *mat.Dense    // [out x in]
	B   *mat.VecDense // [out]
	Act Activation
}

// forward computes act(X W^T + b) for a batch X [n x in].
func (l *Layer) forward(X mat.Matrix) *mat.Dense {
	n, _ := X.Dims()
	out, _ := l.W.Dims()

	var z mat.Dense
	z.Mul(X, l.W.T())

	res := mat.NewDense(n, out, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < out; k++ {
			res.Set(i, k, l.Act.apply(z.At(i, k)+l.B.AtVec(k)))
		}
	}
	return res
}

// FeedForward is a fully-connected network. The last layer is always affine
// (no activation) so that its parameters enter the output linearly given the
// penultimate features.
type FeedForward struct {
	layers []*Layer
	inDim  int
}

// New creates a feed-forward network with the given layer dimensions and a
// shared hidden activation. dims lists [input, hidden..., output]; weights are
// initialized with scaled Gaussian draws from rng.
func New(dims []int, hidden Activation, rng *rand.Rand) (*FeedForward, error) {
	if len(dims) < 2 {
		return nil, errors.NewValueError("network.New", "need at least input and output dimensions")
	}
	for _, d := range dims {
		if d <= 0 {
			return nil, errors.NewValueError("network.New", "all layer dimensions must be positive")
		}
	}

	layers := make([]*Layer, 0, len(dims)-1)
	for i := 0; i < len(dims)-1; i++ {
		in, out := dims[i], dims[i+1]
		w := mat.NewDense(out, in, nil)
		scale := 1.0 / math.Sqrt(float64(in))
		for r := 0; r < out; r++ {
			for c := 0; c < in; c++ {
				w.Set(r, c, rng.NormFloat64()*scale)
			}
		}
		b := mat.NewVecDense(out, nil)
		for r := 0; r < out; r++ {
			b.SetVec(r, rng.NormFloat64()*scale)
		}
		act := hidden
		if i == len(dims)-2 {
			act = Identity
		}
		layers = append(layers, &Layer{W: w, B: b, Act: act})
	}
	return &FeedForward{layers: layers, inDim: dims[0]}, nil
}

// InputSize returns the input feature dimension.
func (f *FeedForward) InputSize() int { return f.inDim }

// OutputSize returns the number of scalar outputs K.
func (f *FeedForward) OutputSize() int {
	out, _ := f.lastLayer().W.Dims()
	return out
}

// NumFeatures returns the dimension d of the penultimate features, i.e. the
// input size of the final affine layer.
func (f *FeedForward) NumFeatures() int {
	_, in := f.lastLayer().W.Dims()
	return in
}

// NumParams returns the number of last-layer parameters P = K*(d+1).
func (f *FeedForward) NumParams() int {
	out, in := f.lastLayer().W.Dims()
	return out * (in + 1)
}

func (f *FeedForward) lastLayer() *Layer {
	return f.layers[len(f.layers)-1]
}

func (f *FeedForward) checkInput(op string, X mat.Matrix) error {
	n, c := X.Dims()
	if n == 0 || c == 0 {
		return errors.NewModelError(op, "empty data", errors.ErrEmptyData)
	}
	if c != f.inDim {
		return errors.NewDimensionError(op, f.inDim, c, 1)
	}
	return nil
}

// Forward runs a full forward pass and returns the [n x K] outputs.
func (f *FeedForward) Forward(X mat.Matrix) (*mat.Dense, error) {
	if err := f.checkInput("FeedForward.Forward", X); err != nil {
		return nil, err
	}
	cur := mat.DenseCopyOf(X)
	for _, l := range f.layers {
		cur = l.forward(cur)
	}
	return cur, nil
}

// Features runs the feature extractor, i.e. every layer except the final
// affine one, and returns the [n x d] penultimate activations.
func (f *FeedForward) Features(X mat.Matrix) (*mat.Dense, error) {
	if err := f.checkInput("FeedForward.Features", X); err != nil {
		return nil, err
	}
	cur := mat.DenseCopyOf(X)
	for _, l := range f.layers[:len(f.layers)-1] {
		cur = l.forward(cur)
	}
	return cur, nil
}

// Params returns a copy of the flattened last-layer parameter vector
// [vec(W) row-major, bias], length P.
func (f *FeedForward) Params() *mat.VecDense {
	last := f.lastLayer()
	out, in := last.W.Dims()
	v := mat.NewVecDense(out*(in+1), nil)
	for k := 0; k < out; k++ {
		for j := 0; j < in; j++ {
			v.SetVec(k*in+j, last.W.At(k, j))
		}
	}
	for k := 0; k < out; k++ {
		v.SetVec(out*in+k, last.B.AtVec(k))
	}
	return v
}

// SetParams installs a flattened parameter vector into the last layer.
// The vector length is validated before any weight is touched, so a failed
// call leaves the network unchanged.
func (f *FeedForward) SetParams(v mat.Vector) error {
	last := f.lastLayer()
	out, in := last.W.Dims()
	if v.Len() != out*(in+1) {
		return errors.NewDimensionError("FeedForward.SetParams", out*(in+1), v.Len(), 0)
	}
	for k := 0; k < out; k++ {
		for j := 0; j < in; j++ {
			last.W.Set(k, j, v.AtVec(k*in+j))
		}
	}
	for k := 0; k < out; k++ {
		last.B.SetVec(k, v.AtVec(out*in+k))
	}
	return nil
}

// Jacobians returns, for each example in X, the exact Jacobian of the model
// output with respect to the flattened last-layer parameters, together with
// the forward output. Each Jacobian is [K x P]; since the last layer is
// affine, row k has the penultimate features at the weight slots of output k
// and a one at its bias slot.
func (f *FeedForward) Jacobians(X mat.Matrix) ([]*mat.Dense, *mat.Dense, error) {
	phi, err := f.Features(X)
	if err != nil {
		return nil, nil, err
	}
	last := f.lastLayer()
	out := last.forward(phi)

	n, d := phi.Dims()
	k := f.OutputSize()
	p := f.NumParams()

	jacs := make([]*mat.Dense, n)
	const jacThreshold = 256
	parallel.ParallelizeWithThreshold(n, jacThreshold, func(start, end int) {
		for i := start; i < end; i++ {
			j := mat.NewDense(k, p, nil)
			for row := 0; row < k; row++ {
				for col := 0; col < d; col++ {
					j.Set(row, row*d+col, phi.At(i, col))
				}
				j.Set(row, k*d+row, 1)
			}
			jacs[i] = j
		}
	})
	return jacs, out, nil
}
