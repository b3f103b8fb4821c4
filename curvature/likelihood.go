package curvature

import (
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/pkg/errors"
)

// Likelihood selects the observation model of the training loss.
type Likelihood int

const (
	// Regression is a Gaussian likelihood with homoscedastic noise.
	Regression Likelihood = iota
	// Classification is a categorical likelihood over softmax probabilities.
	Classification
)

// String returns the canonical name of the likelihood.
func (l Likelihood) String() string {
	switch l {
	case Regression:
		return "regression"
	case Classification:
		return "classification"
	default:
		return "unknown"
	}
}

// ParseLikelihood converts a likelihood name into a Likelihood value.
// Only "regression" and "classification" are accepted.
func ParseLikelihood(name string) (Likelihood, error) {
	switch strings.ToLower(name) {
	case "regression":
		return Regression, nil
	case "classification":
		return Classification, nil
	default:
		return 0, errors.NewValidationError("likelihood",
			"must be 'regression' or 'classification'", name)
	}
}

// softmaxRow returns the softmax of a logit row.
func softmaxRow(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	p := make([]float64, len(logits))
	for i, v := range logits {
		p[i] = math.Exp(v - lse)
	}
	return p
}

// batchLoss computes the training loss of a batch under the likelihood.
//
// The stored convention is sigma-free: regression returns half the summed
// squared error, classification returns the summed cross-entropy. Noise scale
// and temperature enter later through the loss factor, so the accumulated loss
// stays valid when those hyperparameters change after fitting.
func batchLoss(lh Likelihood, f *mat.Dense, y mat.Matrix) (float64, error) {
	n, k := f.Dims()
	ry, cy := y.Dims()
	if ry != n {
		return 0, errors.NewDimensionError("curvature.loss", n, ry, 0)
	}

	switch lh {
	case Regression:
		if cy != k {
			return 0, errors.NewDimensionError("curvature.loss", k, cy, 1)
		}
		var sum float64
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				d := f.At(i, j) - y.At(i, j)
				sum += d * d
			}
		}
		return 0.5 * sum, nil
	case Classification:
		if cy != 1 {
			return 0, errors.NewValueError("curvature.loss", "classification targets must be a single column of class indices")
		}
		var sum float64
		row := make([]float64, k)
		for i := 0; i < n; i++ {
			label := int(y.At(i, 0))
			if float64(label) != y.At(i, 0) || label < 0 || label >= k {
				return 0, errors.NewValidationError("y",
					"class indices must be integers in [0, output_size)", y.At(i, 0))
			}
			mat.Row(row, i, f)
			sum += floats.LogSumExp(row) - row[label]
		}
		return sum, nil
	default:
		return 0, errors.NewValidationError("likelihood", "unknown likelihood", lh)
	}
}
