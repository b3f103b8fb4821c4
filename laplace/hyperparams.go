package laplace

import (
	"math"

	"github.com/Videra-Health/Laplace/pkg/errors"
)

// precisionKind tags the accepted prior-precision layouts.
type precisionKind int

const (
	scalarPrecision precisionKind = iota
	perLayerPrecision
	perParameterPrecision
)

func (k precisionKind) String() string {
	switch k {
	case scalarPrecision:
		return "scalar"
	case perLayerPrecision:
		return "per_layer"
	case perParameterPrecision:
		return "per_parameter"
	default:
		return "unknown"
	}
}

// Precision is a tagged prior-precision value: a single isotropic scalar, one
// value per parameter group, or one value per parameter. It is resolved into a
// canonical per-parameter vector exactly once, at assignment time.
type Precision struct {
	kind   precisionKind
	values []float64
}

// ScalarPrecision is an isotropic prior precision.
func ScalarPrecision(v float64) Precision {
	return Precision{kind: scalarPrecision, values: []float64{v}}
}

// PerLayerPrecision assigns one prior precision per parameter group, broadcast
// to every parameter of that group.
func PerLayerPrecision(values ...float64) Precision {
	return Precision{kind: perLayerPrecision, values: append([]float64(nil), values...)}
}

// PerParameterPrecision assigns an individual prior precision to every
// parameter.
func PerParameterPrecision(values []float64) Precision {
	return Precision{kind: perParameterPrecision, values: append([]float64(nil), values...)}
}

// resolve expands the tagged value into a canonical per-parameter vector.
// Accepted lengths are 1 (broadcast), the number of parameter groups, or the
// total parameter count; anything else is rejected before any state mutation.
func (p Precision) resolve(nParams int, groupSizes []int) ([]float64, error) {
	if len(p.values) == 0 {
		return nil, errors.NewValidationError("prior_precision", "no values provided", p.values)
	}
	for _, v := range p.values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return nil, errors.NewValidationError("prior_precision",
				"values must be positive finite reals", v)
		}
	}

	out := make([]float64, nParams)
	switch {
	case len(p.values) == 1:
		for i := range out {
			out[i] = p.values[0]
		}
	case p.kind == perLayerPrecision && len(p.values) == len(groupSizes):
		idx := 0
		for g, size := range groupSizes {
			for j := 0; j < size; j++ {
				out[idx] = p.values[g]
				idx++
			}
		}
	case p.kind == perParameterPrecision && len(p.values) == nParams:
		copy(out, p.values)
	default:
		return nil, errors.NewValidationError("prior_precision",
			"length must be 1, the number of parameter groups, or the number of parameters",
			len(p.values))
	}
	return out, nil
}

// groupValues returns the per-group prior precision implied by the tagged
// value, requiring the precision to be constant within each group. The
// Kronecker-factored posterior needs this: an arbitrary per-parameter diagonal
// shift cannot be represented in the factored eigenbasis.
func (p Precision) groupValues(nParams int, groupSizes []int) ([]float64, error) {
	diag, err := p.resolve(nParams, groupSizes)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(groupSizes))
	idx := 0
	for g, size := range groupSizes {
		out[g] = diag[idx]
		for j := 0; j < size; j++ {
			if diag[idx+j] != out[g] {
				return nil, errors.NewValidationError("prior_precision",
					"the Kronecker-factored posterior requires a constant precision within each parameter group",
					p.kind.String())
			}
		}
		idx += size
	}
	return out, nil
}

func validateSigmaNoise(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return errors.NewValidationError("sigma_noise", "must be a positive finite real", v)
	}
	return nil
}

func validateTemperature(v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return errors.NewValidationError("temperature", "must be a positive finite real", v)
	}
	return nil
}
