package laplace

import (
	"encoding/gob"
	"io"

	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/curvature"
	"github.com/Videra-Health/Laplace/pkg/errors"
)

// snapshotVersion guards the gob layout. Bump on incompatible changes.
const snapshotVersion = 1

// snapshot is the gob payload of a fitted approximation. The model itself is
// not serialized; Load re-attaches the snapshot to a caller-supplied model
// with matching dimensions. Curvature is stored in its raw accumulated form
// so hyperparameters can still be retuned after loading.
type snapshot struct {
	Version int

	Flavor     string
	Likelihood string

	SigmaNoise  float64
	Temperature float64
	PriorKind   int
	PriorValues []float64
	PriorMean   []float64

	Mean []float64
	Loss float64

	NData     int
	NOutputs  int
	NParams   int
	NFeatures int

	HFull []float64 // full flavor: row-major [P x P] curvature
	HDiag []float64 // diag flavor: length-P curvature diagonal

	KronPhiCov []float64 // kron flavor: row-major [d x d] feature factor
	KronLamSum []float64 // kron flavor: row-major [K x K] output factor
	KronCount  int
}

// Save serializes the fitted approximation to w with encoding/gob. The
// network is not included; pair the stream with the same model at Load time.
func (la *Laplace) Save(w io.Writer) error {
	if err := la.state.RequireFitted(la.modelName, "Save"); err != nil {
		return err
	}

	snap := snapshot{
		Version:     snapshotVersion,
		Flavor:      la.post.flavor(),
		Likelihood:  la.likelihood.String(),
		SigmaNoise:  la.sigmaNoise,
		Temperature: la.temperature,
		PriorKind:   int(la.prior.kind),
		PriorValues: append([]float64(nil), la.prior.values...),
		PriorMean:   append([]float64(nil), la.priorMean...),
		Mean:        append([]float64(nil), la.mean.RawVector().Data...),
		Loss:        la.loss,
		NData:       la.nData,
		NOutputs:    la.nOutputs,
		NParams:     la.nParams,
		NFeatures:   la.nFeatures,
	}
	la.post.saveTo(&snap)

	if err := gob.NewEncoder(w).Encode(&snap); err != nil {
		return errors.Wrap(err, "failed to encode laplace snapshot")
	}
	return nil
}

// Load deserializes a fitted approximation from r and attaches it to mdl.
// The model must have the same last-layer dimensions as the one the snapshot
// was fitted with; its current parameters are ignored in favor of the stored
// posterior mean.
func Load(r io.Reader, mdl curvature.LastLayerModel) (*Laplace, error) {
	var snap snapshot
	if err := gob.NewDecoder(r).Decode(&snap); err != nil {
		return nil, errors.Wrap(err, "failed to decode laplace snapshot")
	}
	if snap.Version != snapshotVersion {
		return nil, errors.NewValidationError("snapshot_version",
			"unsupported snapshot version", snap.Version)
	}
	if mdl.NumParams() != snap.NParams {
		return nil, errors.NewDimensionError("laplace.Load", snap.NParams, mdl.NumParams(), 0)
	}
	if mdl.OutputSize() != snap.NOutputs {
		return nil, errors.NewDimensionError("laplace.Load", snap.NOutputs, mdl.OutputSize(), 1)
	}

	opts := []Option{
		WithTemperature(snap.Temperature),
		WithPriorPrecision(Precision{kind: precisionKind(snap.PriorKind), values: snap.PriorValues}),
		WithPriorMean(snap.PriorMean),
	}
	if snap.Likelihood == curvature.Regression.String() {
		opts = append(opts, WithSigmaNoise(snap.SigmaNoise))
	}

	var la *Laplace
	var err error
	switch snap.Flavor {
	case "full":
		la, err = NewFull(mdl, snap.Likelihood, opts...)
	case "diag":
		la, err = NewDiag(mdl, snap.Likelihood, opts...)
	case "kron":
		la, err = NewKron(mdl, snap.Likelihood, opts...)
	default:
		return nil, errors.NewValidationError("flavor", "unknown posterior flavor", snap.Flavor)
	}
	if err != nil {
		return nil, err
	}

	if len(snap.Mean) != snap.NParams {
		return nil, errors.NewDimensionError("laplace.Load", snap.NParams, len(snap.Mean), 0)
	}
	if err := la.post.loadFrom(&snap); err != nil {
		return nil, err
	}
	la.mean = mat.NewVecDense(snap.NParams, append([]float64(nil), snap.Mean...))
	if err := mdl.SetParams(la.mean); err != nil {
		return nil, err
	}
	la.loss = snap.Loss
	la.nData = snap.NData
	la.state.SetDimensions(snap.NFeatures, snap.NData)
	la.state.SetFitted()
	return la, nil
}
