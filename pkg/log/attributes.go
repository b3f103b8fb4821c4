// Package log defines standard attribute keys for Laplace approximation
// operations.
//
// Using these keys consistently enables structured log analysis and filtering
// across fitting, sampling and predictive workflows. The keys follow a
// hierarchical naming convention (e.g. "data.samples", "laplace.flavor").
package log

// Model and operation context.
const (
	// ModelNameKey identifies the estimator type.
	// Examples: "FullLaplace", "DiagLaplace", "KronLaplace"
	ModelNameKey = "model.name"

	// OperationKey specifies the operation being performed.
	// Standard values: "fit", "predict", "sample", "marginal_likelihood"
	OperationKey = "ml.operation"

	// ComponentKey identifies which package is performing the operation.
	// Examples: "laplace", "curvature", "network"
	ComponentKey = "ml.component"
)

// Data shape and characteristics.
const (
	// SamplesKey is the number of examples (rows) processed.
	SamplesKey = "data.samples"

	// FeaturesKey is the number of input features (columns).
	FeaturesKey = "data.features"

	// BatchSizeKey is the size of processing batches during fitting.
	BatchSizeKey = "data.batch_size"

	// OutputsKey is the number of model output units.
	OutputsKey = "data.outputs"
)

// Posterior and hyperparameter context.
const (
	// FlavorKey identifies the posterior representation.
	// Values: "full", "diag", "kron"
	FlavorKey = "laplace.flavor"

	// ParamsKey is the number of last-layer parameters the posterior covers.
	ParamsKey = "laplace.n_params"

	// LikelihoodKey is the likelihood under which the posterior was fitted.
	// Values: "regression", "classification"
	LikelihoodKey = "laplace.likelihood"

	// LossKey records the accumulated training loss after fitting.
	LossKey = "metrics.loss"

	// DurationMsKey records the execution time of an operation in milliseconds.
	DurationMsKey = "perf.duration_ms"

	// DrawsKey is the number of Monte-Carlo draws used by a predictive call.
	DrawsKey = "predictive.draws"

	// PredTypeKey identifies the predictive mode.
	// Values: "glm", "nn"
	PredTypeKey = "predictive.type"
)
