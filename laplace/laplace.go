// Package laplace implements post-hoc Laplace approximations over the last
// layer of a trained network. A Laplace value is fitted once against a
// dataset, after which the prior precision, observation noise and temperature
// can be re-tuned cheaply: derived state (posterior precision, log
// determinants, log likelihood) is tracked by a hyperparameter generation
// counter and recomputed only when stale.
package laplace

import (
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/core/model"
	"github.com/Videra-Health/Laplace/curvature"
	"github.com/Videra-Health/Laplace/pkg/errors"
	"github.com/Videra-Health/Laplace/pkg/log"
)

// Laplace is a fitted last-layer Laplace approximation. Construct one with
// NewFull, NewDiag or NewKron, call Fit exactly once, then query the
// posterior through LogLik, MarginalLikelihood, Sample, Predict and friends.
type Laplace struct {
	state   *model.StateManager
	mdl     curvature.LastLayerModel
	backend *curvature.GGN
	post    posterior

	likelihood curvature.Likelihood
	modelName  string

	nParams   int
	nOutputs  int
	nFeatures int
	nData     int
	groups    []int

	mean      *mat.VecDense
	priorMean []float64
	loss      float64

	sigmaNoise  float64
	temperature float64
	prior       Precision

	// gen moves on every hyperparameter change; postGen and logLikGen record
	// which generation the cached derived state belongs to.
	gen       uint64
	postGen   uint64
	logLikGen uint64
	logLik    float64

	rng    *rand.Rand
	logger log.Logger
}

type config struct {
	sigmaNoise  float64
	temperature float64
	prior       Precision
	priorMean   []float64
	seed        int64
	stochastic  bool
	mcSamples   int
}

// Option configures a Laplace approximation at construction time.
type Option func(*config)

// WithSigmaNoise sets the homoskedastic observation noise of a regression
// likelihood. Rejected for classification.
func WithSigmaNoise(sigma float64) Option {
	return func(c *config) { c.sigmaNoise = sigma }
}

// WithPriorPrecision sets the Gaussian prior precision.
func WithPriorPrecision(p Precision) Option {
	return func(c *config) { c.prior = p }
}

// WithTemperature sets the posterior temperature. Values below one sharpen
// the posterior, values above one flatten it.
func WithTemperature(t float64) Option {
	return func(c *config) { c.temperature = t }
}

// WithPriorMean sets the prior mean, either a single broadcast scalar or one
// value per last-layer parameter. The default is zero.
func WithPriorMean(values []float64) Option {
	return func(c *config) { c.priorMean = append([]float64(nil), values...) }
}

// WithSeed seeds posterior and predictive sampling.
func WithSeed(seed int64) Option {
	return func(c *config) { c.seed = seed }
}

// WithStochastic switches the curvature backend to a Monte-Carlo estimate of
// the output Hessians with the given number of samples per example.
func WithStochastic(nSamples int) Option {
	return func(c *config) {
		c.stochastic = true
		c.mcSamples = nSamples
	}
}

// NewFull builds a Laplace approximation with a dense posterior precision.
// The likelihood is "regression" or "classification". The full flavor needs
// exact output Hessians, so WithStochastic is rejected.
func NewFull(mdl curvature.LastLayerModel, likelihood string, opts ...Option) (*Laplace, error) {
	return newLaplace(mdl, likelihood, "FullLaplace", opts, false,
		func(p int, _, _ int) posterior { return newFullPosterior(p) })
}

// NewDiag builds a Laplace approximation that keeps only the diagonal of the
// posterior precision.
func NewDiag(mdl curvature.LastLayerModel, likelihood string, opts ...Option) (*Laplace, error) {
	return newLaplace(mdl, likelihood, "DiagLaplace", opts, true,
		func(p int, _, _ int) posterior { return newDiagPosterior(p) })
}

// NewKron builds a Laplace approximation with a Kronecker-factored posterior
// precision: one factored block per parameter group (weights, bias).
func NewKron(mdl curvature.LastLayerModel, likelihood string, opts ...Option) (*Laplace, error) {
	return newLaplace(mdl, likelihood, "KronLaplace", opts, true,
		func(_ int, k, d int) posterior { return newKronPosterior(k, d) })
}

func newLaplace(mdl curvature.LastLayerModel, likelihood, modelName string,
	opts []Option, allowStochastic bool, build func(p, k, d int) posterior) (*Laplace, error) {

	lh, err := curvature.ParseLikelihood(likelihood)
	if err != nil {
		return nil, err
	}

	cfg := config{
		sigmaNoise:  1,
		temperature: 1,
		prior:       ScalarPrecision(1),
		seed:        1,
		mcSamples:   1,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	k := mdl.OutputSize()
	d := mdl.NumFeatures()
	p := mdl.NumParams()
	groups := []int{k * d, k}

	if cfg.stochastic && !allowStochastic {
		return nil, errors.NewValidationError("stochastic",
			"the full posterior requires exact output Hessians", cfg.mcSamples)
	}
	if lh == curvature.Classification && cfg.sigmaNoise != 1 {
		return nil, errors.NewValidationError("sigma_noise",
			"only meaningful for a regression likelihood", cfg.sigmaNoise)
	}
	if err := validateSigmaNoise(cfg.sigmaNoise); err != nil {
		return nil, err
	}
	if err := validateTemperature(cfg.temperature); err != nil {
		return nil, err
	}
	if _, err := cfg.prior.resolve(p, groups); err != nil {
		return nil, err
	}
	priorMean, err := resolvePriorMean(cfg.priorMean, p)
	if err != nil {
		return nil, err
	}

	var backendOpts []curvature.Option
	if cfg.stochastic {
		backendOpts = append(backendOpts, curvature.WithStochastic(cfg.mcSamples))
	}
	backendOpts = append(backendOpts, curvature.WithSeed(cfg.seed))

	la := &Laplace{
		state:       model.NewStateManager(),
		mdl:         mdl,
		backend:     curvature.NewGGN(mdl, lh, backendOpts...),
		post:        build(p, k, d),
		likelihood:  lh,
		modelName:   modelName,
		nParams:     p,
		nOutputs:    k,
		nFeatures:   d,
		groups:      groups,
		priorMean:   priorMean,
		sigmaNoise:  cfg.sigmaNoise,
		temperature: cfg.temperature,
		prior:       cfg.prior,
		gen:         1,
		rng:         rand.New(rand.NewSource(cfg.seed)),
		logger:      log.GetLoggerWithName("laplace"),
	}
	return la, nil
}

func resolvePriorMean(values []float64, nParams int) ([]float64, error) {
	out := make([]float64, nParams)
	switch len(values) {
	case 0:
		// zero mean default
	case 1:
		for i := range out {
			out[i] = values[0]
		}
	case nParams:
		copy(out, values)
	default:
		return nil, errors.NewValidationError("prior_mean",
			"length must be 1 or the number of parameters", len(values))
	}
	for _, v := range out {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.NewValidationError("prior_mean", "values must be finite", v)
		}
	}
	return out, nil
}

// Flavor reports the posterior representation: "full", "diag" or "kron".
func (la *Laplace) Flavor() string { return la.post.flavor() }

// Likelihood reports the likelihood the approximation was built for.
func (la *Laplace) Likelihood() string { return la.likelihood.String() }

// NParams returns the number of last-layer parameters the posterior covers.
func (la *Laplace) NParams() int { return la.nParams }

// NOutputs returns the number of model outputs K.
func (la *Laplace) NOutputs() int { return la.nOutputs }

// NData returns the number of training examples seen by Fit.
func (la *Laplace) NData() int { return la.nData }

// Loss returns the accumulated unnormalized training loss: half the summed
// squared error for regression, the summed cross entropy for classification.
func (la *Laplace) Loss() float64 { return la.loss }

// Mean returns a copy of the posterior mean, the last-layer parameters the
// model held when Fit ran.
func (la *Laplace) Mean() *mat.VecDense {
	if la.mean == nil {
		return nil
	}
	out := mat.NewVecDense(la.nParams, nil)
	out.CopyVec(la.mean)
	return out
}

// SigmaNoise returns the current observation noise.
func (la *Laplace) SigmaNoise() float64 { return la.sigmaNoise }

// Temperature returns the current posterior temperature.
func (la *Laplace) Temperature() float64 { return la.temperature }

// PriorPrecision returns the current tagged prior precision.
func (la *Laplace) PriorPrecision() Precision { return la.prior }

// SetSigmaNoise replaces the observation noise and invalidates derived state.
// Rejected for classification likelihoods.
func (la *Laplace) SetSigmaNoise(sigma float64) error {
	if la.likelihood == curvature.Classification {
		return errors.NewValidationError("sigma_noise",
			"only meaningful for a regression likelihood", sigma)
	}
	if err := validateSigmaNoise(sigma); err != nil {
		return err
	}
	la.sigmaNoise = sigma
	la.gen++
	return nil
}

// SetPriorPrecision replaces the prior precision and invalidates derived
// state. The value is validated in full before anything is stored.
func (la *Laplace) SetPriorPrecision(p Precision) error {
	if _, err := p.resolve(la.nParams, la.groups); err != nil {
		return err
	}
	la.prior = p
	la.gen++
	return nil
}

// SetTemperature replaces the posterior temperature and invalidates derived
// state.
func (la *Laplace) SetTemperature(t float64) error {
	if err := validateTemperature(t); err != nil {
		return err
	}
	la.temperature = t
	la.gen++
	return nil
}

// hFactor is the coefficient applied to the accumulated curvature and loss:
// 1 / (sigma_noise^2 * temperature). For classification sigma_noise is
// pinned to one.
func (la *Laplace) hFactor() float64 {
	return 1 / (la.sigmaNoise * la.sigmaNoise * la.temperature)
}

// Fit accumulates the GGN curvature of the model over the loader's batches
// and freezes the posterior mean at the model's current last-layer
// parameters. Fit runs exactly once per Laplace value: accumulating the same
// data twice would double-count curvature, so a second call fails.
func (la *Laplace) Fit(loader DataLoader) error {
	if la.state.IsFitted() {
		return errors.NewModelError(la.modelName+".Fit", "refit not supported", errors.ErrAlreadyFitted)
	}

	start := time.Now()
	loader.Reset()
	var loss float64
	var n int
	for {
		batch, ok := loader.Next()
		if !ok {
			break
		}
		batchLoss, batchN, err := la.post.accumulate(la.backend, batch.X, batch.Y)
		if err != nil {
			return err
		}
		loss += batchLoss
		n += batchN
	}
	if n == 0 {
		return errors.Wrap(errors.ErrEmptyData, la.modelName+".Fit")
	}

	la.loss = loss
	la.nData = n
	la.mean = la.mdl.Params()
	la.state.SetDimensions(la.nFeatures, n)
	la.state.SetFitted()

	la.logger.Info("laplace approximation fitted",
		log.ModelNameKey, la.modelName,
		log.OperationKey, "fit",
		log.FlavorKey, la.post.flavor(),
		log.LikelihoodKey, la.likelihood.String(),
		log.SamplesKey, n,
		log.ParamsKey, la.nParams,
		log.OutputsKey, la.nOutputs,
		log.LossKey, loss,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)
	return nil
}

// LogLik returns the joint log likelihood of the training data under the
// current hyperparameters. The accumulated loss is stored noise-free, so
// retuning sigma_noise or temperature reuses it without touching the data.
func (la *Laplace) LogLik() (float64, error) {
	if err := la.state.RequireFitted(la.modelName, "LogLik"); err != nil {
		return 0, err
	}
	if la.logLikGen == la.gen {
		return la.logLik, nil
	}
	ll := -la.hFactor() * la.loss
	if la.likelihood == curvature.Regression {
		c := float64(la.nData*la.nOutputs) * math.Log(la.sigmaNoise*math.Sqrt(2*math.Pi))
		ll -= c
	}
	la.logLik = ll
	la.logLikGen = la.gen
	return ll, nil
}

// Scatter returns the prior penalty (mean - m0)^T P_0 (mean - m0) of the
// posterior mean under the current prior.
func (la *Laplace) Scatter() (float64, error) {
	if err := la.state.RequireFitted(la.modelName, "Scatter"); err != nil {
		return 0, err
	}
	diag, err := la.prior.resolve(la.nParams, la.groups)
	if err != nil {
		return 0, err
	}
	var s float64
	for i := 0; i < la.nParams; i++ {
		d := la.mean.AtVec(i) - la.priorMean[i]
		s += d * diag[i] * d
	}
	return s, nil
}

// refreshPosterior rebuilds the derived posterior state if any
// hyperparameter changed since the last rebuild.
func (la *Laplace) refreshPosterior() error {
	if err := la.state.RequireFitted(la.modelName, "refreshPosterior"); err != nil {
		return err
	}
	if la.postGen == la.gen {
		return nil
	}
	diag, err := la.prior.resolve(la.nParams, la.groups)
	if err != nil {
		return err
	}
	hp := hyperState{
		priorDiag: diag,
		priorProd: la.prior,
		hFactor:   la.hFactor(),
		nData:     la.nData,
		groups:    la.groups,
	}
	if err := la.post.refresh(hp); err != nil {
		return err
	}
	la.postGen = la.gen
	return nil
}

// LogDetPriorPrecision returns log |P_0| under the current prior.
func (la *Laplace) LogDetPriorPrecision() (float64, error) {
	diag, err := la.prior.resolve(la.nParams, la.groups)
	if err != nil {
		return 0, err
	}
	var ld float64
	for _, v := range diag {
		ld += math.Log(v)
	}
	return ld, nil
}

// LogDetPosteriorPrecision returns log |P| of the posterior precision under
// the current hyperparameters.
func (la *Laplace) LogDetPosteriorPrecision() (float64, error) {
	if err := la.refreshPosterior(); err != nil {
		return 0, err
	}
	return la.post.logDet(), nil
}

// MarginalLikelihood returns the Laplace evidence approximation
// log p(D) = log p(D | mean) - 1/2 (scatter + log |P| - log |P_0|).
func (la *Laplace) MarginalLikelihood() (float64, error) {
	ll, err := la.LogLik()
	if err != nil {
		return 0, err
	}
	scatter, err := la.Scatter()
	if err != nil {
		return 0, err
	}
	ldPrior, err := la.LogDetPriorPrecision()
	if err != nil {
		return 0, err
	}
	ldPost, err := la.LogDetPosteriorPrecision()
	if err != nil {
		return 0, err
	}
	return ll - 0.5*(scatter+ldPost-ldPrior), nil
}

// Sample draws n last-layer parameter vectors from the posterior, one per
// row of the returned [n x P] matrix.
func (la *Laplace) Sample(n int) (*mat.Dense, error) {
	if n <= 0 {
		return nil, errors.NewValidationError("n_samples", "must be positive", n)
	}
	if err := la.refreshPosterior(); err != nil {
		return nil, err
	}
	return la.post.sample(la.rng, la.mean, n), nil
}

// FunctionalVariance pushes the posterior covariance through the model
// linearization at each input: out[i] = J_i Sigma J_i^T, one [K x K] matrix
// per row of X.
func (la *Laplace) FunctionalVariance(X mat.Matrix) ([]*mat.SymDense, error) {
	if err := la.refreshPosterior(); err != nil {
		return nil, err
	}
	jacs, _, err := la.mdl.Jacobians(X)
	if err != nil {
		return nil, err
	}
	return la.post.functionalVariance(jacs), nil
}

// PosteriorPrecision materializes the dense [P x P] posterior precision. For
// the Kronecker flavor this expands the factored blocks and is meant for
// inspection and testing, not production-sized models.
func (la *Laplace) PosteriorPrecision() (*mat.SymDense, error) {
	if err := la.refreshPosterior(); err != nil {
		return nil, err
	}
	return la.post.precisionMatrix(), nil
}

// PosteriorCovariance materializes the dense [P x P] posterior covariance.
// Same caveat as PosteriorPrecision for the Kronecker flavor.
func (la *Laplace) PosteriorCovariance() (*mat.SymDense, error) {
	if err := la.refreshPosterior(); err != nil {
		return nil, err
	}
	return la.post.covarianceMatrix(), nil
}
