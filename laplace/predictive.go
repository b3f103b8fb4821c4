package laplace

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/curvature"
	"github.com/Videra-Health/Laplace/pkg/errors"
	"github.com/Videra-Health/Laplace/pkg/log"
)

// PredType selects how the posterior is pushed through the model.
type PredType int

const (
	// PredGLM linearizes the model at the posterior mean and propagates the
	// covariance analytically through the Jacobians.
	PredGLM PredType = iota
	// PredNN draws parameter samples from the posterior and runs the full
	// forward pass per draw.
	PredNN
)

func (t PredType) String() string {
	switch t {
	case PredGLM:
		return "glm"
	case PredNN:
		return "nn"
	default:
		return "unknown"
	}
}

// LinkApprox selects how a classification GLM predictive pushes the Gaussian
// over logits through the softmax.
type LinkApprox int

const (
	// LinkMC averages the softmax over Monte-Carlo logit draws.
	LinkMC LinkApprox = iota
	// LinkProbit applies the probit approximation: softmax of the mean
	// logits scaled by the marginal logit variances. Deterministic.
	LinkProbit
)

func (l LinkApprox) String() string {
	switch l {
	case LinkMC:
		return "mc"
	case LinkProbit:
		return "probit"
	default:
		return "unknown"
	}
}

type predictConfig struct {
	predType PredType
	link     LinkApprox
	nSamples int
}

// PredictOption configures a single Predict call.
type PredictOption func(*predictConfig)

// WithPredType selects the predictive: PredGLM (default) or PredNN.
func WithPredType(t PredType) PredictOption {
	return func(c *predictConfig) { c.predType = t }
}

// WithLinkApprox selects the classification link approximation for the GLM
// predictive: LinkMC (default) or LinkProbit.
func WithLinkApprox(l LinkApprox) PredictOption {
	return func(c *predictConfig) { c.link = l }
}

// WithNumSamples sets the number of Monte-Carlo draws used by the sampling
// predictives. The default is 100.
func WithNumSamples(n int) PredictOption {
	return func(c *predictConfig) { c.nSamples = n }
}

// Predictive is the result of a Predict call.
//
// For regression Mean holds the predictive mean and, under PredGLM, Cov the
// per-example epistemic covariance of the outputs (observation noise not
// included). Under PredNN, Var holds the per-output sample variance instead.
// For classification Mean holds class probabilities and Cov and Var are nil.
type Predictive struct {
	Mean *mat.Dense
	Cov  []*mat.SymDense
	Var  *mat.Dense
}

// Predict computes the posterior predictive at the rows of X.
func (la *Laplace) Predict(X mat.Matrix, opts ...PredictOption) (*Predictive, error) {
	cfg := predictConfig{predType: PredGLM, link: LinkMC, nSamples: 100}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.predType != PredGLM && cfg.predType != PredNN {
		return nil, errors.NewValidationError("pred_type",
			"must be PredGLM or PredNN", int(cfg.predType))
	}
	if cfg.link != LinkMC && cfg.link != LinkProbit {
		return nil, errors.NewValidationError("link_approx",
			"must be LinkMC or LinkProbit", int(cfg.link))
	}
	if cfg.nSamples <= 0 {
		return nil, errors.NewValidationError("n_samples", "must be positive", cfg.nSamples)
	}
	if err := la.refreshPosterior(); err != nil {
		return nil, err
	}

	n, _ := X.Dims()
	la.logger.Debug("computing predictive",
		log.ModelNameKey, la.modelName,
		log.OperationKey, "predict",
		log.SamplesKey, n,
		log.PredTypeKey, cfg.predType.String(),
		log.DrawsKey, cfg.nSamples,
	)

	switch cfg.predType {
	case PredGLM:
		return la.predictGLM(X, cfg)
	default:
		return la.predictNN(X, cfg.nSamples)
	}
}

func (la *Laplace) predictGLM(X mat.Matrix, cfg predictConfig) (*Predictive, error) {
	jacs, fMu, err := la.mdl.Jacobians(X)
	if err != nil {
		return nil, err
	}
	fVar := la.post.functionalVariance(jacs)

	if la.likelihood == curvature.Regression {
		return &Predictive{Mean: fMu, Cov: fVar}, nil
	}

	n, k := fMu.Dims()
	probs := mat.NewDense(n, k, nil)
	switch cfg.link {
	case LinkProbit:
		// Scale each logit by its marginal variance before the softmax.
		row := make([]float64, k)
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				row[j] = fMu.At(i, j) / math.Sqrt(1+math.Pi/8*fVar[i].At(j, j))
			}
			probs.SetRow(i, softmax(row))
		}
	default:
		for i := 0; i < n; i++ {
			p, err := la.mcClassProbs(mat.Row(nil, i, fMu), fVar[i], cfg.nSamples)
			if err != nil {
				return nil, err
			}
			probs.SetRow(i, p)
		}
	}
	return &Predictive{Mean: probs}, nil
}

// mcClassProbs averages the softmax over draws from N(mu, cov).
func (la *Laplace) mcClassProbs(mu []float64, cov *mat.SymDense, nSamples int) ([]float64, error) {
	k := len(mu)
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return nil, errors.Wrap(errors.NewNotPositiveDefiniteError("predictive_covariance", k),
			"logit covariance factorization failed")
	}
	var l mat.TriDense
	chol.LTo(&l)

	out := make([]float64, k)
	z := make([]float64, k)
	f := make([]float64, k)
	for s := 0; s < nSamples; s++ {
		for j := range z {
			z[j] = la.rng.NormFloat64()
		}
		for i := 0; i < k; i++ {
			f[i] = mu[i]
			for j := 0; j <= i; j++ {
				f[i] += l.At(i, j) * z[j]
			}
		}
		floats.Add(out, softmax(f))
	}
	floats.Scale(1/float64(nSamples), out)
	return out, nil
}

func (la *Laplace) predictNN(X mat.Matrix, nSamples int) (pred *Predictive, err error) {
	saved := la.mdl.Params()
	defer func() {
		// The model is shared state; always put the mean parameters back,
		// even when a draw's forward pass fails.
		if restoreErr := la.mdl.SetParams(saved); restoreErr != nil && err == nil {
			pred, err = nil, restoreErr
		}
	}()

	draws, err := la.Sample(nSamples)
	if err != nil {
		return nil, err
	}

	var n, k int
	var mean, sumSq *mat.Dense
	buf := make([]float64, la.nParams)
	for s := 0; s < nSamples; s++ {
		mat.Row(buf, s, draws)
		if err := la.mdl.SetParams(mat.NewVecDense(la.nParams, buf)); err != nil {
			return nil, err
		}
		f, err := la.mdl.Forward(X)
		if err != nil {
			return nil, err
		}
		if la.likelihood == curvature.Classification {
			softmaxRows(f)
		}
		if mean == nil {
			n, k = f.Dims()
			mean = mat.NewDense(n, k, nil)
			sumSq = mat.NewDense(n, k, nil)
		}
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				v := f.At(i, j)
				mean.Set(i, j, mean.At(i, j)+v)
				sumSq.Set(i, j, sumSq.At(i, j)+v*v)
			}
		}
	}
	mean.Scale(1/float64(nSamples), mean)

	if la.likelihood == curvature.Classification {
		return &Predictive{Mean: mean}, nil
	}

	variance := mat.NewDense(n, k, nil)
	if nSamples > 1 {
		for i := 0; i < n; i++ {
			for j := 0; j < k; j++ {
				m := mean.At(i, j)
				v := (sumSq.At(i, j) - float64(nSamples)*m*m) / float64(nSamples-1)
				if v < 0 {
					v = 0
				}
				variance.Set(i, j, v)
			}
		}
	}
	return &Predictive{Mean: mean, Var: variance}, nil
}

// PredictiveSamples returns nSamples predictive function draws at the rows
// of X, one [n x K] matrix per draw. Classification draws are softmaxed.
func (la *Laplace) PredictiveSamples(X mat.Matrix, predType PredType, nSamples int) (samples []*mat.Dense, err error) {
	if nSamples <= 0 {
		return nil, errors.NewValidationError("n_samples", "must be positive", nSamples)
	}
	if err := la.refreshPosterior(); err != nil {
		return nil, err
	}

	switch predType {
	case PredGLM:
		jacs, fMu, err := la.mdl.Jacobians(X)
		if err != nil {
			return nil, err
		}
		fVar := la.post.functionalVariance(jacs)
		n, k := fMu.Dims()

		// Factor each example's logit covariance once, then reuse across
		// draws.
		ls := make([]*mat.TriDense, n)
		for i := 0; i < n; i++ {
			var chol mat.Cholesky
			if !chol.Factorize(fVar[i]) {
				return nil, errors.Wrap(errors.NewNotPositiveDefiniteError("predictive_covariance", k),
					"logit covariance factorization failed")
			}
			ls[i] = &mat.TriDense{}
			chol.LTo(ls[i])
		}

		out := make([]*mat.Dense, nSamples)
		z := make([]float64, k)
		for s := 0; s < nSamples; s++ {
			f := mat.NewDense(n, k, nil)
			for i := 0; i < n; i++ {
				for j := range z {
					z[j] = la.rng.NormFloat64()
				}
				for r := 0; r < k; r++ {
					v := fMu.At(i, r)
					for c := 0; c <= r; c++ {
						v += ls[i].At(r, c) * z[c]
					}
					f.Set(i, r, v)
				}
			}
			if la.likelihood == curvature.Classification {
				softmaxRows(f)
			}
			out[s] = f
		}
		return out, nil

	case PredNN:
		saved := la.mdl.Params()
		defer func() {
			if restoreErr := la.mdl.SetParams(saved); restoreErr != nil && err == nil {
				samples, err = nil, restoreErr
			}
		}()

		draws, err := la.Sample(nSamples)
		if err != nil {
			return nil, err
		}
		out := make([]*mat.Dense, nSamples)
		buf := make([]float64, la.nParams)
		for s := 0; s < nSamples; s++ {
			mat.Row(buf, s, draws)
			if err := la.mdl.SetParams(mat.NewVecDense(la.nParams, buf)); err != nil {
				return nil, err
			}
			f, err := la.mdl.Forward(X)
			if err != nil {
				return nil, err
			}
			if la.likelihood == curvature.Classification {
				softmaxRows(f)
			}
			out[s] = f
		}
		return out, nil

	default:
		return nil, errors.NewValidationError("pred_type",
			"must be PredGLM or PredNN", int(predType))
	}
}

// softmax returns the softmax of a logit vector without mutating it.
func softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	out := make([]float64, len(logits))
	for i, v := range logits {
		out[i] = math.Exp(v - lse)
	}
	return out
}

// softmaxRows applies the softmax to each row of f in place.
func softmaxRows(f *mat.Dense) {
	n, k := f.Dims()
	row := make([]float64, k)
	for i := 0; i < n; i++ {
		mat.Row(row, i, f)
		f.SetRow(i, softmax(row))
	}
}
