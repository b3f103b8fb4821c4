package laplace

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/curvature"
)

// hyperState is the snapshot of resolved hyperparameters a posterior derives
// its precision from. It is rebuilt whenever the hyperparameter generation
// moves, so a representation never reads stale prior or noise values.
type hyperState struct {
	priorDiag []float64 // canonical per-parameter prior precision
	priorProd Precision // tagged form, for group-constant checks
	hFactor   float64   // 1 / (sigma_noise^2 * temperature)
	nData     int
	groups    []int // parameter-group sizes
}

// posterior is the shared contract of the three curvature representations.
// The variant is chosen once at construction; no call site switches on it.
type posterior interface {
	flavor() string

	// accumulate routes one batch through the backend into the running
	// curvature store. Accumulation is a plain sum over batches.
	accumulate(backend *curvature.GGN, X, y mat.Matrix) (loss float64, n int, err error)

	// refresh folds the prior precision and loss factor into the derived
	// posterior state (precision, log-determinant, factorizations). Called
	// after fitting and again whenever hyperparameters change.
	refresh(hp hyperState) error

	// logDet returns the log-determinant of the posterior precision.
	logDet() float64

	// sample writes n posterior draws centered on mean into an [n x P] dense.
	sample(rng *rand.Rand, mean *mat.VecDense, n int) *mat.Dense

	// functionalVariance contracts per-example [K x P] Jacobians with the
	// posterior covariance: out[b] = J_b Sigma J_b^T, a [K x K] matrix each.
	functionalVariance(jacs []*mat.Dense) []*mat.SymDense

	// precisionMatrix materializes the dense [P x P] posterior precision.
	// For the Kronecker flavor this is the expensive testing-oriented path.
	precisionMatrix() *mat.SymDense

	// covarianceMatrix materializes the dense [P x P] posterior covariance.
	// Same caveat as precisionMatrix for the Kronecker flavor.
	covarianceMatrix() *mat.SymDense

	// saveTo / loadFrom move the accumulated curvature store in and out of a
	// persistence snapshot.
	saveTo(s *snapshot)
	loadFrom(s *snapshot) error
}

// symmetrize copies a nearly-symmetric dense product into a SymDense,
// averaging the off-diagonal pairs to remove floating-point asymmetry.
func symmetrize(a *mat.Dense) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	return s
}
