package laplace

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/core/parallel"
	"github.com/Videra-Health/Laplace/curvature"
	"github.com/Videra-Health/Laplace/pkg/errors"
)

// kronPosterior approximates each parameter group's curvature block as a
// Kronecker product of two small factors: an input-covariance factor A
// (feature outer products; a 1x1 example counter for the bias group) and an
// output factor B (summed output Hessians). The materialized block is
// (B kron A) / n_data for the row-major, output-major parameter flattening.
//
// Because a Kronecker sum of diagonal shifts is not itself Kronecker, the
// prior is folded in through the factor eigenbases: with A = Ua La Ua^T and
// B = Ub Lb Ub^T, the posterior precision acts diagonally in (Ub kron Ua)
// with eigenvalues h*lb*la/n_data + p0_g. Sampling and functional variance
// work entirely in that eigenbasis and never form the full [P x P] matrix.
type kronPosterior struct {
	k, d, p int

	phiCov *mat.SymDense // weight-group A accumulation [d x d]
	lamSum *mat.SymDense // shared B accumulation [K x K]
	count  int           // bias-group A accumulation (one per example)

	eigDone bool
	groups  []*kronGroup
	ld      float64
}

// kronGroup holds one parameter group's factor eigendecomposition and the
// posterior precision eigenvalues of the current hyperparameter state.
type kronGroup struct {
	base, rows, cols int // parameter offset; B is rows x rows, A is cols x cols

	ua *mat.Dense
	la []float64
	ub *mat.Dense
	lb []float64

	delta *mat.Dense // [rows x cols] posterior precision eigenvalues
}

func (g *kronGroup) size() int { return g.rows * g.cols }

func newKronPosterior(k, d int) *kronPosterior {
	return &kronPosterior{
		k:      k,
		d:      d,
		p:      k * (d + 1),
		phiCov: mat.NewSymDense(d, nil),
		lamSum: mat.NewSymDense(k, nil),
	}
}

func (kp *kronPosterior) flavor() string { return "kron" }

func (kp *kronPosterior) accumulate(backend *curvature.GGN, X, y mat.Matrix) (float64, int, error) {
	loss, kb, err := backend.KronFactors(X, y)
	if err != nil {
		return 0, 0, err
	}
	kp.phiCov.AddSym(kp.phiCov, kb.PhiCov)
	kp.lamSum.AddSym(kp.lamSum, kb.LambdaSum)
	kp.count += kb.Examples
	kp.eigDone = false
	return loss, kb.Examples, nil
}

func eigendecompose(a *mat.SymDense) (*mat.Dense, []float64, error) {
	var es mat.EigenSym
	if !es.Factorize(a, true) {
		n, _ := a.Dims()
		return nil, nil, errors.NewModelError("kron.eigendecompose",
			"factor eigendecomposition failed", errors.Newf("size %d", n))
	}
	vals := es.Values(nil)
	var vecs mat.Dense
	es.VectorsTo(&vecs)
	return &vecs, vals, nil
}

func (kp *kronPosterior) decompose() error {
	ua, la, err := eigendecompose(kp.phiCov)
	if err != nil {
		return err
	}
	ub, lb, err := eigendecompose(kp.lamSum)
	if err != nil {
		return err
	}

	// A bias vector has no input dimension; its A factor degenerates to the
	// 1x1 example counter and shares the output factor with the weights.
	biasU := mat.NewDense(1, 1, []float64{1})
	biasL := []float64{float64(kp.count)}

	kp.groups = []*kronGroup{
		{base: 0, rows: kp.k, cols: kp.d, ua: ua, la: la, ub: ub, lb: lb},
		{base: kp.k * kp.d, rows: kp.k, cols: 1, ua: biasU, la: biasL, ub: ub, lb: lb},
	}
	kp.eigDone = true
	return nil
}

func (kp *kronPosterior) refresh(hp hyperState) error {
	p0, err := hp.priorProd.groupValues(len(hp.priorDiag), hp.groups)
	if err != nil {
		return err
	}
	if !kp.eigDone {
		if err := kp.decompose(); err != nil {
			return err
		}
	}

	scale := 1 / float64(hp.nData)
	var ld float64
	for g, grp := range kp.groups {
		delta := mat.NewDense(grp.rows, grp.cols, nil)
		for i := 0; i < grp.rows; i++ {
			for j := 0; j < grp.cols; j++ {
				v := hp.hFactor*scale*grp.lb[i]*grp.la[j] + p0[g]
				if v <= 0 || math.IsNaN(v) {
					return errors.NewNotPositiveDefiniteError("posterior_precision", kp.p)
				}
				delta.Set(i, j, v)
				ld += math.Log(v)
			}
		}
		grp.delta = delta
	}
	kp.ld = ld
	return nil
}

func (kp *kronPosterior) logDet() float64 { return kp.ld }

func (kp *kronPosterior) sample(rng *rand.Rand, mean *mat.VecDense, n int) *mat.Dense {
	out := mat.NewDense(n, kp.p, nil)
	for s := 0; s < n; s++ {
		for i := 0; i < kp.p; i++ {
			out.Set(s, i, mean.AtVec(i))
		}
		for _, grp := range kp.groups {
			// Scale eigenbasis noise by the posterior standard deviation,
			// then rotate back: Ub (E ./ sqrt(delta)) Ua^T.
			e := mat.NewDense(grp.rows, grp.cols, nil)
			for i := 0; i < grp.rows; i++ {
				for j := 0; j < grp.cols; j++ {
					e.Set(i, j, rng.NormFloat64()/math.Sqrt(grp.delta.At(i, j)))
				}
			}
			var t, m mat.Dense
			t.Mul(grp.ub, e)
			m.Mul(&t, grp.ua.T())
			for i := 0; i < grp.rows; i++ {
				for j := 0; j < grp.cols; j++ {
					idx := grp.base + i*grp.cols + j
					out.Set(s, idx, out.At(s, idx)+m.At(i, j))
				}
			}
		}
	}
	return out
}

func (kp *kronPosterior) functionalVariance(jacs []*mat.Dense) []*mat.SymDense {
	out := make([]*mat.SymDense, len(jacs))
	const fvThreshold = 32
	parallel.ParallelizeWithThreshold(len(jacs), fvThreshold, func(start, end int) {
		for b := start; b < end; b++ {
			k, _ := jacs[b].Dims()
			s := mat.NewSymDense(k, nil)
			for _, grp := range kp.groups {
				// Transform each output unit's Jacobian slice into the
				// group's eigenbasis once, then contract pairs against the
				// posterior variance 1/delta.
				ts := make([]*mat.Dense, k)
				for row := 0; row < k; row++ {
					r := mat.NewDense(grp.rows, grp.cols, nil)
					for i := 0; i < grp.rows; i++ {
						for j := 0; j < grp.cols; j++ {
							r.Set(i, j, jacs[b].At(row, grp.base+i*grp.cols+j))
						}
					}
					var t, tr mat.Dense
					t.Mul(grp.ub.T(), r)
					tr.Mul(&t, grp.ua)
					ts[row] = &tr
				}
				for r := 0; r < k; r++ {
					for c := r; c < k; c++ {
						var v float64
						for i := 0; i < grp.rows; i++ {
							for j := 0; j < grp.cols; j++ {
								v += ts[r].At(i, j) * ts[c].At(i, j) / grp.delta.At(i, j)
							}
						}
						s.SetSym(r, c, s.At(r, c)+v)
					}
				}
			}
			out[b] = s
		}
	})
	return out
}

// kronDense materializes a kron b.
func kronDense(a, b *mat.Dense) *mat.Dense {
	ra, ca := a.Dims()
	rb, cb := b.Dims()
	out := mat.NewDense(ra*rb, ca*cb, nil)
	for ia := 0; ia < ra; ia++ {
		for ja := 0; ja < ca; ja++ {
			v := a.At(ia, ja)
			if v == 0 {
				continue
			}
			for ib := 0; ib < rb; ib++ {
				for jb := 0; jb < cb; jb++ {
					out.Set(ia*rb+ib, ja*cb+jb, v*b.At(ib, jb))
				}
			}
		}
	}
	return out
}

// matrixPower materializes the block-diagonal posterior precision raised to
// the given exponent (-1 for the covariance). This forms [size x size]
// blocks per group and is intended for testing and small models only.
func (kp *kronPosterior) matrixPower(exponent float64) *mat.SymDense {
	out := mat.NewSymDense(kp.p, nil)
	for _, grp := range kp.groups {
		g := kronDense(grp.ub, grp.ua)
		size := grp.size()
		scaled := mat.NewDense(size, size, nil)
		for col := 0; col < size; col++ {
			dv := math.Pow(grp.delta.At(col/grp.cols, col%grp.cols), exponent)
			for row := 0; row < size; row++ {
				scaled.Set(row, col, g.At(row, col)*dv)
			}
		}
		var block mat.Dense
		block.Mul(scaled, g.T())
		for i := 0; i < size; i++ {
			for j := i; j < size; j++ {
				out.SetSym(grp.base+i, grp.base+j, 0.5*(block.At(i, j)+block.At(j, i)))
			}
		}
	}
	return out
}

func (kp *kronPosterior) precisionMatrix() *mat.SymDense {
	return kp.matrixPower(1)
}

func (kp *kronPosterior) covarianceMatrix() *mat.SymDense {
	return kp.matrixPower(-1)
}

func (kp *kronPosterior) saveTo(s *snapshot) {
	s.KronPhiCov = make([]float64, 0, kp.d*kp.d)
	for i := 0; i < kp.d; i++ {
		for j := 0; j < kp.d; j++ {
			s.KronPhiCov = append(s.KronPhiCov, kp.phiCov.At(i, j))
		}
	}
	s.KronLamSum = make([]float64, 0, kp.k*kp.k)
	for i := 0; i < kp.k; i++ {
		for j := 0; j < kp.k; j++ {
			s.KronLamSum = append(s.KronLamSum, kp.lamSum.At(i, j))
		}
	}
	s.KronCount = kp.count
}

func (kp *kronPosterior) loadFrom(s *snapshot) error {
	if len(s.KronPhiCov) != kp.d*kp.d || len(s.KronLamSum) != kp.k*kp.k {
		return errors.NewDimensionError("kronPosterior.load", kp.d*kp.d+kp.k*kp.k,
			len(s.KronPhiCov)+len(s.KronLamSum), 0)
	}
	for i := 0; i < kp.d; i++ {
		for j := i; j < kp.d; j++ {
			kp.phiCov.SetSym(i, j, s.KronPhiCov[i*kp.d+j])
		}
	}
	for i := 0; i < kp.k; i++ {
		for j := i; j < kp.k; j++ {
			kp.lamSum.SetSym(i, j, s.KronLamSum[i*kp.k+j])
		}
	}
	kp.count = s.KronCount
	kp.eigDone = false
	return nil
}
