package laplace

import (
	"gonum.org/v1/gonum/mat"

	"github.com/Videra-Health/Laplace/pkg/errors"
)

// Batch is one (X, y) slice of a training set. For regression y is [n x K];
// for classification y is a single column of class indices.
type Batch struct {
	X *mat.Dense
	Y *mat.Dense
}

// DataLoader yields the training set in batches. Fit consumes the loader from
// Reset to exhaustion exactly once; NumExamples must report the total example
// count of the underlying dataset.
type DataLoader interface {
	Reset()
	Next() (*Batch, bool)
	NumExamples() int
}

// MatrixLoader is a DataLoader over in-memory matrices, slicing consecutive
// row ranges. Batches view the underlying data; they are not copied.
type MatrixLoader struct {
	x, y      *mat.Dense
	batchSize int
	pos       int
}

// NewMatrixLoader creates a loader over X and y with the given batch size.
// A batch size of zero (or >= n) yields the whole dataset as one batch.
func NewMatrixLoader(X, y mat.Matrix, batchSize int) (*MatrixLoader, error) {
	n, c := X.Dims()
	if n == 0 || c == 0 {
		return nil, errors.NewModelError("NewMatrixLoader", "empty data", errors.ErrEmptyData)
	}
	ry, _ := y.Dims()
	if ry != n {
		return nil, errors.NewDimensionError("NewMatrixLoader", n, ry, 0)
	}
	if batchSize < 0 {
		return nil, errors.NewValidationError("batch_size", "must be non-negative", batchSize)
	}
	if batchSize == 0 || batchSize > n {
		batchSize = n
	}
	return &MatrixLoader{
		x:         mat.DenseCopyOf(X),
		y:         mat.DenseCopyOf(y),
		batchSize: batchSize,
	}, nil
}

// Reset rewinds the loader to the first batch.
func (m *MatrixLoader) Reset() { m.pos = 0 }

// Next returns the next batch, or false when the dataset is exhausted.
func (m *MatrixLoader) Next() (*Batch, bool) {
	n, cx := m.x.Dims()
	if m.pos >= n {
		return nil, false
	}
	end := m.pos + m.batchSize
	if end > n {
		end = n
	}
	_, cy := m.y.Dims()
	b := &Batch{
		X: m.x.Slice(m.pos, end, 0, cx).(*mat.Dense),
		Y: m.y.Slice(m.pos, end, 0, cy).(*mat.Dense),
	}
	m.pos = end
	return b, true
}

// NumExamples returns the total number of examples in the dataset.
func (m *MatrixLoader) NumExamples() int {
	n, _ := m.x.Dims()
	return n
}
