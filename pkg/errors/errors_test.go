package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("prior_precision", "length must be 1, n_layers or n_params", 17)

	// 基本的なエラーメッセージの確認
	want := "laplace: validation failed for parameter 'prior_precision': length must be 1, n_layers or n_params (got: 17)"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	// スタックトレースの存在確認
	formatted := fmt.Sprintf("%+v", err)
	if !strings.Contains(formatted, "errors_test.go") {
		t.Error("Expected stack trace to contain test file name")
	}

	// ValidationError型にキャスト可能か確認
	var valErr *ValidationError
	if !As(err, &valErr) {
		t.Error("Error should be castable to *ValidationError")
	}
	if valErr.ParamName != "prior_precision" {
		t.Errorf("ParamName = %v, want prior_precision", valErr.ParamName)
	}
}

func TestNewNotFittedError(t *testing.T) {
	err := NewNotFittedError("FullLaplace", "Predict")

	want := "laplace: FullLaplace: this model is not fitted yet. Call Fit() before using Predict()"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var nfErr *NotFittedError
	if !As(err, &nfErr) {
		t.Error("Error should be castable to *NotFittedError")
	}
}

func TestNewDimensionError(t *testing.T) {
	err := NewDimensionError("Fit", 10, 7, 0)

	want := "laplace: Fit: dimension mismatch on axis 0 (rows). Expected 10, got 7"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}
}

func TestNewNotPositiveDefiniteError(t *testing.T) {
	err := NewNotPositiveDefiniteError("posterior_precision", 82)

	want := "laplace: posterior_precision: 82x82 matrix is not positive definite; consider increasing the prior precision"
	if err.Error() != want {
		t.Errorf("Error() = %v, want %v", err.Error(), want)
	}

	var pdErr *NotPositiveDefiniteError
	if !As(err, &pdErr) {
		t.Error("Error should be castable to *NotPositiveDefiniteError")
	}
	if pdErr.Size != 82 {
		t.Errorf("Size = %d, want 82", pdErr.Size)
	}
}

func TestNewModelError(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		kind    string
		err     error
		wantMsg string
	}{
		{
			name:    "with original error",
			op:      "Fit",
			kind:    "curvature accumulation failed",
			err:     fmt.Errorf("test error"),
			wantMsg: "laplace: Fit: curvature accumulation failed: test error",
		},
		{
			name:    "without original error",
			op:      "Sample",
			kind:    "not fitted",
			err:     nil,
			wantMsg: "laplace: Sample: not fitted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewModelError(tt.op, tt.kind, tt.err)
			if err.Error() != tt.wantMsg {
				t.Errorf("Error() = %v, want %v", err.Error(), tt.wantMsg)
			}

			var modelErr *ModelError
			if !As(err, &modelErr) {
				t.Error("Error should be castable to *ModelError")
			}
			if tt.err != nil && modelErr.Unwrap() == nil {
				t.Error("Unwrap should return the wrapped error")
			}
		})
	}
}

func TestWrapHelpers(t *testing.T) {
	base := New("base failure")
	wrapped := Wrapf(base, "fit batch %d", 3)

	if !Is(wrapped, base) {
		t.Error("wrapped error should match base via Is")
	}
	if !strings.Contains(wrapped.Error(), "fit batch 3") {
		t.Errorf("wrapped message missing context: %v", wrapped)
	}
}
