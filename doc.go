// Package laplacego provides post-hoc Laplace approximations for Bayesian
// uncertainty over the last layer of trained neural networks in Go.
//
// The library turns a trained point-estimate network into an approximate
// Bayesian predictor without retraining: fit a Gaussian posterior around the
// current last-layer weights using Generalized-Gauss-Newton curvature, then
// query calibrated predictive distributions, tune hyperparameters against
// the marginal likelihood, or draw weight samples.
//
// # Features
//
// - Three posterior structures: full, diagonal and Kronecker-factored
// - Exact and Monte-Carlo (stochastic) curvature estimation
// - Regression and classification likelihoods
// - GLM (linearized) and sampling predictives, probit link approximation
// - Marginal-likelihood based hyperparameter tuning without refitting
// - Save/Load of fitted posteriors
//
// # Installation
//
//	go get github.com/Videra-Health/Laplace
//
// # Quick Start
//
// Fit a Laplace approximation over the last layer of a small network:
//
//	package main
//
//	import (
//	    "fmt"
//	    stdlog "log"
//	    "math/rand"
//
//	    "github.com/Videra-Health/Laplace/laplace"
//	    "github.com/Videra-Health/Laplace/network"
//	    "gonum.org/v1/gonum/mat"
//	)
//
//	func main() {
//	    rng := rand.New(rand.NewSource(42))
//	    net, err := network.New([]int{3, 20, 2}, network.Tanh, rng)
//	    if err != nil {
//	        stdlog.Fatal(err)
//	    }
//
//	    X := mat.NewDense(10, 3, nil) // training inputs
//	    y := mat.NewDense(10, 2, nil) // training targets
//
//	    la, err := laplace.NewFull(net, "regression",
//	        laplace.WithSigmaNoise(0.3),
//	        laplace.WithPriorPrecision(laplace.ScalarPrecision(0.7)))
//	    if err != nil {
//	        stdlog.Fatal(err)
//	    }
//	    loader, _ := laplace.NewMatrixLoader(X, y, 0)
//	    if err := la.Fit(loader); err != nil {
//	        stdlog.Fatal(err)
//	    }
//
//	    evidence, _ := la.MarginalLikelihood()
//	    fmt.Println("log marginal likelihood:", evidence)
//	}
//
// # Packages
//
// - laplace: posterior fitting, hyperparameters, predictives, persistence
// - curvature: Generalized-Gauss-Newton backends (exact and stochastic)
// - network: a minimal feed-forward model exposing the last-layer split
// - pkg/errors: structured error types with stack traces
// - pkg/log: structured logging helpers
package laplacego
