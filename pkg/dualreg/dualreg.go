// Package dualreg projects a subject's connectivity matrix onto a group
// factorisation, giving subject-specific loadings G_s and W_s.
//
// The linear variant uses pseudoinverses and suits ICA factors. The
// non-negative variant solves one NNLS problem per target column and then
// one per seed row, and suits NMF factors.
package dualreg

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/nnls"
)

// Statistics describes one subject's dual regression
type Statistics struct {
	Subject             string  `json:"subject"`
	Algorithm           string  `json:"algorithm"`
	Workers             int     `json:"workers"`
	NNLSIterationLimits int64   `json:"nnls_iteration_limits"`
	ReconstructionError float64 `json:"reconstruction_error"`
	RuntimeMS           int64   `json:"runtime_ms"`
}

// checkShapes verifies that G (S x K), W (K x T) and C_s (S x T) agree
func checkShapes(group models.FactorPair, cs mat.Matrix) error {
	if err := group.Validate(); err != nil {
		return err
	}
	gs, _ := group.G.Dims()
	_, wt := group.W.Dims()
	s, t := cs.Dims()
	if gs != s {
		return fmt.Errorf("group G has %d seeds, subject matrix %d: %w", gs, s, models.ErrShapeMismatch)
	}
	if wt != t {
		return fmt.Errorf("group W has %d targets, subject matrix %d: %w", wt, t, models.ErrShapeMismatch)
	}
	return nil
}

// Linear runs the two-pass pseudoinverse regression. W_s is estimated from
// the pass that starts at the group W, G_s from the pass that starts at the
// group G:
//
//	temp  = (pinv(W^T) C_s^T)^T     W_s = pinv(temp) C_s
//	temp2 = pinv(G) C_s             G_s = (pinv(temp2^T) C_s^T)^T
func Linear(ctx context.Context, group models.FactorPair, cs *mat.Dense) (models.FactorPair, error) {
	if err := checkShapes(group, cs); err != nil {
		return models.FactorPair{}, err
	}
	s, t := cs.Dims()
	k := group.Dim()

	// Pass one: spatial regression of the group W
	pinvWT, err := linalg.Pinv(group.W.T())
	if err != nil {
		return models.FactorPair{}, err
	}
	tempT := mat.NewDense(k, s, nil)
	tempT.Mul(pinvWT, cs.T())

	pinvTemp, err := linalg.Pinv(tempT.T())
	if err != nil {
		return models.FactorPair{}, err
	}
	ws := mat.NewDense(k, t, nil)
	ws.Mul(pinvTemp, cs)

	if err := ctx.Err(); err != nil {
		return models.FactorPair{}, fmt.Errorf("dual regression interrupted: %v: %w", err, models.ErrCancelRequested)
	}

	// Pass two: regression of the group G
	pinvG, err := linalg.Pinv(group.G)
	if err != nil {
		return models.FactorPair{}, err
	}
	temp2 := mat.NewDense(k, t, nil)
	temp2.Mul(pinvG, cs)

	pinvTemp2T, err := linalg.Pinv(temp2.T())
	if err != nil {
		return models.FactorPair{}, err
	}
	gsT := mat.NewDense(k, s, nil)
	gsT.Mul(pinvTemp2T, cs.T())

	return models.FactorPair{G: linalg.Transpose(gsT), W: ws}, nil
}

// NonNegative solves W_s column by column from the group G, then G_s row by
// row from the fresh W_s, each by NNLS on the given number of workers.
// Results are assembled in index order whatever the worker count.
func NonNegative(ctx context.Context, group models.FactorPair, cs *mat.Dense, workers int) (models.FactorPair, int64, error) {
	if err := checkShapes(group, cs); err != nil {
		return models.FactorPair{}, 0, err
	}
	s, t := cs.Dims()
	k := group.Dim()
	var limits atomic.Int64

	// Phase 1: min ||G w - C_s[:, j]|| for every target j
	colSolver := nnls.NewSolver(group.G)
	gtc := mat.NewDense(k, t, nil)
	gtc.Mul(group.G.T(), cs)

	cols, err := solveOrdered(ctx, t, workers, func(j int) ([]float64, error) {
		return solveNonFatal(colSolver, mat.Col(nil, j, gtc), &limits)
	})
	if err != nil {
		return models.FactorPair{}, limits.Load(), err
	}
	ws := mat.NewDense(k, t, nil)
	for j, x := range cols {
		ws.SetCol(j, x)
	}

	// Phase 2: min ||W_s^T g - C_s[i, :]^T|| for every seed i
	var gram mat.SymDense
	gram.SymOuterK(1, ws)
	rowSolver := nnls.NewSolverFromGram(&gram)
	cwt := mat.NewDense(s, k, nil)
	cwt.Mul(cs, ws.T())

	rows, err := solveOrdered(ctx, s, workers, func(i int) ([]float64, error) {
		rhs := make([]float64, k)
		copy(rhs, cwt.RawRowView(i))
		return solveNonFatal(rowSolver, rhs, &limits)
	})
	if err != nil {
		return models.FactorPair{}, limits.Load(), err
	}
	gs := mat.NewDense(s, k, nil)
	for i, x := range rows {
		gs.SetRow(i, x)
	}

	return models.FactorPair{G: gs, W: ws}, limits.Load(), nil
}

// solveNonFatal counts iteration-limit hits and keeps the feasible iterate
func solveNonFatal(solver *nnls.Solver, atb []float64, limits *atomic.Int64) ([]float64, error) {
	x, err := solver.Solve(atb)
	if errors.Is(err, nnls.ErrMaxIter) {
		limits.Add(1)
		return x, nil
	}
	return x, err
}

// Run dual-regresses one subject with the variant matching algo. A panic in
// the numeric code is returned as a ShapeMismatch error so that the caller
// can skip the subject.
func Run(ctx context.Context, algo models.Algorithm, subject string, group models.FactorPair, cs *mat.Dense, workers int, logger zerolog.Logger) (result models.FactorPair, stats Statistics, err error) {
	startTime := time.Now()
	stats = Statistics{Subject: subject, Algorithm: string(algo), Workers: max(workers, 1)}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dual regression for %s: %v: %w", subject, r, models.ErrShapeMismatch)
		}
	}()

	switch algo {
	case models.AlgorithmICA:
		if workers > 1 {
			logger.Warn().Int("n_cores", workers).Str("subject", subject).Msg("Linear dual regression has no parallel mode, running sequentially")
			stats.Workers = 1
		}
		result, err = Linear(ctx, group, cs)
	case models.AlgorithmNMF:
		result, stats.NNLSIterationLimits, err = NonNegative(ctx, group, cs, workers)
		if stats.NNLSIterationLimits > 0 {
			logger.Warn().Int64("solves", stats.NNLSIterationLimits).Str("subject", subject).Msg("NNLS iteration limit reached, keeping feasible estimate")
		}
	default:
		return models.FactorPair{}, stats, fmt.Errorf("unknown algorithm %q: %w", algo, models.ErrInputMissing)
	}
	if err != nil {
		return models.FactorPair{}, stats, fmt.Errorf("dual regression for %s: %w", subject, err)
	}

	stats.ReconstructionError = linalg.RelativeError(cs, result.G, result.W)
	stats.RuntimeMS = time.Since(startTime).Milliseconds()
	logger.Info().
		Str("subject", subject).
		Str("algorithm", string(algo)).
		Int("workers", stats.Workers).
		Float64("relative_error", stats.ReconstructionError).
		Int64("runtime_ms", stats.RuntimeMS).
		Msg("Dual regression completed")
	return result, stats, nil
}
