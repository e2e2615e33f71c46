// Package nmf factorises a non-negative connectivity matrix C (S x T) into
// non-negative loadings G (S x K) and W (K x T) with elastic-net penalties.
//
// Two solvers are provided: coordinate descent for the Frobenius loss and
// multiplicative updates for the beta divergences (Frobenius,
// Kullback-Leibler and Itakura-Saito).
package nmf

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/config"
	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// ErrNegativeInput is returned when C has a negative entry
var ErrNegativeInput = errors.New("nmf: matrix has negative entries")

// Solvers
const (
	SolverCD = "cd"
	SolverMU = "mu"
)

// Statistics describes one factorisation run
type Statistics struct {
	Iterations          int     `json:"iterations"`
	Converged           bool    `json:"converged"`
	ReconstructionError float64 `json:"reconstruction_error"`
	RuntimeMS           int64   `json:"runtime_ms"`
}

// penalties are the elastic-net weights after scaling by the opposite dimension
type penalties struct {
	l1G, l2G float64
	l1W, l2W float64
}

func scaledPenalties(s, t int, p config.NMFParams) penalties {
	alphaH := p.AlphaH
	if p.AlphaHSame {
		alphaH = p.AlphaW
	}
	return penalties{
		l1G: float64(t) * p.AlphaW * p.L1Ratio,
		l2G: float64(t) * p.AlphaW * (1 - p.L1Ratio),
		l1W: float64(s) * alphaH * p.L1Ratio,
		l2W: float64(s) * alphaH * (1 - p.L1Ratio),
	}
}

// Decompose factorises c into non-negative G and W. Hitting max_iter is
// logged as a warning and the current factors are returned.
func Decompose(ctx context.Context, c *mat.Dense, params config.NMFParams, logger zerolog.Logger, tracker *utils.ConvergenceTracker) (models.FactorPair, Statistics, error) {
	startTime := time.Now()
	s, t := c.Dims()
	k := params.Components
	if k <= 0 {
		k = min(s, t)
	}
	if mat.Min(c) < 0 {
		return models.FactorPair{}, Statistics{}, ErrNegativeInput
	}

	beta, err := betaFor(params.BetaLoss)
	if err != nil {
		return models.FactorPair{}, Statistics{}, err
	}
	solver := params.Solver
	if solver == "" {
		solver = SolverCD
	}
	if solver == SolverCD && beta != 2 {
		return models.FactorPair{}, Statistics{}, fmt.Errorf("cd solver supports only the frobenius loss, got %q", params.BetaLoss)
	}
	if beta <= 0 && mat.Min(c) == 0 {
		return models.FactorPair{}, Statistics{}, fmt.Errorf("beta_loss %q needs a strictly positive matrix: %w", params.BetaLoss, ErrNegativeInput)
	}

	maxIter := params.MaxIter
	if maxIter <= 0 {
		maxIter = 200
	}

	seed := params.RandomState
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	logger.Info().
		Int("rows", s).
		Int("cols", t).
		Int("components", k).
		Str("init", params.Init).
		Str("solver", solver).
		Str("beta_loss", params.BetaLoss).
		Float64("alpha_w", params.AlphaW).
		Float64("alpha_h", params.AlphaH).
		Float64("l1_ratio", params.L1Ratio).
		Int64("random_state", seed).
		Msg("Starting NMF")

	g, w, err := initialise(c, k, params.Init, rng)
	if err != nil {
		return models.FactorPair{}, Statistics{}, err
	}

	pen := scaledPenalties(s, t, params)
	var stats Statistics
	switch solver {
	case SolverCD:
		stats, err = coordinateDescent(ctx, c, g, w, pen, maxIter, params.Tol, logger, tracker)
	case SolverMU:
		stats, err = multiplicativeUpdate(ctx, c, g, w, beta, pen, maxIter, params.Tol, logger, tracker)
	default:
		return models.FactorPair{}, Statistics{}, fmt.Errorf("unknown NMF solver %q (want cd or mu)", solver)
	}
	if err != nil {
		return models.FactorPair{}, stats, err
	}

	stats.ReconstructionError = linalg.RelativeError(c, g, w)
	stats.RuntimeMS = time.Since(startTime).Milliseconds()
	if !stats.Converged {
		logger.Warn().
			Int("max_iter", maxIter).
			Float64("tol", params.Tol).
			Msgf("NMF: %v, returning current estimate", models.ErrNonconvergence)
	}
	logger.Info().
		Int("iterations", stats.Iterations).
		Bool("converged", stats.Converged).
		Float64("relative_error", stats.ReconstructionError).
		Int64("runtime_ms", stats.RuntimeMS).
		Msg("NMF completed")
	return models.FactorPair{G: g, W: w}, stats, nil
}

func betaFor(loss string) (float64, error) {
	switch loss {
	case "", "frobenius":
		return 2, nil
	case "kullback-leibler":
		return 1, nil
	case "itakura-saito":
		return 0, nil
	}
	return 0, fmt.Errorf("unknown beta_loss %q (want frobenius, kullback-leibler or itakura-saito)", loss)
}

func cancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("NMF interrupted: %v: %w", ctx.Err(), models.ErrCancelRequested)
	default:
		return nil
	}
}

// coordinateDescent alternates exact coordinate updates of G and W in place.
// It stops once the projected-gradient violation falls to tol times its first value.
func coordinateDescent(ctx context.Context, c, g, w *mat.Dense, pen penalties, maxIter int, tol float64, logger zerolog.Logger, tracker *utils.ConvergenceTracker) (Statistics, error) {
	_, t := c.Dims()
	k, _ := w.Dims()

	// W is updated through its transpose so both passes share one kernel.
	wt := mat.NewDense(t, k, nil)
	wt.Copy(w.T())

	var violationInit float64
	stats := Statistics{}
	for iter := 1; iter <= maxIter; iter++ {
		if err := cancelled(ctx); err != nil {
			return stats, err
		}
		stats.Iterations = iter

		violation := cdPass(c, g, wt, pen.l1G, pen.l2G)
		violation += cdPass(c.T(), wt, g, pen.l1W, pen.l2W)

		if iter == 1 {
			violationInit = violation
		}
		if violationInit == 0 {
			stats.Converged = true
			break
		}
		ratio := violation / violationInit
		tracker.LogIteration(iter, -1, ratio, tol)
		if iter%10 == 0 {
			logger.Debug().Int("iteration", iter).Float64("violation_ratio", ratio).Msg("NMF progress")
		}
		if ratio <= tol {
			stats.Converged = true
			break
		}
	}

	w.Copy(wt.T())
	return stats, nil
}

// cdPass updates every entry of a (n x k) against x (n x m) ≈ a * bt^T and
// returns the summed projected-gradient violation.
func cdPass(x mat.Matrix, a, bt *mat.Dense, l1, l2 float64) float64 {
	n, k := a.Dims()

	var btb mat.Dense
	btb.Mul(bt.T(), bt)
	var xb mat.Dense
	xb.Mul(x, bt)

	if l2 != 0 {
		for r := 0; r < k; r++ {
			btb.Set(r, r, btb.At(r, r)+l2)
		}
	}
	if l1 != 0 {
		raw := xb.RawMatrix()
		for i := 0; i < raw.Rows; i++ {
			row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
			for j := range row {
				row[j] -= l1
			}
		}
	}

	violation := 0.0
	for comp := 0; comp < k; comp++ {
		hess := btb.At(comp, comp)
		hrow := btb.RawRowView(comp)
		for i := 0; i < n; i++ {
			arow := a.RawRowView(i)
			grad := -xb.At(i, comp)
			for r, v := range arow {
				grad += hrow[r] * v
			}

			pg := grad
			if arow[comp] == 0 {
				pg = math.Min(0, grad)
			}
			violation += math.Abs(pg)

			if hess != 0 {
				arow[comp] = math.Max(arow[comp]-grad/hess, 0)
			}
		}
	}
	return violation
}
