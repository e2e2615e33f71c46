package ica

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/config"
	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// Decompose runs FastICA on the reduced matrix (S x P) to obtain G (S x K) and
// derives W = pinv(G) C for the full matrix C (S x T).
func Decompose(ctx context.Context, reduced, c *mat.Dense, params config.ICAParams, logger zerolog.Logger, tracker *utils.ConvergenceTracker) (models.FactorPair, error) {
	startTime := time.Now()
	rs, p := reduced.Dims()
	s, t := c.Dims()
	if rs != s {
		return models.FactorPair{}, fmt.Errorf("reduced matrix has %d rows, connectivity matrix %d: %w", rs, s, models.ErrShapeMismatch)
	}
	if params.Components > p {
		return models.FactorPair{}, fmt.Errorf("%d ICA components from %d reduced dimensions: %w", params.Components, p, models.ErrInvalidRank)
	}

	if err := ctx.Err(); err != nil {
		return models.FactorPair{}, fmt.Errorf("ICA interrupted: %v: %w", err, models.ErrCancelRequested)
	}

	res, err := FastICA(reduced, params, logger, tracker)
	if err != nil {
		return models.FactorPair{}, err
	}
	g := res.Sources

	if err := ctx.Err(); err != nil {
		return models.FactorPair{}, fmt.Errorf("ICA interrupted: %v: %w", err, models.ErrCancelRequested)
	}

	pinv, err := linalg.Pinv(g)
	if err != nil {
		return models.FactorPair{}, err
	}
	_, k := g.Dims()
	w := mat.NewDense(k, t, nil)
	w.Mul(pinv, c)

	logger.Info().
		Int("components", k).
		Int("targets", t).
		Int64("runtime_ms", time.Since(startTime).Milliseconds()).
		Msg("ICA decomposition completed")
	return models.FactorPair{G: g, W: w}, nil
}
