package sparse

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

// Average returns the element-wise mean of the triplet files in paths. Every
// file must declare the shape of the first. Matrices are streamed one at a
// time into a single accumulator.
func Average(ctx context.Context, paths []string, logger zerolog.Logger) (*mat.Dense, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no matrices to average: %w", models.ErrInputMissing)
	}

	startTime := time.Now()
	first, err := ReadShape(paths[0])
	if err != nil {
		return nil, err
	}

	// Check every declared shape before the expensive parse.
	for _, p := range paths[1:] {
		shape, err := ReadShape(p)
		if err != nil {
			return nil, err
		}
		if shape != first {
			return nil, fmt.Errorf("%s declares %v, %s declares %v: %w", p, shape, paths[0], first, models.ErrShapeMismatch)
		}
	}

	logger.Info().
		Int("subjects", len(paths)).
		Int("rows", first.Rows).
		Int("cols", first.Cols).
		Str("dense_size", humanize.Bytes(uint64(first.Rows)*uint64(first.Cols)*8)).
		Msg("Averaging connectivity matrices")

	acc := mat.NewDense(first.Rows, first.Cols, nil)
	for i, p := range paths {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("averaging interrupted: %v: %w", ctx.Err(), models.ErrCancelRequested)
		default:
		}

		if err := AddTo(p, acc); err != nil {
			return nil, err
		}
		logger.Debug().Int("subject", i+1).Str("path", p).Msg("Matrix accumulated")
	}

	if len(paths) > 1 {
		acc.Scale(1/float64(len(paths)), acc)
	}

	logger.Info().
		Int64("runtime_ms", time.Since(startTime).Milliseconds()).
		Msg("Group average completed")
	return acc, nil
}
