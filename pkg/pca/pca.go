package pca

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
)

// PCA centres the columns of C (S x T), takes its thin SVD and returns the
// projection onto the leading n right singular directions (S x n). n <= 0
// keeps min(S, T) directions. The sign of every component is fixed so that
// the largest-magnitude entry of each output column is positive.
func PCA(c *mat.Dense, n int, logger zerolog.Logger) (*mat.Dense, error) {
	startTime := time.Now()
	s, t := c.Dims()
	limit := min(s, t)
	if n <= 0 {
		n = limit
	}
	if n > limit {
		return nil, fmt.Errorf("%d components requested from a %d x %d matrix: %w", n, s, t, models.ErrInvalidRank)
	}

	centred := mat.DenseCopyOf(c)
	means := linalg.ColumnMeans(c)
	for i := 0; i < s; i++ {
		floats.Sub(centred.RawRowView(i), means)
	}

	var svd mat.SVD
	if ok := svd.Factorize(centred, mat.SVDThin); !ok {
		return nil, linalg.ErrSVDFailed
	}
	values := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)

	// X V_n = U_n diag(s_n)
	out := mat.NewDense(s, n, nil)
	col := make([]float64, s)
	for j := 0; j < n; j++ {
		mat.Col(col, j, &u)
		if col[floats.MaxIdx(absCopy(col))] < 0 {
			floats.Scale(-1, col)
		}
		floats.Scale(values[j], col)
		out.SetCol(j, col)
	}

	total := 0.0
	for _, v := range values {
		total += v * v
	}
	kept := 0.0
	for _, v := range values[:n] {
		kept += v * v
	}
	explained := 1.0
	if total > 0 {
		explained = kept / total
	}

	logger.Info().
		Int("rows", s).
		Int("cols", t).
		Int("components", n).
		Float64("explained_variance", explained).
		Int64("runtime_ms", time.Since(startTime).Milliseconds()).
		Msg("PCA reduction completed")
	return out, nil
}

func absCopy(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Abs(v)
	}
	return out
}
