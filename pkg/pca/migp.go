// Package pca reduces a seed-by-target matrix to a small number of
// principal directions before ICA. MIGP streams column blocks through a
// bounded accumulator; PCA is the batch SVD reducer.
package pca

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
)

// ErrEigenFailed is returned when the eigendecomposition of a block Gram matrix fails.
var ErrEigenFailed = errors.New("pca: eigendecomposition did not converge")

// MaxAutoComponents caps the automatic choice of retained components
const MaxAutoComponents = 1000

// MIGPOptions configures the incremental reducer
type MIGPOptions struct {
	// Components is d_pca. Zero selects min(1000, S, T).
	Components int
	// Window is the block width n_dim. Zero selects 2*Components.
	Window int
	// KeepMean adds the per-row mean of C back to the output.
	KeepMean bool
	// Seed drives the column permutation. Negative seeds from the clock.
	Seed int64
}

// Statistics describes one reduction run
type Statistics struct {
	Blocks     int   `json:"blocks"`
	Components int   `json:"components"`
	Window     int   `json:"window"`
	Seed       int64 `json:"seed"`
	RuntimeMS  int64 `json:"runtime_ms"`
}

// AutoComponents returns min(1000, S, T)
func AutoComponents(s, t int) int {
	return min(MaxAutoComponents, s, t)
}

// MIGP reduces C (S x T) to an S x min(d_pca, S) matrix by collapsing column
// blocks of C into an accumulator of at most d_pca rows.
func MIGP(ctx context.Context, c *mat.Dense, opts MIGPOptions, logger zerolog.Logger) (*mat.Dense, Statistics, error) {
	startTime := time.Now()
	s, t := c.Dims()

	dPCA := opts.Components
	if dPCA <= 0 {
		dPCA = AutoComponents(s, t)
	}
	window := opts.Window
	if window <= 0 {
		window = 2 * dPCA
	}
	if window < dPCA {
		logger.Warn().Int("window", window).Int("components", dPCA).Msg("MIGP window narrower than retained components, widening")
		window = dPCA
	}
	window = min(window, t)

	seed := opts.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	stats := Statistics{Components: dPCA, Window: window, Seed: seed}

	logger.Info().
		Int("rows", s).
		Int("cols", t).
		Int("components", dPCA).
		Int("window", window).
		Int64("seed", seed).
		Str("accumulator_size", humanize.Bytes(uint64(dPCA+window)*uint64(s)*8)).
		Msg("Starting MIGP reduction")

	var mu []float64
	if opts.KeepMean {
		mu = linalg.RowMeans(c)
	}

	perm := rng.Perm(t)

	// acc holds k rows of length S; the next block is stacked beneath it.
	var acc *mat.Dense
	for start := 0; start < t; start += window {
		select {
		case <-ctx.Done():
			return nil, stats, fmt.Errorf("MIGP interrupted: %v: %w", ctx.Err(), models.ErrCancelRequested)
		default:
		}

		end := min(start+window, t)
		block := timeBlock(c, perm[start:end])
		stacked := stack(acc, block)

		k := min(dPCA, window)
		reduced, err := collapse(stacked, k)
		if err != nil {
			return nil, stats, err
		}
		acc = reduced
		stats.Blocks++

		logger.Debug().
			Int("block", stats.Blocks).
			Int("cols_seen", end).
			Msg("MIGP block merged")
	}

	// Output is acc^T restricted to the leading components
	k, _ := acc.Dims()
	keep := min(dPCA, s, k)
	out := mat.NewDense(s, keep, nil)
	out.Copy(acc.Slice(0, keep, 0, s).T())

	if mu != nil {
		for i := 0; i < s; i++ {
			floats.AddConst(mu[i], out.RawRowView(i))
		}
	}

	stats.RuntimeMS = time.Since(startTime).Milliseconds()
	logger.Info().
		Int("blocks", stats.Blocks).
		Int("output_cols", keep).
		Int64("runtime_ms", stats.RuntimeMS).
		Msg("MIGP reduction completed")
	return out, stats, nil
}

// timeBlock returns the selected columns of c transposed (len(cols) x S),
// each row demeaned.
func timeBlock(c *mat.Dense, cols []int) *mat.Dense {
	s, _ := c.Dims()
	block := mat.NewDense(len(cols), s, nil)
	for r, j := range cols {
		row := block.RawRowView(r)
		mat.Col(row, j, c)
		mean := floats.Sum(row) / float64(s)
		floats.AddConst(-mean, row)
	}
	return block
}

func stack(acc, block *mat.Dense) *mat.Dense {
	if acc == nil {
		return block
	}
	ar, cols := acc.Dims()
	br, _ := block.Dims()
	out := mat.NewDense(ar+br, cols, nil)
	out.Slice(0, ar, 0, cols).(*mat.Dense).Copy(acc)
	out.Slice(ar, ar+br, 0, cols).(*mat.Dense).Copy(block)
	return out
}

// collapse projects w (n x S) onto the top k eigenvectors of w w^T, giving k x S.
func collapse(w *mat.Dense, k int) (*mat.Dense, error) {
	n, s := w.Dims()
	k = min(k, n)

	var gram mat.SymDense
	gram.SymOuterK(1, w)

	var eig mat.EigenSym
	if ok := eig.Factorize(&gram, true); !ok {
		return nil, ErrEigenFailed
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues are ascending; take the last k columns, largest first.
	top := mat.NewDense(n, k, nil)
	col := make([]float64, n)
	for j := 0; j < k; j++ {
		mat.Col(col, n-1-j, &vecs)
		top.SetCol(j, col)
	}

	out := mat.NewDense(k, s, nil)
	out.Mul(top.T(), w)
	return out, nil
}
