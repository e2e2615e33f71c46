package nmf

import (
	"context"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/config"
	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
)

func lowRankNonNegative(seed int64, s, k, t int) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	g := mat.NewDense(s, k, nil)
	w := mat.NewDense(k, t, nil)
	for i := 0; i < s; i++ {
		for j := 0; j < k; j++ {
			g.Set(i, j, rng.Float64())
		}
	}
	for i := 0; i < k; i++ {
		for j := 0; j < t; j++ {
			w.Set(i, j, rng.Float64())
		}
	}
	var c mat.Dense
	c.Mul(g, w)
	return &c
}

func defaultParams(t *testing.T, k int) config.NMFParams {
	t.Helper()
	p, err := config.NewConfig().NMFParams()
	require.NoError(t, err)
	p.Components = k
	return p
}

func TestDecomposeNonNegative(t *testing.T) {
	c := lowRankNonNegative(1, 40, 5, 30)

	tests := []struct {
		name   string
		init   string
		solver string
		loss   string
	}{
		{"cd nndsvd", InitNNDSVD, SolverCD, "frobenius"},
		{"cd nndsvda", InitNNDSVDA, SolverCD, "frobenius"},
		{"cd nndsvdar", InitNNDSVDAR, SolverCD, "frobenius"},
		{"cd random", InitRandom, SolverCD, "frobenius"},
		{"mu frobenius", InitNNDSVDA, SolverMU, "frobenius"},
		{"mu kl", InitNNDSVDA, SolverMU, "kullback-leibler"},
		{"mu is", InitNNDSVDA, SolverMU, "itakura-saito"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := defaultParams(t, 5)
			p.Init = tt.init
			p.Solver = tt.solver
			p.BetaLoss = tt.loss

			pair, stats, err := Decompose(context.Background(), c, p, zerolog.Nop(), nil)
			require.NoError(t, err)
			require.NoError(t, pair.Validate())

			assert.GreaterOrEqual(t, mat.Min(pair.G), 0.0)
			assert.GreaterOrEqual(t, mat.Min(pair.W), 0.0)
			assert.Greater(t, stats.Iterations, 0)

			s, k := pair.G.Dims()
			assert.Equal(t, 40, s)
			assert.Equal(t, 5, k)
		})
	}
}

func TestDecomposeFitsLowRankData(t *testing.T) {
	c := lowRankNonNegative(2, 40, 5, 30)
	p := defaultParams(t, 5)
	p.AlphaW = 0
	p.AlphaH = 0
	p.AlphaHSame = false
	p.Tol = 1e-12
	p.MaxIter = 3000

	pair, stats, err := Decompose(context.Background(), c, p, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Less(t, stats.ReconstructionError, 0.05)
	assert.InDelta(t, stats.ReconstructionError, linalg.RelativeError(c, pair.G, pair.W), 1e-12)
}

func TestDecomposeDeterministic(t *testing.T) {
	c := lowRankNonNegative(3, 20, 3, 15)
	p := defaultParams(t, 3)
	p.Init = InitRandom

	a, _, err := Decompose(context.Background(), c, p, zerolog.Nop(), nil)
	require.NoError(t, err)
	b, _, err := Decompose(context.Background(), c, p, zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.True(t, mat.Equal(a.G, b.G))
	assert.True(t, mat.Equal(a.W, b.W))
}

func TestDecomposeErrors(t *testing.T) {
	c := lowRankNonNegative(4, 6, 2, 5)

	t.Run("nndsvd rank too large", func(t *testing.T) {
		_, _, err := Decompose(context.Background(), c, defaultParams(t, 6), zerolog.Nop(), nil)
		assert.ErrorIs(t, err, models.ErrInvalidRank)
	})

	t.Run("negative input", func(t *testing.T) {
		neg := mat.DenseCopyOf(c)
		neg.Set(0, 0, -1)
		_, _, err := Decompose(context.Background(), neg, defaultParams(t, 2), zerolog.Nop(), nil)
		assert.ErrorIs(t, err, ErrNegativeInput)
	})

	t.Run("cd with kl loss", func(t *testing.T) {
		p := defaultParams(t, 2)
		p.BetaLoss = "kullback-leibler"
		_, _, err := Decompose(context.Background(), c, p, zerolog.Nop(), nil)
		assert.Error(t, err)
	})

	t.Run("unknown init", func(t *testing.T) {
		p := defaultParams(t, 2)
		p.Init = "svd"
		_, _, err := Decompose(context.Background(), c, p, zerolog.Nop(), nil)
		assert.Error(t, err)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, _, err := Decompose(ctx, c, defaultParams(t, 2), zerolog.Nop(), nil)
		assert.ErrorIs(t, err, models.ErrCancelRequested)
	})
}

func TestPenaltiesAlphaHSame(t *testing.T) {
	p := config.NMFParams{AlphaW: 0.5, AlphaH: 0, AlphaHSame: true, L1Ratio: 0.25}
	pen := scaledPenalties(4, 10, p)
	assert.InDelta(t, 10*0.5*0.25, pen.l1G, 1e-12)
	assert.InDelta(t, 10*0.5*0.75, pen.l2G, 1e-12)
	assert.InDelta(t, 4*0.5*0.25, pen.l1W, 1e-12)
	assert.InDelta(t, 4*0.5*0.75, pen.l2W, 1e-12)

	p.AlphaHSame = false
	pen = scaledPenalties(4, 10, p)
	assert.Zero(t, pen.l1W)
	assert.Zero(t, pen.l2W)
}

func TestNNDSVDInitNonNegative(t *testing.T) {
	c := lowRankNonNegative(5, 12, 4, 9)
	g, w, err := initialise(c, 4, InitNNDSVD, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, mat.Min(g), 0.0)
	assert.GreaterOrEqual(t, mat.Min(w), 0.0)

	// The leading component comes from the dominant singular pair.
	assert.Greater(t, mat.Sum(g.Slice(0, 12, 0, 1)), 0.0)
}
