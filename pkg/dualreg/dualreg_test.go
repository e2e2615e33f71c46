package dualreg

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/config"
	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/nmf"
)

func randomFactors(seed int64, s, k, t int, nonNegative bool) models.FactorPair {
	rng := rand.New(rand.NewSource(seed))
	draw := func() float64 {
		if nonNegative {
			return rng.Float64()
		}
		return rng.NormFloat64()
	}
	g := mat.NewDense(s, k, nil)
	w := mat.NewDense(k, t, nil)
	for i := 0; i < s; i++ {
		for j := 0; j < k; j++ {
			g.Set(i, j, draw())
		}
	}
	for i := 0; i < k; i++ {
		for j := 0; j < t; j++ {
			w.Set(i, j, draw())
		}
	}
	return models.FactorPair{G: g, W: w}
}

func product(p models.FactorPair) *mat.Dense {
	var c mat.Dense
	c.Mul(p.G, p.W)
	return &c
}

func TestNonNegativeRecoversExactFactors(t *testing.T) {
	group := randomFactors(1, 40, 5, 30, true)
	c := product(group)

	subj, _, err := NonNegative(context.Background(), group, c, 1)
	require.NoError(t, err)

	assert.Less(t, linalg.RelativeError(c, subj.G, subj.W), 1e-3)
	assert.GreaterOrEqual(t, mat.Min(subj.G), 0.0)
	assert.GreaterOrEqual(t, mat.Min(subj.W), 0.0)
}

func TestNonNegativeAfterNMF(t *testing.T) {
	c := product(randomFactors(2, 40, 5, 30, true))

	params, err := config.NewConfig().NMFParams()
	require.NoError(t, err)
	params.Components = 5
	params.Solver = nmf.SolverCD
	params.AlphaW = 0
	params.AlphaH = 0
	params.AlphaHSame = false
	params.MaxIter = 3000
	params.Tol = 1e-12

	group, stats, err := nmf.Decompose(context.Background(), c, params, zerolog.Nop(), nil)
	require.NoError(t, err)
	require.Less(t, stats.ReconstructionError, 1e-3)

	subj, drStats, err := Run(context.Background(), models.AlgorithmNMF, "sub-01", group, c, 2, zerolog.Nop())
	require.NoError(t, err)

	errDR := linalg.RelativeError(c, subj.G, subj.W)
	assert.Less(t, errDR, 1e-3)
	assert.InDelta(t, errDR, drStats.ReconstructionError, 1e-12)
	// One alternating NNLS sweep from the group factors cannot increase the error.
	assert.LessOrEqual(t, errDR, stats.ReconstructionError+1e-9)
	assert.GreaterOrEqual(t, mat.Min(subj.G), 0.0)
	assert.GreaterOrEqual(t, mat.Min(subj.W), 0.0)
}

func TestNonNegativeParallelMatchesSequential(t *testing.T) {
	group := randomFactors(3, 25, 4, 35, true)
	subjectNoise := rand.New(rand.NewSource(4))
	c := product(group)
	c.Apply(func(_, _ int, v float64) float64 { return v + 0.1*subjectNoise.Float64() }, c)

	seq, _, err := NonNegative(context.Background(), group, c, 1)
	require.NoError(t, err)

	for _, workers := range []int{2, 3, 8} {
		par, _, err := NonNegative(context.Background(), group, c, workers)
		require.NoError(t, err)
		assert.True(t, mat.Equal(seq.G, par.G), "G differs with %d workers", workers)
		assert.True(t, mat.Equal(seq.W, par.W), "W differs with %d workers", workers)
	}
}

func TestLinearRecoversExactFactors(t *testing.T) {
	group := randomFactors(5, 30, 4, 20, false)
	c := product(group)

	subj, err := Linear(context.Background(), group, c)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(group.G, subj.G, 1e-8))
	assert.True(t, mat.EqualApprox(group.W, subj.W, 1e-8))
}

func TestShapeMismatch(t *testing.T) {
	group := randomFactors(6, 10, 3, 8, true)

	tests := []struct {
		name string
		cs   *mat.Dense
	}{
		{"seeds", mat.NewDense(9, 8, nil)},
		{"targets", mat.NewDense(10, 7, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Linear(context.Background(), group, tt.cs)
			assert.ErrorIs(t, err, models.ErrShapeMismatch)

			_, _, err = NonNegative(context.Background(), group, tt.cs, 2)
			assert.ErrorIs(t, err, models.ErrShapeMismatch)

			_, _, err = Run(context.Background(), models.AlgorithmNMF, "sub-01", group, tt.cs, 1, zerolog.Nop())
			assert.ErrorIs(t, err, models.ErrShapeMismatch)
		})
	}
}

func TestRunRejectsMismatchedFactors(t *testing.T) {
	group := models.FactorPair{G: mat.NewDense(4, 2, nil), W: mat.NewDense(3, 5, nil)}
	_, _, err := Run(context.Background(), models.AlgorithmICA, "sub-02", group, mat.NewDense(4, 5, nil), 4, zerolog.Nop())
	assert.ErrorIs(t, err, models.ErrShapeMismatch)
}

func TestRunBothVariants(t *testing.T) {
	group := randomFactors(7, 20, 3, 15, true)
	c := product(group)

	for _, algo := range []models.Algorithm{models.AlgorithmICA, models.AlgorithmNMF} {
		t.Run(string(algo), func(t *testing.T) {
			res, stats, err := Run(context.Background(), algo, "sub-03", group, c, 2, zerolog.Nop())
			require.NoError(t, err)
			require.NoError(t, res.Validate())
			assert.Less(t, stats.ReconstructionError, 1e-6)
			assert.Equal(t, "sub-03", stats.Subject)
		})
	}
}

func TestSolveOrderedCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, workers := range []int{1, 4} {
		_, err := solveOrdered(ctx, 1000, workers, func(i int) ([]float64, error) {
			return []float64{float64(i)}, nil
		})
		assert.ErrorIs(t, err, models.ErrCancelRequested)
	}
}

func TestSolveOrderedPropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	for _, workers := range []int{1, 3} {
		_, err := solveOrdered(context.Background(), 50, workers, func(i int) ([]float64, error) {
			if i == 17 {
				return nil, boom
			}
			return []float64{1}, nil
		})
		assert.ErrorIs(t, err, boom)
	}

	_, err := solveOrdered(context.Background(), 5, 2, func(i int) ([]float64, error) {
		var m *mat.Dense
		m.At(0, 0)
		return nil, nil
	})
	assert.Error(t, err)
}

func TestSolveOrderedKeepsOrder(t *testing.T) {
	out, err := solveOrdered(context.Background(), 200, 7, func(i int) ([]float64, error) {
		return []float64{float64(i)}, nil
	})
	require.NoError(t, err)
	for i, x := range out {
		assert.Equal(t, float64(i), x[0])
	}
}
