package factors

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

// positiveSkewRows draws rows of centred exponential samples
func positiveSkewRows(seed int64, r, c int) *mat.Dense {
	rng := rand.New(rand.NewSource(seed))
	x := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			x.Set(i, j, rng.ExpFloat64()-1)
		}
	}
	return x
}

func TestSignFlipKeepsPositiveSkew(t *testing.T) {
	x := positiveSkewRows(1, 6, 500)

	flipped := SignFlip(x, 0)
	assert.True(t, mat.Equal(x, flipped), "positively skewed rows must not change")

	negated := mat.DenseCopyOf(x)
	for i := 1; i < 6; i += 2 {
		row := negated.RawRowView(i)
		for j := range row {
			row[j] = -row[j]
		}
	}
	restored := SignFlip(negated, 0)
	assert.True(t, mat.Equal(x, restored), "negated rows must be flipped back")
}

func TestSignFlipIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	x := mat.NewDense(8, 40, nil)
	for i := 0; i < 8; i++ {
		for j := 0; j < 40; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	once := SignFlip(x, 0)
	twice := SignFlip(once, 0)
	assert.True(t, mat.Equal(once, twice))
}

func TestRowSignsEdgeCases(t *testing.T) {
	x := mat.NewDense(4, 3, []float64{
		0, 0, 0, // nothing survives
		1, -1, 0, // tie
		-3, 1, 0, // negative tail
		0.1, -0.2, 5, // only 5 survives thr
	})
	assert.Equal(t, []float64{1, 1, -1, 1}, RowSigns(x, 0.5))
}

func TestSignFlipPairPreservesProduct(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	g := mat.NewDense(10, 3, nil)
	w := mat.NewDense(3, 12, nil)
	for i := 0; i < 10; i++ {
		for j := 0; j < 3; j++ {
			g.Set(i, j, rng.NormFloat64())
		}
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 12; j++ {
			w.Set(i, j, rng.NormFloat64())
		}
	}
	// Force the first component negative
	for j := 0; j < 12; j++ {
		w.Set(0, j, -math.Abs(w.At(0, j)))
	}

	flipped := SignFlipPair(models.FactorPair{G: g, W: w}, 0)

	var before, after mat.Dense
	before.Mul(g, w)
	after.Mul(flipped.G, flipped.W)
	assert.True(t, mat.EqualApprox(&before, &after, 1e-12))
	assert.GreaterOrEqual(t, mat.Min(flipped.W.Slice(0, 1, 0, 12)), 0.0)
	assert.Equal(t, -g.At(4, 0), flipped.G.At(4, 0))
}

func TestNormalise(t *testing.T) {
	g := mat.NewDense(3, 2, []float64{
		1, 5,
		2, 5,
		3, 5,
	})
	w := mat.NewDense(2, 4, []float64{
		1, 2, 3, 4,
		7, 7, 7, 7,
	})
	n := Normalise(models.FactorPair{G: g, W: w})

	col := mat.Col(nil, 0, n.G)
	mean, std := stat.PopMeanStdDev(col, nil)
	assert.InDelta(t, 0, mean, 1e-12)
	assert.InDelta(t, 1, std, 1e-12)
	assert.Equal(t, []float64{5, 5, 5}, mat.Col(nil, 1, n.G), "zero-variance column passes through")

	mean, std = stat.PopMeanStdDev(n.W.RawRowView(0), nil)
	assert.InDelta(t, 0, mean, 1e-12)
	assert.InDelta(t, 1, std, 1e-12)
	assert.Equal(t, []float64{7, 7, 7, 7}, n.W.RawRowView(1))

	f := WithNormalised(models.FactorPair{G: g, W: w})
	require.NotNil(t, f.Normalised)
	assert.Same(t, g, f.Core.G)
}

func TestWinnerTakesAll(t *testing.T) {
	g := mat.NewDense(4, 3, []float64{
		3, 0, 0,
		0, 2, 0,
		0, 0, 1,
		-1, -1, -1,
	})
	labels, err := WinnerTakesAll(g, AxisCols, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 0}, labels)
}

func TestWinnerTakesAllAxisRows(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{
		1, 0,
		5, 0,
		2, 9,
	})
	labels, err := WinnerTakesAll(x, AxisRows, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, labels)

	_, err = WinnerTakesAll(x, Axis(2), 0)
	assert.Error(t, err)
}

func TestWinnerTakesAllIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	x := mat.NewDense(30, 4, nil)
	for i := 0; i < 30; i++ {
		for j := 0; j < 4; j++ {
			x.Set(i, j, rng.NormFloat64())
		}
	}
	first, err := WinnerTakesAll(x, AxisCols, 0)
	require.NoError(t, err)

	second, err := WinnerTakesAll(OneHot(first, 4), AxisCols, 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGroupWTA(t *testing.T) {
	g := mat.NewDense(2, 2, []float64{4, 0, 0, 4})
	w := mat.NewDense(2, 3, []float64{
		9, 0, 1,
		0, 9, 0,
	})
	gl, wl, err := GroupWTA(g, w, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, gl)
	// Each target column of W is standardised over components, so the small
	// loading in the last column still wins.
	assert.Equal(t, []int{1, 2, 1}, wl)

	direct, err := WinnerTakesAll(w, AxisRows, 0)
	require.NoError(t, err)
	assert.Equal(t, direct, wl)
}
