// Package ica implements FastICA and the ICA decomposer that turns a reduced
// connectivity matrix into grey-matter (G) and white-matter (W) loadings.
package ica

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/gilchrisn/tractmodes/pkg/config"
	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// ErrDecorrelation is returned when symmetric decorrelation cannot diagonalise W W^T.
var ErrDecorrelation = errors.New("ica: symmetric decorrelation failed")

// Whitening modes
const (
	WhitenUnitVariance      = "unit-variance"
	WhitenArbitraryVariance = "arbitrary-variance"
	WhitenNone              = "false"
)

// Result is a fitted FastICA model
type Result struct {
	// Sources are the estimated independent components, one column per component (samples x K).
	Sources *mat.Dense
	// Unmixing maps centred data to sources (K x features).
	Unmixing  *mat.Dense
	Iter      int
	Converged bool
	RuntimeMS int64
}

// contrast evaluates g(x) in place and returns the mean of g'(x) over each row.
type contrast func(wx *mat.Dense) []float64

func contrastFor(name string) (contrast, error) {
	switch name {
	case "", "logcosh":
		return logcosh, nil
	case "exp":
		return expContrast, nil
	case "cube":
		return cube, nil
	}
	return nil, fmt.Errorf("unknown ICA contrast %q (want logcosh, exp or cube)", name)
}

func logcosh(wx *mat.Dense) []float64 {
	r, _ := wx.Dims()
	means := make([]float64, r)
	for i := 0; i < r; i++ {
		row := wx.RawRowView(i)
		sum := 0.0
		for j, x := range row {
			g := math.Tanh(x)
			row[j] = g
			sum += 1 - g*g
		}
		means[i] = sum / float64(len(row))
	}
	return means
}

func expContrast(wx *mat.Dense) []float64 {
	r, _ := wx.Dims()
	means := make([]float64, r)
	for i := 0; i < r; i++ {
		row := wx.RawRowView(i)
		sum := 0.0
		for j, x := range row {
			e := math.Exp(-x * x / 2)
			row[j] = x * e
			sum += (1 - x*x) * e
		}
		means[i] = sum / float64(len(row))
	}
	return means
}

func cube(wx *mat.Dense) []float64 {
	r, _ := wx.Dims()
	means := make([]float64, r)
	for i := 0; i < r; i++ {
		row := wx.RawRowView(i)
		sum := 0.0
		for j, x := range row {
			row[j] = x * x * x
			sum += 3 * x * x
		}
		means[i] = sum / float64(len(row))
	}
	return means
}

// FastICA fits a params.Components component model to x (samples x features).
// Samples are seeds; features are the retained principal directions.
func FastICA(x *mat.Dense, params config.ICAParams, logger zerolog.Logger, tracker *utils.ConvergenceTracker) (*Result, error) {
	startTime := time.Now()
	n, p := x.Dims()
	k := params.Components
	if k <= 0 {
		k = min(n, p)
	}

	g, err := contrastFor(params.Fun)
	if err != nil {
		return nil, err
	}
	maxIter := params.MaxIter
	if maxIter <= 0 {
		maxIter = 200
	}

	whiten := params.Whiten
	switch whiten {
	case "", "true", WhitenUnitVariance:
		whiten = WhitenUnitVariance
	case WhitenArbitraryVariance:
	case WhitenNone, "none", "no":
		whiten = WhitenNone
		if k != p {
			logger.Warn().Int("components", k).Int("features", p).Msg("Whitening disabled, using one component per feature")
			k = p
		}
	default:
		return nil, fmt.Errorf("unknown whiten mode %q", params.Whiten)
	}
	if k > min(n, p) {
		return nil, fmt.Errorf("%d ICA components requested from a %d x %d matrix: %w", k, n, p, models.ErrInvalidRank)
	}

	seed := params.RandomState
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	// xt is features x samples
	xt := linalg.Transpose(x)
	var whitening *mat.Dense
	var x1 *mat.Dense
	if whiten != WhitenNone {
		means := linalg.RowMeans(xt)
		for i := 0; i < p; i++ {
			floats.AddConst(-means[i], xt.RawRowView(i))
		}
		whitening, err = whiteningMatrix(xt, k)
		if err != nil {
			return nil, err
		}
		x1 = mat.NewDense(k, n, nil)
		x1.Mul(whitening, xt)
		x1.Scale(math.Sqrt(float64(n)), x1)
	} else {
		x1 = mat.DenseCopyOf(xt)
	}

	wInit := mat.NewDense(k, k, nil)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			wInit.Set(i, j, rng.NormFloat64())
		}
	}

	logger.Info().
		Int("samples", n).
		Int("features", p).
		Int("components", k).
		Str("fun", params.Fun).
		Str("algorithm", params.Algorithm).
		Str("whiten", whiten).
		Int64("random_state", seed).
		Msg("Starting FastICA")

	var w *mat.Dense
	var iter int
	var converged bool
	switch params.Algorithm {
	case "", "parallel":
		w, iter, converged, err = icaParallel(x1, g, wInit, maxIter, params.Tol, tracker)
	case "deflation":
		w, iter, converged, err = icaDeflation(x1, g, wInit, maxIter, params.Tol, tracker)
	default:
		return nil, fmt.Errorf("unknown ICA algorithm %q (want parallel or deflation)", params.Algorithm)
	}
	if err != nil {
		return nil, err
	}

	// Unmixing acts on the centred features directly
	unmixing := w
	if whitening != nil {
		unmixing = mat.NewDense(k, p, nil)
		unmixing.Mul(w, whitening)
	}

	sourcesT := mat.NewDense(k, n, nil)
	sourcesT.Mul(unmixing, xt)
	sources := linalg.Transpose(sourcesT)

	if whiten == WhitenUnitVariance {
		col := make([]float64, n)
		for j := 0; j < k; j++ {
			mat.Col(col, j, sources)
			_, std := stat.PopMeanStdDev(col, nil)
			if std == 0 {
				continue
			}
			floats.Scale(1/std, col)
			sources.SetCol(j, col)
		}
	}

	res := &Result{
		Sources:   sources,
		Unmixing:  unmixing,
		Iter:      iter,
		Converged: converged,
		RuntimeMS: time.Since(startTime).Milliseconds(),
	}
	if !converged {
		logger.Warn().
			Int("max_iter", maxIter).
			Float64("tol", params.Tol).
			Msgf("FastICA: %v, returning current estimate", models.ErrNonconvergence)
	}
	logger.Info().
		Int("iterations", iter).
		Bool("converged", converged).
		Int64("runtime_ms", res.RuntimeMS).
		Msg("FastICA completed")
	return res, nil
}

// whiteningMatrix returns K = (U / d)^T restricted to k rows for centred
// xt (features x samples). U columns are sign-fixed on their first entry.
func whiteningMatrix(xt *mat.Dense, k int) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(xt, mat.SVDThin); !ok {
		return nil, linalg.ErrSVDFailed
	}
	d := svd.Values(nil)
	var u mat.Dense
	svd.UTo(&u)

	p, _ := u.Dims()
	out := mat.NewDense(k, p, nil)
	for j := 0; j < k; j++ {
		sign := 1.0
		if u.At(0, j) < 0 {
			sign = -1
		}
		inv := 0.0
		if d[j] > 0 {
			inv = sign / d[j]
		}
		for i := 0; i < p; i++ {
			out.Set(j, i, u.At(i, j)*inv)
		}
	}
	return out, nil
}

// symDecorrelate returns (W W^T)^{-1/2} W
func symDecorrelate(w *mat.Dense) (*mat.Dense, error) {
	k, _ := w.Dims()
	var wwt mat.SymDense
	wwt.SymOuterK(1, w)

	var eig mat.EigenSym
	if ok := eig.Factorize(&wwt, true); !ok {
		return nil, ErrDecorrelation
	}
	s := eig.Values(nil)
	var u mat.Dense
	eig.VectorsTo(&u)

	tiny := math.SmallestNonzeroFloat64
	scaled := mat.DenseCopyOf(&u)
	for j := 0; j < k; j++ {
		v := math.Max(s[j], tiny)
		inv := 1 / math.Sqrt(v)
		for i := 0; i < k; i++ {
			scaled.Set(i, j, scaled.At(i, j)*inv)
		}
	}

	var m mat.Dense
	m.Mul(scaled, u.T())
	out := mat.NewDense(k, k, nil)
	out.Mul(&m, w)
	return out, nil
}

func icaParallel(x *mat.Dense, g contrast, wInit *mat.Dense, maxIter int, tol float64, tracker *utils.ConvergenceTracker) (*mat.Dense, int, bool, error) {
	w, err := symDecorrelate(wInit)
	if err != nil {
		return nil, 0, false, err
	}
	k, n := x.Dims()

	var wx, gxt mat.Dense
	for iter := 1; iter <= maxIter; iter++ {
		wx.Mul(w, x)
		gPrime := g(&wx)

		gxt.Mul(&wx, x.T())
		gxt.Scale(1/float64(n), &gxt)
		for i := 0; i < k; i++ {
			row := gxt.RawRowView(i)
			floats.AddScaled(row, -gPrime[i], w.RawRowView(i))
		}

		w1, err := symDecorrelate(&gxt)
		if err != nil {
			return nil, iter, false, err
		}

		lim := 0.0
		for i := 0; i < k; i++ {
			d := math.Abs(math.Abs(floats.Dot(w1.RawRowView(i), w.RawRowView(i))) - 1)
			lim = math.Max(lim, d)
		}
		w = w1
		tracker.LogIteration(iter, -1, lim, tol)
		if lim < tol {
			return w, iter, true, nil
		}
	}
	return w, maxIter, false, nil
}

func icaDeflation(x *mat.Dense, g contrast, wInit *mat.Dense, maxIter int, tol float64, tracker *utils.ConvergenceTracker) (*mat.Dense, int, bool, error) {
	k, n := x.Dims()
	w := mat.NewDense(k, k, nil)
	converged := true
	totalIter := 0

	wx := mat.NewDense(1, n, nil)
	for j := 0; j < k; j++ {
		wj := make([]float64, k)
		copy(wj, wInit.RawRowView(j))
		floats.Scale(1/floats.Norm(wj, 2), wj)

		done := false
		for iter := 1; iter <= maxIter; iter++ {
			totalIter++
			wx.Mul(mat.NewDense(1, k, wj), x)
			gPrime := g(wx)[0]
			gwx := wx.RawRowView(0)

			// w1 = mean(x * g(w^T x)) - mean(g'(w^T x)) * w
			w1 := make([]float64, k)
			for r := 0; r < k; r++ {
				w1[r] = floats.Dot(x.RawRowView(r), gwx) / float64(n)
			}
			floats.AddScaled(w1, -gPrime, wj)

			// Gram-Schmidt against the components already found
			for prev := 0; prev < j; prev++ {
				wp := w.RawRowView(prev)
				floats.AddScaled(w1, -floats.Dot(w1, wp), wp)
			}
			floats.Scale(1/floats.Norm(w1, 2), w1)

			lim := math.Abs(math.Abs(floats.Dot(w1, wj)) - 1)
			wj = w1
			tracker.LogIteration(iter, j, lim, tol)
			if lim < tol {
				done = true
				break
			}
		}
		if !done {
			converged = false
		}
		w.SetRow(j, wj)
	}
	return w, totalIter, converged, nil
}
