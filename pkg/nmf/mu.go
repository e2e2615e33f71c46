package nmf

import (
	"context"
	"math"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// muEps guards divisions and logarithms in the beta divergences
const muEps = 2.220446049250313e-16

// multiplicativeUpdate runs the beta-divergence multiplicative updates in place.
// The divergence is checked every 10 iterations; the run stops when its
// relative decrease since the last check falls below tol.
func multiplicativeUpdate(ctx context.Context, c, g, w *mat.Dense, beta float64, pen penalties, maxIter int, tol float64, logger zerolog.Logger, tracker *utils.ConvergenceTracker) (Statistics, error) {
	gamma := 1.0
	switch {
	case beta < 1:
		gamma = 1 / (2 - beta)
	case beta > 2:
		gamma = 1 / (beta - 1)
	}

	errInit := betaDivergence(c, g, w, beta)
	prevErr := errInit

	stats := Statistics{}
	if errInit == 0 {
		stats.Converged = true
		return stats, nil
	}
	for iter := 1; iter <= maxIter; iter++ {
		if err := cancelled(ctx); err != nil {
			return stats, err
		}
		stats.Iterations = iter

		updateG(c, g, w, beta, pen.l1G, pen.l2G, gamma)
		updateW(c, g, w, beta, pen.l1W, pen.l2W, gamma)
		if beta < 1 {
			zeroBelow(g, muEps)
			zeroBelow(w, muEps)
		}

		if tol > 0 && iter%10 == 0 {
			cur := betaDivergence(c, g, w, beta)
			decrease := (prevErr - cur) / errInit
			tracker.LogIteration(iter, -1, decrease, tol)
			logger.Debug().Int("iteration", iter).Float64("divergence", cur).Msg("NMF progress")
			if decrease < tol {
				stats.Converged = true
				break
			}
			prevErr = cur
		}
	}
	return stats, nil
}

// updateG applies one multiplicative step to g (S x k)
func updateG(c, g, w *mat.Dense, beta, l1, l2, gamma float64) {
	s, k := g.Dims()
	numer := mat.NewDense(s, k, nil)
	denom := mat.NewDense(s, k, nil)

	switch beta {
	case 2:
		numer.Mul(c, w.T())
		var wwt mat.Dense
		wwt.Mul(w, w.T())
		denom.Mul(g, &wwt)
	case 1:
		ratio := safeProduct(g, w)
		quotient(c, ratio)
		numer.Mul(ratio, w.T())
		// Row sums of W broadcast down the rows
		sums := make([]float64, k)
		for r := 0; r < k; r++ {
			sums[r] = floats.Sum(w.RawRowView(r))
		}
		for i := 0; i < s; i++ {
			copy(denom.RawRowView(i), sums)
		}
	default:
		gw := safeProduct(g, w)
		pw := powered(gw, beta-2)
		pw.MulElem(pw, c)
		numer.Mul(pw, w.T())
		denom.Mul(powered(gw, beta-1), w.T())
	}

	applyStep(g, numer, denom, l1, l2, gamma)
}

// updateW applies one multiplicative step to w (k x T)
func updateW(c, g, w *mat.Dense, beta, l1, l2, gamma float64) {
	k, t := w.Dims()
	numer := mat.NewDense(k, t, nil)
	denom := mat.NewDense(k, t, nil)

	switch beta {
	case 2:
		numer.Mul(g.T(), c)
		var gtg mat.Dense
		gtg.Mul(g.T(), g)
		denom.Mul(&gtg, w)
	case 1:
		ratio := safeProduct(g, w)
		quotient(c, ratio)
		numer.Mul(g.T(), ratio)
		// Column sums of G broadcast along the columns
		s, _ := g.Dims()
		col := make([]float64, s)
		for r := 0; r < k; r++ {
			sum := floats.Sum(mat.Col(col, r, g))
			row := denom.RawRowView(r)
			for j := range row {
				row[j] = sum
			}
		}
	default:
		gw := safeProduct(g, w)
		pw := powered(gw, beta-2)
		pw.MulElem(pw, c)
		numer.Mul(g.T(), pw)
		denom.Mul(g.T(), powered(gw, beta-1))
	}

	applyStep(w, numer, denom, l1, l2, gamma)
}

// applyStep sets x *= (numer / (denom + l1 + l2 x))^gamma
func applyStep(x, numer, denom *mat.Dense, l1, l2, gamma float64) {
	r, c := x.Dims()
	for i := 0; i < r; i++ {
		xr := x.RawRowView(i)
		nr := numer.RawRowView(i)
		dr := denom.RawRowView(i)
		for j := 0; j < c; j++ {
			d := dr[j] + l1 + l2*xr[j]
			if d == 0 {
				d = muEps
			}
			delta := nr[j] / d
			if gamma != 1 {
				delta = math.Pow(delta, gamma)
			}
			xr[j] *= delta
		}
	}
}

// safeProduct returns g*w with exact zeros replaced by muEps
func safeProduct(g, w *mat.Dense) *mat.Dense {
	var gw mat.Dense
	gw.Mul(g, w)
	gw.Apply(func(_, _ int, v float64) float64 {
		if v == 0 {
			return muEps
		}
		return v
	}, &gw)
	return &gw
}

// quotient stores c / dst into dst
func quotient(c, dst *mat.Dense) {
	dst.Apply(func(i, j int, v float64) float64 {
		return c.At(i, j) / v
	}, dst)
}

func powered(a *mat.Dense, p float64) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Pow(v, p) }, a)
	return &out
}

func zeroBelow(m *mat.Dense, floor float64) {
	m.Apply(func(_, _ int, v float64) float64 {
		if v < floor {
			return 0
		}
		return v
	}, m)
}

// betaDivergence returns sqrt(2 * D_beta(C || G W))
func betaDivergence(c, g, w *mat.Dense, beta float64) float64 {
	var gw mat.Dense
	gw.Mul(g, w)

	res := 0.0
	switch beta {
	case 2:
		var diff mat.Dense
		diff.Sub(c, &gw)
		n := mat.Norm(&diff, 2)
		res = n * n / 2
	case 1:
		res = mat.Sum(&gw) - mat.Sum(c)
		r, cols := c.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				x := c.At(i, j)
				if x <= muEps {
					continue
				}
				res += x * math.Log(x/math.Max(gw.At(i, j), muEps))
			}
		}
	default:
		r, cols := c.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < cols; j++ {
				x := c.At(i, j)
				if x <= muEps {
					continue
				}
				div := x / math.Max(gw.At(i, j), muEps)
				res += div - math.Log(div) - 1
			}
		}
	}
	return math.Sqrt(2 * math.Max(res, 0))
}
