// Package factors post-processes factor matrices: ICA sign orientation,
// z-score normalisation and winner-takes-all labelling.
package factors

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

// RowSigns returns, for each row of x, +1 or -1 so that the row's heavy
// tail is positive. Only entries with |x| > thr are considered. Rows with no
// surviving entries, or with equal positive and negative magnitude means, get +1.
func RowSigns(x mat.Matrix, thr float64) []float64 {
	r, c := x.Dims()
	signs := make([]float64, r)
	for i := 0; i < r; i++ {
		signs[i] = 1

		var posSum, negSum float64
		var posN, negN int
		for j := 0; j < c; j++ {
			v := x.At(i, j)
			if math.Abs(v) <= thr {
				continue
			}
			if v > 0 {
				posSum += v
				posN++
			} else {
				negSum -= v
				negN++
			}
		}
		if posN+negN == 0 {
			continue
		}

		var posMean, negMean float64
		if posN > 0 {
			posMean = posSum / float64(posN)
		}
		if negN > 0 {
			negMean = negSum / float64(negN)
		}
		if posMean < negMean {
			signs[i] = -1
		}
	}
	return signs
}

// SignFlip returns a copy of x with every row re-oriented by RowSigns
func SignFlip(x mat.Matrix, thr float64) *mat.Dense {
	out := mat.DenseCopyOf(x)
	for i, s := range RowSigns(x, thr) {
		if s < 0 {
			row := out.RawRowView(i)
			for j := range row {
				row[j] = -row[j]
			}
		}
	}
	return out
}

// SignFlipPair orients each component by the rows of W and applies the same
// sign to the matching column of G, so G*W is unchanged.
func SignFlipPair(p models.FactorPair, thr float64) models.FactorPair {
	signs := RowSigns(p.W, thr)

	w := mat.DenseCopyOf(p.W)
	g := mat.DenseCopyOf(p.G)
	s, _ := g.Dims()
	for k, sign := range signs {
		if sign > 0 {
			continue
		}
		row := w.RawRowView(k)
		for j := range row {
			row[j] = -row[j]
		}
		for i := 0; i < s; i++ {
			g.Set(i, k, -g.At(i, k))
		}
	}
	return models.FactorPair{G: g, W: w}
}
