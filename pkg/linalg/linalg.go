// Package linalg collects the dense linear-algebra helpers shared by the
// decomposition and dual-regression packages. Everything is built on gonum/mat.
package linalg

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// ErrSVDFailed is returned when gonum's SVD does not converge.
var ErrSVDFailed = errors.New("linalg: SVD did not converge")

// Pinv returns the Moore-Penrose pseudoinverse of a (m x n) as an n x m matrix.
// Singular values below max(m,n)*eps*sigma_max are treated as zero.
func Pinv(a mat.Matrix) (*mat.Dense, error) {
	m, n := a.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, ErrSVDFailed
	}
	s := svd.Values(nil)

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	cutoff := 0.0
	if len(s) > 0 {
		cutoff = float64(max(m, n)) * eps * s[0]
	}

	// V * diag(1/s), columns past the cutoff zeroed
	_, r := v.Dims()
	for j := 0; j < r; j++ {
		inv := 0.0
		if s[j] > cutoff {
			inv = 1 / s[j]
		}
		for i := 0; i < n; i++ {
			v.Set(i, j, v.At(i, j)*inv)
		}
	}

	pinv := mat.NewDense(n, m, nil)
	pinv.Mul(&v, u.T())
	return pinv, nil
}

var eps = math.Nextafter(1, 2) - 1

// Transpose returns a dense copy of a's transpose
func Transpose(a mat.Matrix) *mat.Dense {
	return mat.DenseCopyOf(a.T())
}

// RowMeans returns the mean of each row of a
func RowMeans(a *mat.Dense) []float64 {
	r, _ := a.Dims()
	means := make([]float64, r)
	for i := 0; i < r; i++ {
		means[i] = stat.Mean(a.RawRowView(i), nil)
	}
	return means
}

// ColumnMeans returns the mean of each column of a
func ColumnMeans(a mat.Matrix) []float64 {
	r, c := a.Dims()
	means := make([]float64, c)
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, a)
		means[j] = stat.Mean(col, nil)
	}
	return means
}

// ZScoreColumns returns a copy of a with every column standardised to mean 0 and
// unit population variance. Columns with zero variance are copied unchanged.
func ZScoreColumns(a mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(a)
	r, c := out.Dims()
	col := make([]float64, r)
	for j := 0; j < c; j++ {
		mat.Col(col, j, out)
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		for i := range col {
			col[i] = (col[i] - mean) / std
		}
		out.SetCol(j, col)
	}
	return out
}

// ZScoreRows returns a copy of a with every row standardised. Equivalent to
// z-scoring the columns of the transpose.
func ZScoreRows(a mat.Matrix) *mat.Dense {
	out := mat.DenseCopyOf(a)
	r, _ := out.Dims()
	for i := 0; i < r; i++ {
		row := out.RawRowView(i)
		mean, std := stat.PopMeanStdDev(row, nil)
		if std == 0 || math.IsNaN(std) {
			continue
		}
		floats.AddConst(-mean, row)
		floats.Scale(1/std, row)
	}
	return out
}

// RelativeError returns ||C - G*W||_F / ||C||_F. A zero C yields ||G*W||_F.
func RelativeError(c, g, w mat.Matrix) float64 {
	var gw mat.Dense
	gw.Mul(g, w)
	gw.Sub(c, &gw)
	num := mat.Norm(&gw, 2)
	den := mat.Norm(c, 2)
	if den == 0 {
		return num
	}
	return num / den
}
