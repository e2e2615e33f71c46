package linalg

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Truncated holds the leading k singular triplets of a matrix A ≈ U diag(S) V^T.
type Truncated struct {
	U *mat.Dense // m x k
	S []float64
	V *mat.Dense // n x k
}

// exactSVDLimit is the smaller dimension below which TruncatedSVD factorises exactly
const exactSVDLimit = 512

// TruncatedSVD returns the top k singular triplets of a. Small matrices are
// factorised exactly; larger ones use a randomized range finder with power
// iterations, drawing the test matrix from rng.
func TruncatedSVD(a mat.Matrix, k int, rng *rand.Rand) (*Truncated, error) {
	m, n := a.Dims()
	k = min(k, m, n)
	if min(m, n) <= exactSVDLimit || rng == nil {
		return exactTruncated(a, k)
	}

	l := min(k+10, m, n)
	powerIter := 4
	if float64(k) < 0.1*float64(min(m, n)) {
		powerIter = 7
	}

	omega := mat.NewDense(n, l, nil)
	raw := omega.RawMatrix().Data
	for i := range raw {
		raw[i] = rng.NormFloat64()
	}

	q := mat.NewDense(m, l, nil)
	q.Mul(a, omega)
	OrthonormalizeColumns(q)

	z := mat.NewDense(n, l, nil)
	for i := 0; i < powerIter; i++ {
		z.Mul(a.T(), q)
		OrthonormalizeColumns(z)
		q.Mul(a, z)
		OrthonormalizeColumns(q)
	}

	// B = Q^T A is small (l x n)
	b := mat.NewDense(l, n, nil)
	b.Mul(q.T(), a)

	var svd mat.SVD
	if ok := svd.Factorize(b, mat.SVDThin); !ok {
		return nil, ErrSVDFailed
	}
	s := svd.Values(nil)
	var ub, v mat.Dense
	svd.UTo(&ub)
	svd.VTo(&v)

	u := mat.NewDense(m, k, nil)
	u.Mul(q, ub.Slice(0, l, 0, k))
	return &Truncated{
		U: u,
		S: s[:k],
		V: mat.DenseCopyOf(v.Slice(0, n, 0, k)),
	}, nil
}

func exactTruncated(a mat.Matrix, k int) (*Truncated, error) {
	m, n := a.Dims()
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, ErrSVDFailed
	}
	s := svd.Values(nil)
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	return &Truncated{
		U: mat.DenseCopyOf(u.Slice(0, m, 0, k)),
		S: s[:k],
		V: mat.DenseCopyOf(v.Slice(0, n, 0, k)),
	}, nil
}

// OrthonormalizeColumns applies modified Gram-Schmidt to the columns of y in
// place. Columns that collapse to zero are left zero.
func OrthonormalizeColumns(y *mat.Dense) {
	_, c := y.Dims()
	cols := make([][]float64, c)
	for j := 0; j < c; j++ {
		cols[j] = mat.Col(nil, j, y)
	}
	for j := 0; j < c; j++ {
		for p := 0; p < j; p++ {
			floats.AddScaled(cols[j], -floats.Dot(cols[j], cols[p]), cols[p])
		}
		norm := floats.Norm(cols[j], 2)
		if norm < 1e-12 || math.IsNaN(norm) {
			for i := range cols[j] {
				cols[j][i] = 0
			}
		} else {
			floats.Scale(1/norm, cols[j])
		}
		y.SetCol(j, cols[j])
	}
}
