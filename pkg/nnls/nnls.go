// Package nnls solves non-negative least squares problems
//
//	min ||A x - b||^2  subject to  x >= 0
//
// with the Lawson-Hanson active-set method working on the normal equations.
// A Solver factors out A^T A once so that many right-hand sides sharing the
// same design matrix, as in dual regression, cost one K x K system each.
package nnls

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/linalg"
)

// ErrMaxIter is returned with the current iterate when the active set did not settle.
var ErrMaxIter = errors.New("nnls: iteration limit reached")

var eps = math.Nextafter(1, 2) - 1

// Solver holds the Gram matrix of a design matrix A (m x n).
type Solver struct {
	ata     *mat.SymDense
	n       int
	tol     float64
	maxIter int
}

// NewSolver precomputes A^T A for a
func NewSolver(a mat.Matrix) *Solver {
	_, n := a.Dims()
	ata := mat.NewSymDense(n, nil)
	ata.SymOuterK(1, a.T())
	return NewSolverFromGram(ata)
}

// NewSolverFromGram wraps an existing Gram matrix A^T A
func NewSolverFromGram(ata *mat.SymDense) *Solver {
	n := ata.SymmetricDim()

	// 1-norm of the Gram matrix sets the scale of the dual tolerance
	norm1 := 0.0
	for j := 0; j < n; j++ {
		sum := 0.0
		for i := 0; i < n; i++ {
			sum += math.Abs(ata.At(i, j))
		}
		norm1 = math.Max(norm1, sum)
	}

	return &Solver{
		ata:     ata,
		n:       n,
		tol:     10 * eps * norm1 * float64(max(n, 1)),
		maxIter: 3 * max(n, 1),
	}
}

// Dim returns the number of unknowns
func (s *Solver) Dim() int { return s.n }

// Solve returns the non-negative minimiser for the right-hand side given as
// atb = A^T b. On ErrMaxIter the returned x is still feasible.
func (s *Solver) Solve(atb []float64) ([]float64, error) {
	n := s.n
	x := make([]float64, n)
	passive := make([]bool, n)
	w := make([]float64, n)
	copy(w, atb)

	for iter := 0; ; iter++ {
		j := -1
		best := s.tol
		for i := 0; i < n; i++ {
			if !passive[i] && w[i] > best {
				best, j = w[i], i
			}
		}
		if j < 0 {
			return x, nil
		}
		if iter >= s.maxIter {
			return x, ErrMaxIter
		}
		passive[j] = true

		z := s.subsystem(passive, atb)

		// Step back along x -> z until every passive entry is positive.
		for inner := 0; inner <= n; inner++ {
			alpha, blocking := math.Inf(1), -1
			for i := 0; i < n; i++ {
				if passive[i] && z[i] <= 0 {
					if a := x[i] / (x[i] - z[i]); a < alpha {
						alpha, blocking = a, i
					}
				}
			}
			if blocking < 0 {
				break
			}
			for i := 0; i < n; i++ {
				x[i] += alpha * (z[i] - x[i])
				if passive[i] && (i == blocking || x[i] <= 0) {
					passive[i] = false
					x[i] = 0
				}
			}
			z = s.subsystem(passive, atb)
		}
		copy(x, z)

		// w = A^T b - A^T A x
		copy(w, atb)
		for r := 0; r < n; r++ {
			row := 0.0
			for c := 0; c < n; c++ {
				row += s.ata.At(r, c) * x[c]
			}
			w[r] -= row
		}
	}
}

// subsystem solves the normal equations restricted to the passive set and
// returns a full-length vector with zeros elsewhere.
func (s *Solver) subsystem(passive []bool, atb []float64) []float64 {
	idx := make([]int, 0, s.n)
	for i, p := range passive {
		if p {
			idx = append(idx, i)
		}
	}
	out := make([]float64, s.n)
	if len(idx) == 0 {
		return out
	}

	k := len(idx)
	sub := mat.NewSymDense(k, nil)
	rhs := mat.NewVecDense(k, nil)
	for a, i := range idx {
		rhs.SetVec(a, atb[i])
		for b := a; b < k; b++ {
			sub.SetSym(a, b, s.ata.At(i, idx[b]))
		}
	}

	var sol mat.VecDense
	var chol mat.Cholesky
	if chol.Factorize(sub) {
		if err := chol.SolveVecTo(&sol, rhs); err == nil {
			scatter(out, idx, sol.RawVector().Data)
			return out
		}
	}

	// Rank-deficient passive set
	pinv, err := linalg.Pinv(sub)
	if err != nil {
		return out
	}
	sol.MulVec(pinv, rhs)
	scatter(out, idx, sol.RawVector().Data)
	return out
}

func scatter(dst []float64, idx []int, vals []float64) {
	for a, i := range idx {
		dst[i] = vals[a]
	}
}

// Residual returns ||A x - b||_2
func Residual(a mat.Matrix, x, b []float64) float64 {
	m, _ := a.Dims()
	ax := mat.NewVecDense(m, nil)
	ax.MulVec(a, mat.NewVecDense(len(x), x))
	r := make([]float64, m)
	floats.SubTo(r, ax.RawVector().Data, b)
	return floats.Norm(r, 2)
}
