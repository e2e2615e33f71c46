package nmf

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
)

// Initialisation schemes
const (
	InitNNDSVD   = "nndsvd"
	InitNNDSVDA  = "nndsvda"
	InitNNDSVDAR = "nndsvdar"
	InitRandom   = "random"
)

// nndsvdFloor zeroes tiny NNDSVD entries
const nndsvdFloor = 1e-6

// initialise returns starting factors G (S x k) and W (k x T) for C.
func initialise(c *mat.Dense, k int, scheme string, rng *rand.Rand) (*mat.Dense, *mat.Dense, error) {
	s, t := c.Dims()
	switch scheme {
	case InitRandom:
		return randomInit(c, k, rng)
	case InitNNDSVD, InitNNDSVDA, InitNNDSVDAR:
		if k > min(s, t) {
			return nil, nil, fmt.Errorf("init %s needs n_components <= min(%d, %d), got %d: %w", scheme, s, t, k, models.ErrInvalidRank)
		}
	default:
		return nil, nil, fmt.Errorf("unknown NMF init %q (want nndsvd, nndsvda, nndsvdar or random)", scheme)
	}

	g, w, err := nndsvd(c, k, rng)
	if err != nil {
		return nil, nil, err
	}

	avg := mat.Sum(c) / float64(s*t)
	switch scheme {
	case InitNNDSVDA:
		fillZeros(g, func() float64 { return avg })
		fillZeros(w, func() float64 { return avg })
	case InitNNDSVDAR:
		fill := func() float64 { return math.Abs(avg * rng.NormFloat64() / 100) }
		fillZeros(g, fill)
		fillZeros(w, fill)
	}
	return g, w, nil
}

func randomInit(c *mat.Dense, k int, rng *rand.Rand) (*mat.Dense, *mat.Dense, error) {
	s, t := c.Dims()
	avg := math.Sqrt(mat.Sum(c) / float64(s*t) / float64(k))

	w := mat.NewDense(k, t, nil)
	for i, raw := 0, w.RawMatrix().Data; i < len(raw); i++ {
		raw[i] = math.Abs(avg * rng.NormFloat64())
	}
	g := mat.NewDense(s, k, nil)
	for i, raw := 0, g.RawMatrix().Data; i < len(raw); i++ {
		raw[i] = math.Abs(avg * rng.NormFloat64())
	}
	return g, w, nil
}

// nndsvd is the non-negative double SVD of Boutsidis and Gallopoulos.
func nndsvd(c *mat.Dense, k int, rng *rand.Rand) (*mat.Dense, *mat.Dense, error) {
	s, t := c.Dims()
	svd, err := linalg.TruncatedSVD(c, k, rng)
	if err != nil {
		return nil, nil, err
	}

	g := mat.NewDense(s, k, nil)
	w := mat.NewDense(k, t, nil)

	x := make([]float64, s)
	y := make([]float64, t)

	mat.Col(x, 0, svd.U)
	mat.Col(y, 0, svd.V)
	root := math.Sqrt(svd.S[0])
	for i := range x {
		g.Set(i, 0, root*math.Abs(x[i]))
	}
	for j := range y {
		w.Set(0, j, root*math.Abs(y[j]))
	}

	xp, xn := make([]float64, s), make([]float64, s)
	yp, yn := make([]float64, t), make([]float64, t)
	for comp := 1; comp < k; comp++ {
		mat.Col(x, comp, svd.U)
		mat.Col(y, comp, svd.V)
		splitSigns(x, xp, xn)
		splitSigns(y, yp, yn)

		xpn, ypn := floats.Norm(xp, 2), floats.Norm(yp, 2)
		xnn, ynn := floats.Norm(xn, 2), floats.Norm(yn, 2)
		mp, mn := xpn*ypn, xnn*ynn

		u, v := xp, yp
		un, vn, sigma := xpn, ypn, mp
		if mp <= mn {
			u, v = xn, yn
			un, vn, sigma = xnn, ynn, mn
		}
		if sigma == 0 {
			continue
		}

		lbd := math.Sqrt(svd.S[comp] * sigma)
		for i := range u {
			g.Set(i, comp, lbd*u[i]/un)
		}
		for j := range v {
			w.Set(comp, j, lbd*v[j]/vn)
		}
	}

	floorSmall(g)
	floorSmall(w)
	return g, w, nil
}

func splitSigns(x, pos, neg []float64) {
	for i, v := range x {
		pos[i] = math.Max(v, 0)
		neg[i] = math.Abs(math.Min(v, 0))
	}
}

func floorSmall(m *mat.Dense) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j, v := range row {
			if v < nndsvdFloor {
				row[j] = 0
			}
		}
	}
}

func fillZeros(m *mat.Dense, value func() float64) {
	raw := m.RawMatrix()
	for i := 0; i < raw.Rows; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+raw.Cols]
		for j, v := range row {
			if v == 0 {
				row[j] = value()
			}
		}
	}
}
