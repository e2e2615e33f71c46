package factors

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/linalg"
)

// Axis selects the direction of the winner-takes-all reduction
type Axis int

const (
	// AxisRows picks a winner per column, searching down the rows.
	AxisRows Axis = 0
	// AxisCols picks a winner per row, searching across the columns.
	AxisCols Axis = 1
)

// WinnerTakesAll column-standardises x and labels each cell along axis with
// argmax+1 when the maximum exceeds z, else 0. AxisCols yields one label per
// row of x; AxisRows one per column.
func WinnerTakesAll(x mat.Matrix, axis Axis, z float64) ([]int, error) {
	std := linalg.ZScoreColumns(x)
	r, c := std.Dims()

	switch axis {
	case AxisCols:
		labels := make([]int, r)
		for i := 0; i < r; i++ {
			labels[i] = winner(std.RawRowView(i), z)
		}
		return labels, nil
	case AxisRows:
		labels := make([]int, c)
		col := make([]float64, r)
		for j := 0; j < c; j++ {
			mat.Col(col, j, std)
			labels[j] = winner(col, z)
		}
		return labels, nil
	}
	return nil, fmt.Errorf("winner-takes-all axis must be 0 or 1, got %d", axis)
}

func winner(v []float64, z float64) int {
	best, idx := math.Inf(-1), -1
	for i, x := range v {
		if x > best {
			best, idx = x, i
		}
	}
	if idx < 0 || !(best > z) {
		return 0
	}
	return idx + 1
}

// OneHot expands labels in [0, k] into an n x k indicator matrix. Label 0
// gives an all-zero row.
func OneHot(labels []int, k int) *mat.Dense {
	out := mat.NewDense(len(labels), k, nil)
	for i, l := range labels {
		if l > 0 && l <= k {
			out.Set(i, l-1, 1)
		}
	}
	return out
}

// GroupWTA labels every seed row of G and every target column of W. Both
// matrices are standardised per column as given: G per component, W per target.
func GroupWTA(g, w mat.Matrix, z float64) (gLabels, wLabels []int, err error) {
	gLabels, err = WinnerTakesAll(g, AxisCols, z)
	if err != nil {
		return nil, nil, err
	}
	wLabels, err = WinnerTakesAll(w, AxisRows, z)
	if err != nil {
		return nil, nil, err
	}
	return gLabels, wLabels, nil
}
