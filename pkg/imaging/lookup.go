// Package imaging maps factor matrices to and from brain images: W through
// the target-space lookup volume, G through the seed coordinate table onto
// each seed's volume or surface.
package imaging

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/nifti"
)

// Lookup is a validated target-space lookup volume. Voxel value v > 0 is
// the 1-based column of the connectivity matrix for that voxel.
type Lookup struct {
	Image *nifti.Image
	// voxels[j] is the offset in the first volume of the voxel of column j
	voxels []int
}

// NewLookup checks that the positive values of the first volume of img are
// exactly {1..T}.
func NewLookup(img *nifti.Image) (*Lookup, error) {
	x, y, z := img.SpatialShape()
	n := x * y * z
	voxels := make([]int, 0)
	seen := make(map[int]int)
	for i, v := range img.Data[:n] {
		if v <= 0 {
			continue
		}
		if v != math.Trunc(v) {
			return nil, fmt.Errorf("lookup voxel %d has non-integer value %g: %w", i, v, models.ErrLookupShapeMismatch)
		}
		col := int(v)
		if prev, dup := seen[col]; dup {
			return nil, fmt.Errorf("lookup value %d appears at voxels %d and %d: %w", col, prev, i, models.ErrLookupShapeMismatch)
		}
		seen[col] = i
		voxels = append(voxels, i)
	}

	ordered := make([]int, len(voxels))
	for col, voxel := range seen {
		if col > len(voxels) {
			return nil, fmt.Errorf("lookup value %d exceeds the %d target voxels: %w", col, len(voxels), models.ErrLookupShapeMismatch)
		}
		ordered[col-1] = voxel
	}
	return &Lookup{Image: img, voxels: ordered}, nil
}

// Targets returns T, the number of target voxels
func (l *Lookup) Targets() int { return len(l.voxels) }

// MatrixToVolume places W (K x T) into an X x Y x Z x K volume on the lookup
// grid. Non-target voxels are zero.
func MatrixToVolume(w mat.Matrix, l *Lookup) (*nifti.Image, error) {
	k, t := w.Dims()
	if t != l.Targets() {
		return nil, fmt.Errorf("W has %d targets, lookup has %d: %w", t, l.Targets(), models.ErrLookupShapeMismatch)
	}
	x, y, z := l.Image.SpatialShape()
	out, err := nifti.New(l.Image.Header, []int{x, y, z, k}, nifti.DTFloat32)
	if err != nil {
		return nil, err
	}
	out.Header.IntentCode = nifti.IntentTimeSeries

	spatial := x * y * z
	for c := 0; c < k; c++ {
		vol := out.Data[c*spatial : (c+1)*spatial]
		for j, voxel := range l.voxels {
			vol[voxel] = w.At(c, j)
		}
	}
	return out, nil
}

// VolumeToMatrix reads a K-volume image on the lookup grid back into W (K x T).
func VolumeToMatrix(v *nifti.Image, l *Lookup) (*mat.Dense, error) {
	x, y, z := v.SpatialShape()
	lx, ly, lz := l.Image.SpatialShape()
	if x != lx || y != ly || z != lz {
		return nil, fmt.Errorf("volume grid (%d, %d, %d) differs from lookup grid (%d, %d, %d): %w",
			x, y, z, lx, ly, lz, models.ErrLookupShapeMismatch)
	}

	k := v.Volumes()
	spatial := x * y * z
	w := mat.NewDense(k, l.Targets(), nil)
	for c := 0; c < k; c++ {
		vol := v.Data[c*spatial : (c+1)*spatial]
		row := w.RawRowView(c)
		for j, voxel := range l.voxels {
			row[j] = vol[voxel]
		}
	}
	return w, nil
}
