package imaging

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/gifti"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/nifti"
)

// SeedSpace is the geometry of one seed together with the matrix rows it owns
type SeedSpace struct {
	Seed    models.Seed
	Volume  *nifti.Image
	Surface *gifti.Image
	// Mask marks the surface vertices present as matrix rows
	Mask []bool
	Rows []int

	// offsets[j] is the voxel offset (volume) or vertex index (surface) of Rows[j]
	offsets []int
}

// NewVolumeSpace binds a volume seed to its rows. The row count must equal
// the number of non-zero seed voxels and every coordinate must name a
// distinct non-zero voxel of the seed.
func NewVolumeSpace(seed models.Seed, img *nifti.Image, rows []int, coords CoordTable) (*SeedSpace, error) {
	x, y, z := img.SpatialShape()
	nonzero := 0
	for _, v := range img.Data[:x*y*z] {
		if v != 0 {
			nonzero++
		}
	}
	if nonzero != len(rows) {
		return nil, fmt.Errorf("seed %s has %d voxels, coordinate table assigns %d rows: %w",
			seed.Name(), nonzero, len(rows), models.ErrLookupShapeMismatch)
	}

	offsets := make([]int, len(rows))
	seen := make(map[int]int, len(rows))
	for j, r := range rows {
		c := coords[r]
		if c.X < 0 || c.X >= x || c.Y < 0 || c.Y >= y || c.Z < 0 || c.Z >= z {
			return nil, fmt.Errorf("row %d at (%d, %d, %d) lies outside seed %s grid (%d, %d, %d): %w",
				r, c.X, c.Y, c.Z, seed.Name(), x, y, z, models.ErrLookupShapeMismatch)
		}
		off := c.X + x*(c.Y+y*c.Z)
		if img.Data[off] == 0 {
			return nil, fmt.Errorf("row %d at (%d, %d, %d) is outside seed %s: %w: %w",
				r, c.X, c.Y, c.Z, seed.Name(), models.ErrLookupShapeMismatch, models.ErrShapeMismatch)
		}
		if prev, ok := seen[off]; ok {
			return nil, fmt.Errorf("rows %d and %d of seed %s share voxel (%d, %d, %d): %w: %w",
				prev, r, seed.Name(), c.X, c.Y, c.Z, models.ErrLookupShapeMismatch, models.ErrShapeMismatch)
		}
		seen[off] = r
		offsets[j] = off
	}
	return &SeedSpace{Seed: seed, Volume: img, Rows: rows, offsets: offsets}, nil
}

// NewSurfaceSpace binds a surface seed to its rows. A nil mask selects every
// vertex; otherwise its length must match the mesh and its non-zero count
// the row count.
func NewSurfaceSpace(seed models.Seed, surf *gifti.Image, mask []bool, rows []int) (*SeedSpace, error) {
	vertices, err := surf.VertexCount()
	if err != nil {
		return nil, fmt.Errorf("seed %s: %v: %w", seed.Name(), err, models.ErrLookupShapeMismatch)
	}
	if mask == nil {
		mask = make([]bool, vertices)
		for i := range mask {
			mask[i] = true
		}
	}
	if len(mask) != vertices {
		return nil, fmt.Errorf("mask for seed %s has %d entries, surface has %d vertices: %w",
			seed.Name(), len(mask), vertices, models.ErrLookupShapeMismatch)
	}

	offsets := make([]int, 0, len(rows))
	for i, m := range mask {
		if m {
			offsets = append(offsets, i)
		}
	}
	if len(offsets) != len(rows) {
		return nil, fmt.Errorf("mask for seed %s selects %d vertices, coordinate table assigns %d rows: %w",
			seed.Name(), len(offsets), len(rows), models.ErrLookupShapeMismatch)
	}
	return &SeedSpace{Seed: seed, Surface: surf, Mask: mask, Rows: rows, offsets: offsets}, nil
}

// LoadSeedSpaces reads every seed image and mask and partitions the
// coordinate table rows between them.
func LoadSeedSpaces(seeds []models.Seed, coords CoordTable) ([]*SeedSpace, error) {
	rows, err := coords.SeedRows(len(seeds))
	if err != nil {
		return nil, err
	}

	spaces := make([]*SeedSpace, len(seeds))
	for i, seed := range seeds {
		var space *SeedSpace
		switch seed.Kind {
		case models.SeedSurface:
			surf, err := gifti.ReadFile(seed.Path)
			if err != nil {
				return nil, err
			}
			var mask []bool
			if seed.MaskPath != "" {
				if mask, err = ReadMask(seed.MaskPath); err != nil {
					return nil, err
				}
			}
			space, err = NewSurfaceSpace(seed, surf, mask, rows[i])
			if err != nil {
				return nil, err
			}
		default:
			img, err := nifti.ReadFile(seed.Path)
			if err != nil {
				return nil, err
			}
			space, err = NewVolumeSpace(seed, img, rows[i], coords)
			if err != nil {
				return nil, err
			}
		}
		spaces[i] = space
	}
	return spaces, nil
}

// NumRows returns the total number of matrix rows owned by spaces
func NumRows(spaces []*SeedSpace) int {
	n := 0
	for _, s := range spaces {
		n += len(s.Rows)
	}
	return n
}

// SeedMap is one seed's slice of G in image form: a X x Y x Z x K volume, or
// K per-vertex arrays spanning the whole mesh.
type SeedMap struct {
	Space    *SeedSpace
	Volume   *nifti.Image
	Vertices [][]float64
}

// MatrixToSeeds splits G (S x K) into per-seed images. Entries outside a
// seed's rows stay zero.
func MatrixToSeeds(g mat.Matrix, spaces []*SeedSpace) ([]SeedMap, error) {
	s, k := g.Dims()
	if total := NumRows(spaces); total != s {
		return nil, fmt.Errorf("G has %d rows, seeds own %d: %w", s, total, models.ErrLookupShapeMismatch)
	}

	maps := make([]SeedMap, len(spaces))
	for i, space := range spaces {
		m := SeedMap{Space: space}
		if space.Surface != nil {
			m.Vertices = make([][]float64, k)
			for c := 0; c < k; c++ {
				col := make([]float64, len(space.Mask))
				for j, r := range space.Rows {
					col[space.offsets[j]] = g.At(r, c)
				}
				m.Vertices[c] = col
			}
		} else {
			x, y, z := space.Volume.SpatialShape()
			img, err := nifti.New(space.Volume.Header, []int{x, y, z, k}, nifti.DTFloat32)
			if err != nil {
				return nil, err
			}
			img.Header.IntentCode = nifti.IntentTimeSeries
			spatial := x * y * z
			for c := 0; c < k; c++ {
				vol := img.Data[c*spatial : (c+1)*spatial]
				for j, r := range space.Rows {
					vol[space.offsets[j]] = g.At(r, c)
				}
			}
			m.Volume = img
		}
		maps[i] = m
	}
	return maps, nil
}

// SeedsToMatrix gathers per-seed images back into G (S x K)
func SeedsToMatrix(maps []SeedMap) (*mat.Dense, error) {
	if len(maps) == 0 {
		return nil, fmt.Errorf("no seed images: %w", models.ErrInputMissing)
	}
	spaces := make([]*SeedSpace, len(maps))
	for i, m := range maps {
		spaces[i] = m.Space
	}

	k := -1
	for _, m := range maps {
		mk := len(m.Vertices)
		if m.Volume != nil {
			mk = m.Volume.Volumes()
		}
		if k >= 0 && mk != k {
			return nil, fmt.Errorf("seed %s has %d components, expected %d: %w", m.Space.Seed.Name(), mk, k, models.ErrShapeMismatch)
		}
		k = mk
	}

	g := mat.NewDense(NumRows(spaces), k, nil)
	for _, m := range maps {
		space := m.Space
		if m.Volume != nil {
			x, y, z := m.Volume.SpatialShape()
			sx, sy, sz := space.Volume.SpatialShape()
			if x != sx || y != sy || z != sz {
				return nil, fmt.Errorf("image for seed %s has grid (%d, %d, %d), seed has (%d, %d, %d): %w",
					space.Seed.Name(), x, y, z, sx, sy, sz, models.ErrLookupShapeMismatch)
			}
			spatial := x * y * z
			for c := 0; c < k; c++ {
				vol := m.Volume.Data[c*spatial : (c+1)*spatial]
				for j, r := range space.Rows {
					g.Set(r, c, vol[space.offsets[j]])
				}
			}
			continue
		}
		for c, col := range m.Vertices {
			if len(col) != len(space.Mask) {
				return nil, fmt.Errorf("array %d for seed %s has %d vertices, surface has %d: %w",
					c, space.Seed.Name(), len(col), len(space.Mask), models.ErrLookupShapeMismatch)
			}
			for j, r := range space.Rows {
				g.Set(r, c, col[space.offsets[j]])
			}
		}
	}
	return g, nil
}
