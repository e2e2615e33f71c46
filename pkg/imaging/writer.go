package imaging

import (
	"fmt"
	"path/filepath"

	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/gifti"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/nifti"
)

// Writer serialises factor matrices and label maps as images
type Writer interface {
	WriteW(w mat.Matrix, path string) error
	WriteG(g mat.Matrix, dir, prefix string) ([]string, error)
	WriteLabels(gLabels, wLabels []int, k int, dir, wName, gPrefix string) error
	WriteAll(p models.FactorPair, dir, wName, gPrefix string) error
}

// FileWriter writes W on the lookup grid and G onto each seed's image
type FileWriter struct {
	lookup *Lookup
	spaces []*SeedSpace
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter creates a writer for the given target and seed geometry
func NewFileWriter(lookup *Lookup, spaces []*SeedSpace) *FileWriter {
	return &FileWriter{lookup: lookup, spaces: spaces}
}

// WPath returns the file name of a W image
func WPath(dir, name string) string {
	return filepath.Join(dir, name+".nii.gz")
}

// GPath returns the file name of the G image of one seed
func GPath(dir, prefix string, space *SeedSpace) string {
	base := fmt.Sprintf("%s_%s", prefix, space.Seed.Name())
	if space.Surface != nil {
		return filepath.Join(dir, base+".func.gii")
	}
	return filepath.Join(dir, base+".nii.gz")
}

func labelPath(dir, prefix string, space *SeedSpace) string {
	base := fmt.Sprintf("%s_%s", prefix, space.Seed.Name())
	if space.Surface != nil {
		return filepath.Join(dir, base+".label.gii")
	}
	return filepath.Join(dir, base+".nii.gz")
}

// WriteAll writes W to <dir>/<wName>.nii.gz and one G image per seed
func (fw *FileWriter) WriteAll(p models.FactorPair, dir, wName, gPrefix string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if err := fw.WriteW(p.W, WPath(dir, wName)); err != nil {
		return fmt.Errorf("failed to write W: %w", err)
	}
	if _, err := fw.WriteG(p.G, dir, gPrefix); err != nil {
		return fmt.Errorf("failed to write G: %w", err)
	}
	return nil
}

// WriteW writes W (K x T) as a 4-D volume with the lookup header
func (fw *FileWriter) WriteW(w mat.Matrix, path string) error {
	img, err := MatrixToVolume(w, fw.lookup)
	if err != nil {
		return err
	}
	return nifti.WriteFile(path, img)
}

// WriteG writes G (S x K) as one image per seed and returns the paths
func (fw *FileWriter) WriteG(g mat.Matrix, dir, prefix string) ([]string, error) {
	maps, err := MatrixToSeeds(g, fw.spaces)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(maps))
	for i, m := range maps {
		path := GPath(dir, prefix, m.Space)
		if m.Volume != nil {
			err = nifti.WriteFile(path, m.Volume)
		} else {
			var surf *gifti.Image
			surf, err = gifti.NewTimeSeries(m.Space.Surface, m.Vertices)
			if err == nil {
				err = gifti.WriteFile(path, surf)
			}
		}
		if err != nil {
			return nil, err
		}
		paths[i] = path
	}
	return paths, nil
}

// WriteLabels writes winner-takes-all label maps: a 3-D int32 volume for
// W, one label image per seed for G, and a colour table <dir>/<wName>.lut.
func (fw *FileWriter) WriteLabels(gLabels, wLabels []int, k int, dir, wName, gPrefix string) error {
	if len(wLabels) != fw.lookup.Targets() {
		return fmt.Errorf("%d W labels for %d targets: %w", len(wLabels), fw.lookup.Targets(), models.ErrLookupShapeMismatch)
	}
	x, y, z := fw.lookup.Image.SpatialShape()
	wImg, err := nifti.New(fw.lookup.Image.Header, []int{x, y, z}, nifti.DTInt32)
	if err != nil {
		return err
	}
	for j, voxel := range fw.lookup.voxels {
		wImg.Data[voxel] = float64(wLabels[j])
	}
	if err := nifti.WriteFile(WPath(dir, wName), wImg); err != nil {
		return err
	}

	if len(gLabels) != NumRows(fw.spaces) {
		return fmt.Errorf("%d G labels for %d seed rows: %w", len(gLabels), NumRows(fw.spaces), models.ErrLookupShapeMismatch)
	}
	table := LabelTable(k)
	for _, space := range fw.spaces {
		path := labelPath(dir, gPrefix, space)
		if space.Surface != nil {
			labels := make([]int, len(space.Mask))
			for j, r := range space.Rows {
				labels[space.offsets[j]] = gLabels[r]
			}
			err = gifti.WriteFile(path, gifti.NewLabels(space.Surface, labels, table))
		} else {
			sx, sy, sz := space.Volume.SpatialShape()
			var img *nifti.Image
			img, err = nifti.New(space.Volume.Header, []int{sx, sy, sz}, nifti.DTInt32)
			if err == nil {
				for j, r := range space.Rows {
					img.Data[space.offsets[j]] = float64(gLabels[r])
				}
				err = nifti.WriteFile(path, img)
			}
		}
		if err != nil {
			return err
		}
	}

	return WriteLUT(filepath.Join(dir, wName+".lut"), k)
}

// ReadW reads a W image written by WriteW back into a K x T matrix
func ReadW(path string, lookup *Lookup) (*mat.Dense, error) {
	img, err := nifti.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return VolumeToMatrix(img, lookup)
}

// ReadG reads the per-seed G images written by WriteG back into an S x K matrix
func ReadG(dir, prefix string, spaces []*SeedSpace) (*mat.Dense, error) {
	maps := make([]SeedMap, len(spaces))
	for i, space := range spaces {
		path := GPath(dir, prefix, space)
		maps[i] = SeedMap{Space: space}
		if space.Surface != nil {
			surf, err := gifti.ReadFile(path)
			if err != nil {
				return nil, err
			}
			for _, d := range surf.DataArrays {
				maps[i].Vertices = append(maps[i].Vertices, d.Values)
			}
			continue
		}
		img, err := nifti.ReadFile(path)
		if err != nil {
			return nil, err
		}
		maps[i].Volume = img
	}
	return SeedsToMatrix(maps)
}
