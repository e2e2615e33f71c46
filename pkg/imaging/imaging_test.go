package imaging

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/gifti"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/nifti"
)

func lookupImage(t *testing.T, shape []int, values []float64) *nifti.Image {
	t.Helper()
	img, err := nifti.New(nifti.Header{}, shape, nifti.DTInt32)
	require.NoError(t, err)
	copy(img.Data, values)
	return img
}

func TestMatrixToVolumeScenario(t *testing.T) {
	l, err := NewLookup(lookupImage(t, []int{2, 1, 1}, []float64{1, 2}))
	require.NoError(t, err)
	w := mat.NewDense(2, 2, []float64{10, 20, 30, 40})

	v, err := MatrixToVolume(w, l)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 1, 2}, v.Shape())
	assert.Equal(t, nifti.IntentTimeSeries, v.Header.IntentCode)
	assert.Equal(t, 10.0, v.At(0, 0, 0, 0))
	assert.Equal(t, 30.0, v.At(0, 0, 0, 1))
	assert.Equal(t, 20.0, v.At(1, 0, 0, 0))
	assert.Equal(t, 40.0, v.At(1, 0, 0, 1))
}

func TestLookupRoundTrip(t *testing.T) {
	// 4x3x2 grid with 10 target voxels in shuffled column order
	rng := rand.New(rand.NewSource(1))
	values := make([]float64, 24)
	for col, voxel := range rng.Perm(24)[:10] {
		values[voxel] = float64(col + 1)
	}
	l, err := NewLookup(lookupImage(t, []int{4, 3, 2}, values))
	require.NoError(t, err)
	require.Equal(t, 10, l.Targets())

	w := mat.NewDense(3, 10, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 10; j++ {
			w.Set(i, j, rng.NormFloat64())
		}
	}
	v, err := MatrixToVolume(w, l)
	require.NoError(t, err)

	back, err := VolumeToMatrix(v, l)
	require.NoError(t, err)
	assert.True(t, mat.Equal(w, back))

	nonzero := 0
	for _, x := range v.Data[:24] {
		if x != 0 {
			nonzero++
		}
	}
	assert.Equal(t, 10, nonzero)
}

func TestLookupErrors(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
	}{
		{"duplicate", []float64{1, 1, 2}},
		{"gap", []float64{1, 3, 0}},
		{"fraction", []float64{1, 1.5, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLookup(lookupImage(t, []int{3}, tt.values))
			assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)
		})
	}

	l, err := NewLookup(lookupImage(t, []int{3}, []float64{2, 0, 1}))
	require.NoError(t, err)
	_, err = MatrixToVolume(mat.NewDense(2, 3, nil), l)
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)

	other := lookupImage(t, []int{4, 1, 1, 2}, nil)
	_, err = VolumeToMatrix(other, l)
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)
}

func writeFixture(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReadCoords(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, "coords", "0 0 0 0 0\n1 0 0 0 1\n\n2.0 1 0 1 2\n")

	table, err := ReadCoords(path)
	require.NoError(t, err)
	assert.Equal(t, CoordTable{{0, 0, 0, 0}, {1, 0, 0, 0}, {2, 1, 0, 1}}, table)

	rows, err := table.SeedRows(2)
	require.NoError(t, err)
	assert.Equal(t, [][]int{{0, 1}, {2}}, rows)

	_, err = table.SeedRows(1)
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)

	_, err = CoordTable{{0, 0, 0, 1}, {0, 0, 0, 0}}.SeedRows(2)
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)

	_, err = ReadCoords(writeFixture(t, dir, "bad", "0 0 0\n"))
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)
	_, err = ReadCoords(writeFixture(t, dir, "frac", "0 0.5 0 0\n"))
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)
	_, err = ReadCoords(filepath.Join(dir, "absent"))
	assert.ErrorIs(t, err, models.ErrInputMissing)
}

func TestReadMask(t *testing.T) {
	dir := t.TempDir()
	mask, err := ReadMask(writeFixture(t, dir, "mask.txt", "1\n0\n1.0\n0\n"))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, false, true, false}, mask)

	path := filepath.Join(dir, "copy.txt")
	require.NoError(t, WriteMask(path, mask))
	again, err := ReadMask(path)
	require.NoError(t, err)
	assert.Equal(t, mask, again)

	img, err := gifti.NewTimeSeries(nil, [][]float64{{0, 1, 1}})
	require.NoError(t, err)
	giiPath := filepath.Join(dir, "mask.shape.gii")
	require.NoError(t, gifti.WriteFile(giiPath, img))
	mask, err = ReadMask(giiPath)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, true, true}, mask)
}

// fixture: a 3x2x1 volume seed with 3 voxels (rows 0..2) and a 5-vertex
// surface seed with vertices 1 and 3 masked out (rows 3..5)
type fixture struct {
	dir    string
	spaces []*SeedSpace
	lookup *Lookup
	surf   *gifti.Image
}

func surfaceImage(t *testing.T, vertices int) *gifti.Image {
	t.Helper()
	coords := make([]float64, 3*vertices)
	img := &gifti.Image{Version: "1.0", DataArrays: []gifti.DataArray{{
		Intent:             gifti.IntentPointSet,
		DataType:           gifti.TypeFloat32,
		ArrayIndexingOrder: gifti.RowMajorOrder,
		Dimensionality:     2,
		Dim0:               vertices,
		Dim1:               3,
		Encoding:           gifti.EncodingBase64,
		Values:             coords,
	}}}
	img.DataArrays[0].MetaData.Set("AnatomicalStructurePrimary", "CortexLeft")
	return img
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	dir := t.TempDir()

	seedImg, err := nifti.New(nifti.Header{}, []int{3, 2, 1}, nifti.DTUint8)
	require.NoError(t, err)
	seedImg.Set(1, 0, 0, 0)
	seedImg.Set(1, 2, 0, 0)
	seedImg.Set(1, 1, 1, 0)
	volPath := filepath.Join(dir, "thalamus.nii.gz")
	require.NoError(t, nifti.WriteFile(volPath, seedImg))

	surfPath := filepath.Join(dir, "lh.white.surf.gii")
	require.NoError(t, gifti.WriteFile(surfPath, surfaceImage(t, 5)))
	maskPath := writeFixture(t, dir, "lh_medial_wall.txt", "1\n0\n1\n0\n1\n")

	coords := writeFixture(t, dir, "coords", strings.Join([]string{
		"0 0 0 0", "2 0 0 0", "1 1 0 0",
		"0 0 0 1", "0 0 0 1", "0 0 0 1",
	}, "\n")+"\n")
	table, err := ReadCoords(coords)
	require.NoError(t, err)

	surfSeed := models.NewSeed(surfPath)
	surfSeed.MaskPath = maskPath
	spaces, err := LoadSeedSpaces([]models.Seed{models.NewSeed(volPath), surfSeed}, table)
	require.NoError(t, err)

	lookup, err := NewLookup(lookupImage(t, []int{2, 2, 1}, []float64{1, 0, 3, 2}))
	require.NoError(t, err)

	surf, err := gifti.ReadFile(surfPath)
	require.NoError(t, err)
	return fixture{dir: dir, spaces: spaces, lookup: lookup, surf: surf}
}

func TestSeedsRoundTrip(t *testing.T) {
	f := newFixture(t)
	g := mat.NewDense(6, 2, []float64{
		1, 2,
		3, 4,
		5, 6,
		7, 8,
		9, 10,
		11, 12,
	})

	maps, err := MatrixToSeeds(g, f.spaces)
	require.NoError(t, err)
	require.Len(t, maps, 2)

	vol := maps[0].Volume
	assert.Equal(t, []int{3, 2, 1, 2}, vol.Shape())
	assert.Equal(t, nifti.IntentTimeSeries, vol.Header.IntentCode)
	assert.Equal(t, 3.0, vol.At(2, 0, 0, 0))
	assert.Equal(t, 6.0, vol.At(1, 1, 0, 1))
	assert.Equal(t, 0.0, vol.At(1, 0, 0, 0))

	assert.Equal(t, []float64{7, 0, 9, 0, 11}, maps[1].Vertices[0])
	assert.Equal(t, []float64{8, 0, 10, 0, 12}, maps[1].Vertices[1])

	back, err := SeedsToMatrix(maps)
	require.NoError(t, err)
	assert.True(t, mat.Equal(g, back))

	_, err = MatrixToSeeds(mat.NewDense(5, 2, nil), f.spaces)
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)
}

func TestSeedSpaceCountMismatch(t *testing.T) {
	f := newFixture(t)
	_, err := NewSurfaceSpace(f.spaces[1].Seed, f.surf, []bool{true, true, true, false, false}, []int{0, 1})
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)

	_, err = NewSurfaceSpace(f.spaces[1].Seed, f.surf, []bool{true, true}, []int{0, 1})
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)

	space, err := NewSurfaceSpace(f.spaces[1].Seed, f.surf, nil, []int{0, 1, 2, 3, 4})
	require.NoError(t, err)
	assert.Len(t, space.Mask, 5)

	_, err = NewVolumeSpace(f.spaces[0].Seed, f.spaces[0].Volume, []int{0, 1}, CoordTable{{0, 0, 0, 0}, {2, 0, 0, 0}})
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)

	_, err = NewVolumeSpace(f.spaces[0].Seed, f.spaces[0].Volume, []int{0, 1, 2}, CoordTable{{0, 0, 0, 0}, {2, 0, 0, 0}, {3, 0, 0, 0}})
	assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)
}

func TestVolumeSpaceRejectsBadCoordinates(t *testing.T) {
	f := newFixture(t)
	seed, img := f.spaces[0].Seed, f.spaces[0].Volume

	tests := []struct {
		name   string
		coords CoordTable
	}{
		{"duplicate voxel", CoordTable{{0, 0, 0, 0}, {2, 0, 0, 0}, {0, 0, 0, 0}}},
		{"voxel outside seed", CoordTable{{0, 0, 0, 0}, {2, 0, 0, 0}, {1, 0, 0, 0}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVolumeSpace(seed, img, []int{0, 1, 2}, tt.coords)
			assert.ErrorIs(t, err, models.ErrShapeMismatch)
			assert.ErrorIs(t, err, models.ErrLookupShapeMismatch)
		})
	}
}

func TestFileWriterRoundTrip(t *testing.T) {
	f := newFixture(t)
	p := models.FactorPair{
		G: mat.NewDense(6, 2, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}),
		W: mat.NewDense(2, 3, []float64{0.5, 1.5, 2.5, -1, -2, -3}),
	}

	out := filepath.Join(f.dir, "decomp")
	fw := NewFileWriter(f.lookup, f.spaces)
	require.NoError(t, fw.WriteAll(p, out, "W_ica_dim2", "G_ica_dim2"))

	assert.FileExists(t, filepath.Join(out, "W_ica_dim2.nii.gz"))
	assert.FileExists(t, filepath.Join(out, "G_ica_dim2_thalamus.nii.gz"))
	assert.FileExists(t, filepath.Join(out, "G_ica_dim2_lh.white.func.gii"))

	w, err := ReadW(WPath(out, "W_ica_dim2"), f.lookup)
	require.NoError(t, err)
	assert.True(t, mat.Equal(p.W, w))

	g, err := ReadG(out, "G_ica_dim2", f.spaces)
	require.NoError(t, err)
	assert.True(t, mat.Equal(p.G, g))

	surf, err := gifti.ReadFile(filepath.Join(out, "G_ica_dim2_lh.white.func.gii"))
	require.NoError(t, err)
	require.Len(t, surf.DataArrays, 2)
	structure, ok := surf.DataArrays[1].MetaData.Get("AnatomicalStructurePrimary")
	assert.True(t, ok)
	assert.Equal(t, "CortexLeft", structure)
	assert.Equal(t, gifti.IntentTimeSeries, surf.DataArrays[1].Intent)
}

func TestWriteLabels(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(f.dir, "wta")
	fw := NewFileWriter(f.lookup, f.spaces)

	gLabels := []int{1, 0, 2, 2, 1, 0}
	wLabels := []int{2, 1, 0}
	require.NoError(t, fw.WriteLabels(gLabels, wLabels, 2, out, "W_ica_dim2_wta", "G_ica_dim2_wta"))

	w, err := nifti.ReadFile(filepath.Join(out, "W_ica_dim2_wta.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, w.Shape())
	assert.Equal(t, nifti.DTInt32, w.Header.Datatype)
	// lookup values [1, 0, 3, 2]: column 0 at voxel 0, column 1 at voxel 3, column 2 at voxel 2
	assert.Equal(t, []float64{2, 0, 0, 1}, w.Data)

	surf, err := gifti.ReadFile(filepath.Join(out, "G_ica_dim2_wta_lh.white.label.gii"))
	require.NoError(t, err)
	require.NotNil(t, surf.LabelTable)
	assert.Len(t, surf.LabelTable.Labels, 3)
	assert.Equal(t, []float64{2, 0, 1, 0, 0}, surf.DataArrays[0].Values)

	lut, err := os.ReadFile(filepath.Join(out, "W_ica_dim2_wta.lut"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(lut)), "\n")
	assert.Len(t, lines, 3)
	assert.True(t, strings.HasSuffix(lines[2], "component_2"))

	assert.Error(t, fw.WriteLabels(gLabels[:5], wLabels, 2, out, "W", "G"))
	assert.Error(t, fw.WriteLabels(gLabels, wLabels[:2], 2, out, "W", "G"))
}

func TestPaletteDistinct(t *testing.T) {
	colors := Palette(6)
	require.Len(t, colors, 6)
	for i := range colors {
		assert.True(t, colors[i].IsValid())
		for j := i + 1; j < len(colors); j++ {
			assert.NotEqual(t, colors[i].Hex(), colors[j].Hex())
		}
	}
}
