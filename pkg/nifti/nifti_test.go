package nifti

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

func referenceHeader() Header {
	var h Header
	h.Pixdim = [8]float32{1, 2, 2, 2, 0, 0, 0, 0}
	h.QformCode = 1
	h.SformCode = 1
	h.SrowX = [4]float32{2, 0, 0, -90}
	h.SrowY = [4]float32{0, 2, 0, -126}
	h.SrowZ = [4]float32{0, 0, 2, -72}
	h.XyztUnits = 2
	h.SetDescription("reference")
	return h
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		datatype int16
		values   []float64
	}{
		{"float32", "img.nii", DTFloat32, []float64{0.5, -1.25, 3, 0, 7.75, -2, 1, 9, 4, 5, 6, 8}},
		{"float32 gz", "img.nii.gz", DTFloat32, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}},
		{"int32", "lookup.nii.gz", DTInt32, []float64{0, 1, 2, 0, 3, 4, 0, 5, 6, 7, 0, 8}},
		{"uint8", "mask.nii", DTUint8, []float64{0, 1, 1, 0, 1, 0, 0, 1, 1, 1, 0, 255}},
		{"int16", "seed.nii", DTInt16, []float64{-3, 1, 2, 0, 3, 4, 0, 5, 6, 7, 0, -8}},
		{"float64", "f64.nii.gz", DTFloat64, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0, 1.1, 1.2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := New(referenceHeader(), []int{3, 2, 2}, tt.datatype)
			require.NoError(t, err)
			copy(img.Data, tt.values)

			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, WriteFile(path, img))

			got, err := ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, []int{3, 2, 2}, got.Shape())
			assert.Equal(t, tt.datatype, got.Header.Datatype)
			assert.Equal(t, img.Header.SrowX, got.Header.SrowX)
			assert.Equal(t, "reference", got.Header.Description())
			assert.InDeltaSlice(t, tt.values, got.Data, 1e-6)
		})
	}
}

func TestFirstAxisVariesFastest(t *testing.T) {
	img, err := New(referenceHeader(), []int{2, 3, 1, 2}, DTFloat32)
	require.NoError(t, err)
	img.Set(42, 1, 2, 0, 1)

	assert.Equal(t, 1+2*2+0*6+1*6, img.Index(1, 2, 0, 1))
	assert.Equal(t, 42.0, img.At(1, 2, 0, 1))
	assert.Equal(t, 2, img.Volumes())
	x, y, z := img.SpatialShape()
	assert.Equal(t, []int{2, 3, 1}, []int{x, y, z})
	assert.Panics(t, func() { img.At(2, 0, 0, 0) })
}

func TestNewRejectsBadShapes(t *testing.T) {
	_, err := New(Header{}, nil, DTFloat32)
	assert.Error(t, err)
	_, err = New(Header{}, []int{2, 0}, DTFloat32)
	assert.Error(t, err)
	_, err = New(Header{}, []int{2}, 3)
	assert.Error(t, err)
}

func TestReadBigEndian(t *testing.T) {
	img, err := New(referenceHeader(), []int{2, 2}, DTInt16)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, &img.Header))
	for _, v := range []int16{1, -2, 3, 4} {
		require.NoError(t, binary.Write(&buf, binary.BigEndian, v))
	}

	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, -2, 3, 4}, got.Data)
}

func TestReadAppliesScaling(t *testing.T) {
	img, err := New(Header{}, []int{3}, DTInt16)
	require.NoError(t, err)
	img.Header.SclSlope = 0.5
	img.Header.SclInter = 10
	copy(img.Data, []float64{10, 11, 20})

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, img))
	got, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 20}, got.Data)
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadFile(filepath.Join(dir, "absent.nii"))
	assert.ErrorIs(t, err, models.ErrInputMissing)

	short := filepath.Join(dir, "short.nii")
	require.NoError(t, os.WriteFile(short, []byte("not an image"), 0o644))
	_, err = ReadFile(short)
	assert.ErrorIs(t, err, models.ErrIO)

	img, err := New(Header{}, []int{4}, DTFloat32)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, img))
	truncated := filepath.Join(dir, "truncated.nii")
	require.NoError(t, os.WriteFile(truncated, buf.Bytes()[:buf.Len()-3], 0o644))
	_, err = ReadFile(truncated)
	assert.ErrorIs(t, err, models.ErrIO)
}
