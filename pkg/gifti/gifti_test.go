package gifti

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

const asciiSurface = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE GIFTI SYSTEM "http://www.nitrc.org/frs/download.php/115/gifti.dtd">
<GIFTI Version="1.0" NumberOfDataArrays="2">
  <MetaData>
    <MD><Name><![CDATA[date]]></Name><Value><![CDATA[today]]></Value></MD>
  </MetaData>
  <DataArray Intent="NIFTI_INTENT_POINTSET" DataType="NIFTI_TYPE_FLOAT32" ArrayIndexingOrder="RowMajorOrder" Dimensionality="2" Dim0="4" Dim1="3" Encoding="ASCII" Endian="LittleEndian" ExternalFileName="" ExternalFileOffset="">
    <MetaData>
      <MD><Name><![CDATA[AnatomicalStructurePrimary]]></Name><Value><![CDATA[CortexLeft]]></Value></MD>
    </MetaData>
    <CoordinateSystemTransformMatrix>
      <DataSpace><![CDATA[NIFTI_XFORM_TALAIRACH]]></DataSpace>
      <TransformedSpace><![CDATA[NIFTI_XFORM_TALAIRACH]]></TransformedSpace>
      <MatrixData>1 0 0 0 0 1 0 0 0 0 1 0 0 0 0 1</MatrixData>
    </CoordinateSystemTransformMatrix>
    <Data>0 0 0 1 0 0 0 1 0 0 0 1</Data>
  </DataArray>
  <DataArray Intent="NIFTI_INTENT_TRIANGLE" DataType="NIFTI_TYPE_INT32" ArrayIndexingOrder="RowMajorOrder" Dimensionality="2" Dim0="2" Dim1="3" Encoding="ASCII" Endian="LittleEndian" ExternalFileName="" ExternalFileOffset="">
    <MetaData></MetaData>
    <Data>0 1 2 0 2 3</Data>
  </DataArray>
</GIFTI>
`

func TestReadASCIISurface(t *testing.T) {
	img, err := Read(strings.NewReader(asciiSurface))
	require.NoError(t, err)

	require.Len(t, img.DataArrays, 2)
	n, err := img.VertexCount()
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	structure, ok := img.DataArrays[0].MetaData.Get("AnatomicalStructurePrimary")
	assert.True(t, ok)
	assert.Equal(t, "CortexLeft", structure)
	assert.Equal(t, []float64{0, 1, 2, 0, 2, 3}, img.DataArrays[1].Values)
	assert.Len(t, img.DataArrays[0].Transforms, 1)
	assert.Equal(t, "NIFTI_XFORM_TALAIRACH", img.DataArrays[0].Transforms[0].DataSpace.Text)
}

func TestTimeSeriesRoundTrip(t *testing.T) {
	source, err := Read(strings.NewReader(asciiSurface))
	require.NoError(t, err)

	columns := [][]float64{{0.5, -1, 2, 0}, {3, 4.25, -5, 6}}
	for _, encoding := range []string{EncodingASCII, EncodingBase64, EncodingGZipBase64} {
		t.Run(encoding, func(t *testing.T) {
			img, err := NewTimeSeries(source, columns)
			require.NoError(t, err)
			for i := range img.DataArrays {
				img.DataArrays[i].Encoding = encoding
			}

			path := filepath.Join(t.TempDir(), "G.func.gii")
			require.NoError(t, WriteFile(path, img))

			got, err := ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, 2, got.NumberOfDataArrays)
			for k, d := range got.DataArrays {
				assert.Equal(t, IntentTimeSeries, d.Intent)
				assert.Equal(t, TypeFloat32, d.DataType)
				assert.Equal(t, columns[k], d.Values)
				v, ok := d.MetaData.Get("AnatomicalStructurePrimary")
				assert.True(t, ok)
				assert.Equal(t, "CortexLeft", v)
			}
		})
	}
}

func TestLabelsCarryTable(t *testing.T) {
	table := LabelTable{Labels: []Label{
		{Key: 0, Name: "unassigned", Alpha: 0},
		{Key: 1, Name: "component_1", Red: 1, Alpha: 1},
	}}
	img := NewLabels(nil, []int{0, 1, 1}, table)

	path := filepath.Join(t.TempDir(), "wta.label.gii")
	require.NoError(t, WriteFile(path, img))
	got, err := ReadFile(path)
	require.NoError(t, err)

	require.NotNil(t, got.LabelTable)
	assert.Equal(t, table.Labels, got.LabelTable.Labels)
	assert.Equal(t, []float64{0, 1, 1}, got.DataArrays[0].Values)
}

func TestNewTimeSeriesRaggedColumns(t *testing.T) {
	_, err := NewTimeSeries(nil, [][]float64{{1, 2}, {3}})
	assert.Error(t, err)
}

func TestReadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := ReadFile(filepath.Join(dir, "absent.gii"))
	assert.ErrorIs(t, err, models.ErrInputMissing)

	tests := []struct {
		name string
		body string
	}{
		{"not xml", "GIFTI"},
		{"short ascii", strings.Replace(asciiSurface, "0 1 2 0 2 3", "0 1 2", 1)},
		{"external", strings.Replace(asciiSurface, `Encoding="ASCII"`, `Encoding="ExternalFileBinary"`, 1)},
		{"bad type", strings.Replace(asciiSurface, "NIFTI_TYPE_INT32", "NIFTI_TYPE_COMPLEX64", 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, strings.ReplaceAll(tt.name, " ", "_")+".gii")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o644))
			_, err := ReadFile(path)
			assert.ErrorIs(t, err, models.ErrIO)
		})
	}
}
