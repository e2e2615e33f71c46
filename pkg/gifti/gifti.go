// Package gifti reads and writes GIFTI surface data files.
//
// Data arrays may be ASCII, Base64Binary or GZipBase64Binary encoded.
// External binary files are not supported.
package gifti

import (
	"encoding/xml"
	"fmt"
)

// Intents
const (
	IntentNone       = "NIFTI_INTENT_NONE"
	IntentLabel      = "NIFTI_INTENT_LABEL"
	IntentPointSet   = "NIFTI_INTENT_POINTSET"
	IntentTriangle   = "NIFTI_INTENT_TRIANGLE"
	IntentShape      = "NIFTI_INTENT_SHAPE"
	IntentTimeSeries = "NIFTI_INTENT_TIME_SERIES"
)

// Data types
const (
	TypeUint8   = "NIFTI_TYPE_UINT8"
	TypeInt16   = "NIFTI_TYPE_INT16"
	TypeInt32   = "NIFTI_TYPE_INT32"
	TypeFloat32 = "NIFTI_TYPE_FLOAT32"
	TypeFloat64 = "NIFTI_TYPE_FLOAT64"
)

// Encodings
const (
	EncodingASCII      = "ASCII"
	EncodingBase64     = "Base64Binary"
	EncodingGZipBase64 = "GZipBase64Binary"
	EncodingExternal   = "ExternalFileBinary"
)

const (
	RowMajorOrder    = "RowMajorOrder"
	ColumnMajorOrder = "ColumnMajorOrder"
	LittleEndian     = "LittleEndian"
	BigEndian        = "BigEndian"
)

const doctype = `<!DOCTYPE GIFTI SYSTEM "http://www.nitrc.org/frs/download.php/115/gifti.dtd">` + "\n"

// Image is the root GIFTI element
type Image struct {
	XMLName            xml.Name    `xml:"GIFTI"`
	Version            string      `xml:"Version,attr"`
	NumberOfDataArrays int         `xml:"NumberOfDataArrays,attr"`
	MetaData           MetaData    `xml:"MetaData"`
	LabelTable         *LabelTable `xml:"LabelTable,omitempty"`
	DataArrays         []DataArray `xml:"DataArray"`
}

// MetaData is an ordered list of name/value pairs
type MetaData struct {
	Entries []MD `xml:"MD"`
}

// MD is one metadata entry
type MD struct {
	Name  cdata `xml:"Name"`
	Value cdata `xml:"Value"`
}

type cdata struct {
	Text string `xml:",cdata"`
}

// Get returns the value stored under name
func (m MetaData) Get(name string) (string, bool) {
	for _, e := range m.Entries {
		if e.Name.Text == name {
			return e.Value.Text, true
		}
	}
	return "", false
}

// Set replaces or appends the value stored under name
func (m *MetaData) Set(name, value string) {
	for i, e := range m.Entries {
		if e.Name.Text == name {
			m.Entries[i].Value.Text = value
			return
		}
	}
	m.Entries = append(m.Entries, MD{Name: cdata{name}, Value: cdata{value}})
}

// Clone returns a deep copy
func (m MetaData) Clone() MetaData {
	return MetaData{Entries: append([]MD(nil), m.Entries...)}
}

// LabelTable maps label keys to names and RGBA colours in [0, 1]
type LabelTable struct {
	Labels []Label `xml:"Label"`
}

// Label is one entry of a LabelTable
type Label struct {
	Key   int     `xml:"Key,attr"`
	Red   float64 `xml:"Red,attr"`
	Green float64 `xml:"Green,attr"`
	Blue  float64 `xml:"Blue,attr"`
	Alpha float64 `xml:"Alpha,attr"`
	Name  string  `xml:",cdata"`
}

// Transform is a coordinate system transform attached to a point set
type Transform struct {
	DataSpace        cdata `xml:"DataSpace"`
	TransformedSpace cdata `xml:"TransformedSpace"`
	MatrixData       string `xml:"MatrixData"`
}

// DataArray is one GIFTI data array. Values holds the decoded data; Data
// holds the encoded payload and is regenerated on write.
type DataArray struct {
	Intent             string      `xml:"Intent,attr"`
	DataType           string      `xml:"DataType,attr"`
	ArrayIndexingOrder string      `xml:"ArrayIndexingOrder,attr"`
	Dimensionality     int         `xml:"Dimensionality,attr"`
	Dim0               int         `xml:"Dim0,attr"`
	Dim1               int         `xml:"Dim1,attr,omitempty"`
	Dim2               int         `xml:"Dim2,attr,omitempty"`
	Encoding           string      `xml:"Encoding,attr"`
	Endian             string      `xml:"Endian,attr"`
	ExternalFileName   string      `xml:"ExternalFileName,attr"`
	ExternalFileOffset string      `xml:"ExternalFileOffset,attr"`
	MetaData           MetaData    `xml:"MetaData"`
	Transforms         []Transform `xml:"CoordinateSystemTransformMatrix"`
	Data               string      `xml:"Data"`

	Values []float64 `xml:"-"`
}

// Len returns the number of elements implied by the dimensions
func (d *DataArray) Len() int {
	dims := []int{d.Dim0, d.Dim1, d.Dim2}
	n := 1
	for i := 0; i < d.Dimensionality && i < len(dims); i++ {
		n *= dims[i]
	}
	return n
}

// VertexCount returns the number of mesh vertices: the first dimension of
// the point set array if present, otherwise of the first array.
func (img *Image) VertexCount() (int, error) {
	if len(img.DataArrays) == 0 {
		return 0, fmt.Errorf("GIFTI file has no data arrays")
	}
	for _, d := range img.DataArrays {
		if d.Intent == IntentPointSet {
			return d.Dim0, nil
		}
	}
	return img.DataArrays[0].Dim0, nil
}

// NewTimeSeries builds a functional GIFTI with one float32 array per column
// of values. Each array carries the metadata of the first array of source.
func NewTimeSeries(source *Image, columns [][]float64) (*Image, error) {
	img := &Image{Version: "1.0"}
	var arrayMeta MetaData
	if source != nil {
		img.MetaData = source.MetaData.Clone()
		if len(source.DataArrays) > 0 {
			arrayMeta = source.DataArrays[0].MetaData
		}
	}

	for k, col := range columns {
		if k > 0 && len(col) != len(columns[0]) {
			return nil, fmt.Errorf("array %d has %d values, array 0 has %d", k, len(col), len(columns[0]))
		}
		img.DataArrays = append(img.DataArrays, DataArray{
			Intent:             IntentTimeSeries,
			DataType:           TypeFloat32,
			ArrayIndexingOrder: RowMajorOrder,
			Dimensionality:     1,
			Dim0:               len(col),
			Encoding:           EncodingGZipBase64,
			Endian:             LittleEndian,
			MetaData:           arrayMeta.Clone(),
			Values:             col,
		})
	}
	img.NumberOfDataArrays = len(img.DataArrays)
	return img, nil
}

// NewLabels builds a label GIFTI with one int32 array and the given table.
func NewLabels(source *Image, labels []int, table LabelTable) *Image {
	values := make([]float64, len(labels))
	for i, l := range labels {
		values[i] = float64(l)
	}
	img := &Image{Version: "1.0", LabelTable: &table}
	var arrayMeta MetaData
	if source != nil {
		img.MetaData = source.MetaData.Clone()
		if len(source.DataArrays) > 0 {
			arrayMeta = source.DataArrays[0].MetaData.Clone()
		}
	}
	img.DataArrays = []DataArray{{
		Intent:             IntentLabel,
		DataType:           TypeInt32,
		ArrayIndexingOrder: RowMajorOrder,
		Dimensionality:     1,
		Dim0:               len(labels),
		Encoding:           EncodingGZipBase64,
		Endian:             LittleEndian,
		MetaData:           arrayMeta,
		Values:             values,
	}}
	img.NumberOfDataArrays = 1
	return img
}
