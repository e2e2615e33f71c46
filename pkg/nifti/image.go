package nifti

import (
	"fmt"
)

// Image is a NIfTI-1 header with its voxel values, scaled to float64 and
// stored with the first dimension varying fastest.
type Image struct {
	Header Header
	Data   []float64
}

// New creates a zero-filled image with the given shape, copying spatial
// metadata (pixdim, qform, sform, units, description) from ref.
func New(ref Header, shape []int, datatype int16) (*Image, error) {
	if len(shape) < 1 || len(shape) > 7 {
		return nil, fmt.Errorf("image must have 1 to 7 dimensions, got %d", len(shape))
	}
	bits, err := bitpix(datatype)
	if err != nil {
		return nil, err
	}

	h := ref
	h.SizeofHdr = minHeaderSize
	h.Magic = singleFileMagic
	h.Extension = [4]byte{}
	h.VoxOffset = headerSize
	h.Datatype = datatype
	h.Bitpix = bits
	h.SclSlope = 1
	h.SclInter = 0
	h.CalMin, h.CalMax = 0, 0
	h.IntentCode = 0
	h.IntentName = [16]byte{}

	h.Dim = [8]int16{int16(len(shape)), 1, 1, 1, 1, 1, 1, 1}
	total := 1
	for i, d := range shape {
		if d < 1 || d > 32767 {
			return nil, fmt.Errorf("dimension %d has invalid size %d", i, d)
		}
		h.Dim[i+1] = int16(d)
		total *= d
	}
	for i := 4; i < 8; i++ {
		if h.Pixdim[i] == 0 {
			h.Pixdim[i] = 1
		}
	}

	return &Image{Header: h, Data: make([]float64, total)}, nil
}

// Shape returns the sizes of the used dimensions
func (img *Image) Shape() []int { return img.Header.Shape() }

// Index returns the offset of a voxel in Data. Missing trailing coordinates are zero.
func (img *Image) Index(coords ...int) int {
	idx, stride := 0, 1
	for i, c := range coords {
		d := int(img.Header.Dim[i+1])
		if i >= img.Header.NumDims() {
			d = 1
		}
		if c < 0 || c >= d {
			panic(fmt.Sprintf("nifti: coordinate %d out of range [0, %d) on axis %d", c, d, i))
		}
		idx += c * stride
		stride *= d
	}
	return idx
}

// At returns the value at the given voxel
func (img *Image) At(coords ...int) float64 { return img.Data[img.Index(coords...)] }

// Set stores v at the given voxel
func (img *Image) Set(v float64, coords ...int) { img.Data[img.Index(coords...)] = v }

// SpatialShape returns X, Y and Z, with 1 for absent axes
func (img *Image) SpatialShape() (x, y, z int) {
	dims := [3]int{1, 1, 1}
	for i := 0; i < 3 && i < img.Header.NumDims(); i++ {
		dims[i] = int(img.Header.Dim[i+1])
	}
	return dims[0], dims[1], dims[2]
}

// Volumes returns the product of every dimension past the third
func (img *Image) Volumes() int {
	n := 1
	for i := 4; i <= img.Header.NumDims(); i++ {
		n *= int(img.Header.Dim[i])
	}
	return n
}
