// Package nifti reads and writes single-file NIfTI-1 images (.nii and .nii.gz).
//
// Based on the nifti1 header definition,
// https://nifti.nimh.nih.gov/pub/dist/src/niftilib/nifti1.h
package nifti

import (
	"bytes"
	"fmt"
)

// Header defines the structure of the NIfTI-1 header followed by the
// four extension bytes of a single-file image.
type Header struct {
	SizeofHdr          int32      // Must be 348
	UnusedDataType     [10]byte   // Unused
	UnusedDbName       [18]byte   // Unused
	UnusedExtents      int32      // Unused
	UnusedSessionError int16      // Unused
	UnusedRegular      byte       // Unused
	DimInfo            byte       // MRI slice ordering
	Dim                [8]int16   // Data array dimensions
	IntentP1           float32    // 1st intent parameter
	IntentP2           float32    // 2nd intent parameter
	IntentP3           float32    // 3rd intent parameter
	IntentCode         int16      // NIFTI_INTENT_* code
	Datatype           int16      // Defines data type
	Bitpix             int16      // Number bits/voxel
	SliceStart         int16      // First slice index
	Pixdim             [8]float32 // Grid spacing
	VoxOffset          float32    // Offset into .nii file
	SclSlope           float32    // Data scaling: slope
	SclInter           float32    // Data scaling: offset
	SliceEnd           int16      // Last slice index
	SliceCode          byte       // Slice timing order
	XyztUnits          byte       // Units of pixdim[1..4]
	CalMax             float32    // Max display intensity
	CalMin             float32    // Min display intensity
	SliceDuration      float32    // Time for 1 slice
	Toffset            float32    // Time axis shift
	UnusedGlmax        int32      // Unused
	UnusedGlmin        int32      // Unused
	Descrip            [80]byte   // Any text you like
	AuxFile            [24]byte   // Auxiliary filename
	QformCode          int16      // NIFTI_XFORM_* code
	SformCode          int16      // NIFTI_XFORM_* code
	QuaternB           float32    // Quaternion b params
	QuaternC           float32    // Quaternion c params
	QuaternD           float32    // Quaternion d params
	QoffsetX           float32    // Quaternion x shift
	QoffsetY           float32    // Quaternion y shift
	QoffsetZ           float32    // Quaternion z shift
	SrowX              [4]float32 // 1st row affine transform
	SrowY              [4]float32 // 2nd row affine transform
	SrowZ              [4]float32 // 3rd row affine transform
	IntentName         [16]byte   // 'name' or meaning of data
	Magic              [4]byte    // Must be "n+1\0" for single-file images
	Extension          [4]byte    // Extension flag, zero when absent
}

const (
	headerSize    = 352
	minHeaderSize = 348
)

// Datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
	DTInt64   int16 = 1024
	DTUint64  int16 = 1280
)

// IntentTimeSeries marks the fourth dimension as a series of components
const IntentTimeSeries int16 = 2001

var singleFileMagic = [4]byte{'n', '+', '1', 0}

// bitpix returns the bits per voxel of a datatype code
func bitpix(datatype int16) (int16, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 8, nil
	case DTInt16, DTUint16:
		return 16, nil
	case DTInt32, DTUint32, DTFloat32:
		return 32, nil
	case DTFloat64, DTInt64, DTUint64:
		return 64, nil
	}
	return 0, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
}

// Description returns the descrip field as a string
func (h Header) Description() string {
	return string(bytes.TrimRight(h.Descrip[:], "\x00"))
}

// SetDescription stores s in the descrip field, truncated to 79 bytes
func (h *Header) SetDescription(s string) {
	h.Descrip = [80]byte{}
	copy(h.Descrip[:79], s)
}

// NumDims returns Dim[0]
func (h Header) NumDims() int { return int(h.Dim[0]) }

// Shape returns the sizes of the used dimensions
func (h Header) Shape() []int {
	n := h.NumDims()
	shape := make([]int, n)
	for i := 0; i < n; i++ {
		shape[i] = int(h.Dim[i+1])
	}
	return shape
}

// NumVoxels returns the product of the used dimensions
func (h Header) NumVoxels() int {
	total := 1
	for _, d := range h.Shape() {
		total *= max(d, 1)
	}
	return total
}

func (h Header) validate() error {
	switch {
	case h.SizeofHdr != minHeaderSize:
		return fmt.Errorf("invalid header size %d for nifti-1", h.SizeofHdr)
	case h.Magic != singleFileMagic:
		return fmt.Errorf("invalid file magic %q, data must be stored in same file as header", h.Magic[:3])
	case h.Dim[0] < 1 || h.Dim[0] > 7:
		return fmt.Errorf("Dim[0] = %d is not in range [1, 7]", h.Dim[0])
	}
	for i := 1; i <= int(h.Dim[0]); i++ {
		if h.Dim[i] < 1 {
			return fmt.Errorf("Dim[%d] = %d must be positive", i, h.Dim[i])
		}
	}
	_, err := bitpix(h.Datatype)
	return err
}
