package gifti

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

func elementSize(dataType string) (int, error) {
	switch dataType {
	case TypeUint8:
		return 1, nil
	case TypeInt16:
		return 2, nil
	case TypeInt32, TypeFloat32:
		return 4, nil
	case TypeFloat64:
		return 8, nil
	}
	return 0, fmt.Errorf("unsupported GIFTI data type %q", dataType)
}

func byteOrder(endian string) binary.ByteOrder {
	if endian == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// decode fills d.Values from d.Data
func (d *DataArray) decode() error {
	n := d.Len()
	size, err := elementSize(d.DataType)
	if err != nil {
		return err
	}

	switch d.Encoding {
	case EncodingASCII:
		fields := strings.Fields(d.Data)
		if len(fields) != n {
			return fmt.Errorf("ASCII array has %d values, expected %d", len(fields), n)
		}
		d.Values = make([]float64, n)
		for i, f := range fields {
			v, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return fmt.Errorf("invalid ASCII value %q: %w", f, err)
			}
			d.Values[i] = v
		}
		return nil
	case EncodingBase64, EncodingGZipBase64:
	case EncodingExternal:
		return fmt.Errorf("external GIFTI data files are not supported")
	default:
		return fmt.Errorf("unknown GIFTI encoding %q", d.Encoding)
	}

	raw, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(d.Data), ""))
	if err != nil {
		return fmt.Errorf("invalid base64 payload: %w", err)
	}
	if d.Encoding == EncodingGZipBase64 {
		zr, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("invalid zlib payload: %w", err)
		}
		raw, err = io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return fmt.Errorf("invalid zlib payload: %w", err)
		}
	}
	if len(raw) != n*size {
		return fmt.Errorf("binary array has %d bytes, expected %d", len(raw), n*size)
	}

	order := byteOrder(d.Endian)
	d.Values = make([]float64, n)
	for i := range d.Values {
		b := raw[i*size : (i+1)*size]
		switch d.DataType {
		case TypeUint8:
			d.Values[i] = float64(b[0])
		case TypeInt16:
			d.Values[i] = float64(int16(order.Uint16(b)))
		case TypeInt32:
			d.Values[i] = float64(int32(order.Uint32(b)))
		case TypeFloat32:
			d.Values[i] = float64(math.Float32frombits(order.Uint32(b)))
		case TypeFloat64:
			d.Values[i] = math.Float64frombits(order.Uint64(b))
		}
	}
	return nil
}

// encode regenerates d.Data from d.Values. Binary payloads are written little-endian.
func (d *DataArray) encode() error {
	if len(d.Values) != d.Len() {
		return fmt.Errorf("array has %d values, dimensions imply %d", len(d.Values), d.Len())
	}
	size, err := elementSize(d.DataType)
	if err != nil {
		return err
	}

	switch d.Encoding {
	case EncodingASCII:
		var sb strings.Builder
		for i, v := range d.Values {
			if i > 0 {
				sb.WriteByte(' ')
			}
			if d.DataType == TypeFloat32 || d.DataType == TypeFloat64 {
				sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
			} else {
				sb.WriteString(strconv.FormatInt(int64(math.Round(v)), 10))
			}
		}
		d.Data = sb.String()
		return nil
	case EncodingBase64, EncodingGZipBase64:
	default:
		return fmt.Errorf("cannot encode GIFTI array as %q", d.Encoding)
	}

	d.Endian = LittleEndian
	le := binary.LittleEndian
	raw := make([]byte, len(d.Values)*size)
	for i, v := range d.Values {
		b := raw[i*size : (i+1)*size]
		switch d.DataType {
		case TypeUint8:
			b[0] = uint8(math.Round(v))
		case TypeInt16:
			le.PutUint16(b, uint16(int16(math.Round(v))))
		case TypeInt32:
			le.PutUint32(b, uint32(int32(math.Round(v))))
		case TypeFloat32:
			le.PutUint32(b, math.Float32bits(float32(v)))
		case TypeFloat64:
			le.PutUint64(b, math.Float64bits(v))
		}
	}

	if d.Encoding == EncodingGZipBase64 {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		raw = buf.Bytes()
	}
	d.Data = base64.StdEncoding.EncodeToString(raw)
	return nil
}
