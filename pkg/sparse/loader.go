// Package sparse reads the COO triplet connectivity matrices written by the
// tractography tool and averages them into a group matrix.
//
// A triplet file is whitespace-separated ASCII. Every line but the last is
// "row col weight" with 1-based indices; the last line is "nrows ncols _"
// and declares the logical shape.
package sparse

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

// Shape is the declared size of a triplet file
type Shape struct {
	Rows int
	Cols int
}

func (s Shape) String() string { return fmt.Sprintf("(%d, %d)", s.Rows, s.Cols) }

const tailChunk = 4096

// ReadShape returns the shape declared by the trailer of a triplet file
// without reading the data rows.
func ReadShape(path string) (Shape, error) {
	f, err := os.Open(path)
	if err != nil {
		return Shape{}, openError(path, err)
	}
	defer f.Close()

	shape, _, err := readTrailer(f, path)
	return shape, err
}

// Load reads a triplet file into a dense matrix of exactly the declared shape.
// Cells not named in the file are zero and repeated cells are summed.
func Load(path string) (*mat.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, openError(path, err)
	}
	defer f.Close()

	shape, offset, err := readTrailer(f, path)
	if err != nil {
		return nil, err
	}

	dense := mat.NewDense(shape.Rows, shape.Cols, nil)
	if err := accumulate(f, path, offset, dense); err != nil {
		return nil, err
	}
	return dense, nil
}

// AddTo streams the triples of path into dst, which must have the declared shape.
func AddTo(path string, dst *mat.Dense) error {
	f, err := os.Open(path)
	if err != nil {
		return openError(path, err)
	}
	defer f.Close()

	shape, offset, err := readTrailer(f, path)
	if err != nil {
		return err
	}
	r, c := dst.Dims()
	if shape.Rows != r || shape.Cols != c {
		return fmt.Errorf("%s declares %v, accumulator is (%d, %d): %w", path, shape, r, c, models.ErrShapeMismatch)
	}
	return accumulate(f, path, offset, dst)
}

func openError(path string, err error) error {
	if os.IsNotExist(err) {
		return fmt.Errorf("matrix file %s: %w", path, models.ErrInputMissing)
	}
	return fmt.Errorf("opening %s: %v: %w", path, err, models.ErrIO)
}

// readTrailer locates the last non-empty line of f, parses it as the shape and
// returns the byte offset at which that line starts.
func readTrailer(f *os.File, path string) (Shape, int64, error) {
	info, err := f.Stat()
	if err != nil {
		return Shape{}, 0, fmt.Errorf("stat %s: %v: %w", path, err, models.ErrIO)
	}
	size := info.Size()
	if size == 0 {
		return Shape{}, 0, fmt.Errorf("%s is empty: %w", path, models.ErrMalformedMatrix)
	}

	// Grow a window backwards from EOF until it holds the whole last line.
	window := int64(tailChunk)
	for {
		if window > size {
			window = size
		}
		buf := make([]byte, window)
		if _, err := f.ReadAt(buf, size-window); err != nil && err != io.EOF {
			return Shape{}, 0, fmt.Errorf("reading %s: %v: %w", path, err, models.ErrIO)
		}

		trimmed := bytes.TrimRight(buf, " \t\r\n")
		if len(trimmed) == 0 {
			if window == size {
				return Shape{}, 0, fmt.Errorf("%s has no content: %w", path, models.ErrMalformedMatrix)
			}
			window *= 2
			continue
		}

		nl := bytes.LastIndexByte(trimmed, '\n')
		if nl < 0 && window < size {
			window *= 2
			continue
		}

		line := string(trimmed[nl+1:])
		offset := size - window + int64(nl+1)
		shape, err := parseShape(line)
		if err != nil {
			return Shape{}, 0, fmt.Errorf("%s trailer %q: %v: %w", path, strings.TrimSpace(line), err, models.ErrMalformedMatrix)
		}
		return shape, offset, nil
	}
}

func parseShape(line string) (Shape, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Shape{}, fmt.Errorf("expected \"nrows ncols _\"")
	}
	rows, err := parseIndex(fields[0])
	if err != nil {
		return Shape{}, err
	}
	cols, err := parseIndex(fields[1])
	if err != nil {
		return Shape{}, err
	}
	if rows <= 0 || cols <= 0 {
		return Shape{}, fmt.Errorf("non-positive shape %d x %d", rows, cols)
	}
	return Shape{Rows: rows, Cols: cols}, nil
}

// accumulate adds every data row before offset into dst
func accumulate(f *os.File, path string, offset int64, dst *mat.Dense) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking %s: %v: %w", path, err, models.ErrIO)
	}

	raw := dst.RawMatrix()
	rows, cols, stride := raw.Rows, raw.Cols, raw.Stride

	scanner := bufio.NewScanner(io.LimitReader(f, offset))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 3 {
			return fmt.Errorf("%s line %d: expected 3 fields, got %d: %w", path, lineNo, len(fields), models.ErrMalformedMatrix)
		}

		i, err := parseIndex(fields[0])
		if err != nil {
			return fmt.Errorf("%s line %d: row %q: %v: %w", path, lineNo, fields[0], err, models.ErrMalformedMatrix)
		}
		j, err := parseIndex(fields[1])
		if err != nil {
			return fmt.Errorf("%s line %d: col %q: %v: %w", path, lineNo, fields[1], err, models.ErrMalformedMatrix)
		}
		w, err := strconv.ParseFloat(fields[2], 32)
		if err != nil {
			return fmt.Errorf("%s line %d: weight %q: %v: %w", path, lineNo, fields[2], err, models.ErrMalformedMatrix)
		}
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%s line %d: weight %q must be finite and non-negative: %w", path, lineNo, fields[2], models.ErrMalformedMatrix)
		}

		if i < 1 || i > rows || j < 1 || j > cols {
			return fmt.Errorf("%s line %d: index (%d, %d) outside declared shape (%d, %d): %w",
				path, lineNo, i, j, rows, cols, models.ErrMalformedMatrix)
		}
		raw.Data[(i-1)*stride+(j-1)] += float64(float32(w))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s: %v: %w", path, err, models.ErrIO)
	}
	return nil
}

// parseIndex accepts plain integers and integer-valued floats ("12", "1.2e+01")
func parseIndex(s string) (int, error) {
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not an integer")
	}
	return int(f), nil
}
