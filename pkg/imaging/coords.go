package imaging

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/gilchrisn/tractmodes/pkg/gifti"
	"github.com/gilchrisn/tractmodes/pkg/models"
)

// Coord locates one matrix row: voxel (or vertex) X, Y, Z of seed number Seed
type Coord struct {
	X, Y, Z int
	Seed    int
}

// CoordTable lists one Coord per row of the connectivity matrix, in row order
type CoordTable []Coord

// ReadCoords reads a whitespace-separated "x y z seed_id" table. Extra
// columns are ignored.
func ReadCoords(path string) (CoordTable, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("coordinate table %s: %w", path, models.ErrInputMissing)
		}
		return nil, fmt.Errorf("could not open coordinate table %s: %v: %w", path, err, models.ErrIO)
	}
	defer file.Close()

	var table CoordTable
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 4 {
			return nil, fmt.Errorf("%s line %d: expected \"x y z seed_id\": %w", path, lineNo, models.ErrLookupShapeMismatch)
		}
		var vals [4]int
		for i := range vals {
			v, err := parseInt(parts[i])
			if err != nil {
				return nil, fmt.Errorf("%s line %d: %v: %w", path, lineNo, err, models.ErrLookupShapeMismatch)
			}
			vals[i] = v
		}
		table = append(table, Coord{X: vals[0], Y: vals[1], Z: vals[2], Seed: vals[3]})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %v: %w", path, err, models.ErrIO)
	}
	return table, nil
}

func parseInt(s string) (int, error) {
	if v, err := strconv.Atoi(s); err == nil {
		return v, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int(f), nil
}

// SeedRows returns the rows of each seed id in [0, numSeeds). Seed ids must
// form contiguous ascending blocks.
func (c CoordTable) SeedRows(numSeeds int) ([][]int, error) {
	rows := make([][]int, numSeeds)
	last := -1
	for r, coord := range c {
		if coord.Seed < 0 || coord.Seed >= numSeeds {
			return nil, fmt.Errorf("row %d has seed id %d, %d seeds declared: %w", r, coord.Seed, numSeeds, models.ErrLookupShapeMismatch)
		}
		if coord.Seed < last {
			return nil, fmt.Errorf("row %d: seed id %d follows %d, blocks must ascend: %w", r, coord.Seed, last, models.ErrLookupShapeMismatch)
		}
		last = coord.Seed
		rows[coord.Seed] = append(rows[coord.Seed], r)
	}
	return rows, nil
}

// ReadMask reads a medial-wall mask, either a GIFTI data file (first array)
// or plain text with one value per line. Non-zero marks a seed vertex.
func ReadMask(path string) ([]bool, error) {
	if strings.HasSuffix(strings.ToLower(path), ".gii") {
		img, err := gifti.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if len(img.DataArrays) == 0 {
			return nil, fmt.Errorf("mask %s has no data arrays: %w", path, models.ErrLookupShapeMismatch)
		}
		values := img.DataArrays[0].Values
		mask := make([]bool, len(values))
		for i, v := range values {
			mask[i] = v != 0
		}
		return mask, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("mask %s: %w", path, models.ErrInputMissing)
		}
		return nil, fmt.Errorf("could not open mask %s: %v: %w", path, err, models.ErrIO)
	}
	defer file.Close()

	var mask []bool
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("mask %s: invalid value %q: %w", path, line, models.ErrLookupShapeMismatch)
		}
		mask = append(mask, v != 0)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %v: %w", path, err, models.ErrIO)
	}
	return mask, nil
}

// WriteMask writes mask as text, one 0/1 per line
func WriteMask(path string, mask []bool) error {
	var sb strings.Builder
	for _, m := range mask {
		if m {
			sb.WriteString("1\n")
		} else {
			sb.WriteString("0\n")
		}
	}
	return writeText(path, sb.String())
}
