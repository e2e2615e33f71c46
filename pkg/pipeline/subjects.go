// Package pipeline runs the two stages of the tool: group decomposition of
// the averaged connectivity matrix and per-subject dual regression.
package pipeline

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gilchrisn/tractmodes/pkg/models"
)

// Default file names inside a tractography output directory
const (
	MatrixFile = "fdt_matrix2.dot"
	LookupFile = "lookup_tractspace_fdt_matrix2.nii.gz"
	CoordsFile = "coords_for_fdt_matrix2"
)

// ReadSubjectList reads one subject per line. An entry is a tractography
// directory (its fdt_matrix2.dot is used) or a matrix file. Blank lines and
// lines starting with '#' are skipped. Relative entries resolve against the
// list's directory.
func ReadSubjectList(path string, seeds []string) ([]models.Subject, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("subject list %s: %w", path, models.ErrInputMissing)
		}
		return nil, fmt.Errorf("could not open subject list %s: %v: %w", path, err, models.ErrIO)
	}
	defer file.Close()

	base := filepath.Dir(path)
	seen := make(map[string]int)
	var subjects []models.Subject

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(base, line)
		}

		info, err := os.Stat(line)
		if err != nil {
			return nil, fmt.Errorf("subject entry %s: %w", line, models.ErrInputMissing)
		}

		subj := models.Subject{SeedPaths: seeds}
		if info.IsDir() {
			subj.Dir = line
			subj.MatrixPath = filepath.Join(line, MatrixFile)
			if _, err := os.Stat(subj.MatrixPath); err != nil {
				return nil, fmt.Errorf("subject directory %s has no %s: %w", line, MatrixFile, models.ErrInputMissing)
			}
		} else {
			subj.Dir = filepath.Dir(line)
			subj.MatrixPath = line
		}

		id := filepath.Base(subj.Dir)
		if n := seen[id]; n > 0 {
			id = fmt.Sprintf("%s_%d", id, n+1)
		}
		seen[filepath.Base(subj.Dir)]++
		subj.ID = id
		subjects = append(subjects, subj)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %v: %w", path, err, models.ErrIO)
	}
	if len(subjects) == 0 {
		return nil, fmt.Errorf("subject list %s is empty: %w", path, models.ErrInputMissing)
	}
	return subjects, nil
}

// MatrixPaths returns the matrix file of every subject, in list order
func MatrixPaths(subjects []models.Subject) []string {
	paths := make([]string, len(subjects))
	for i, s := range subjects {
		paths[i] = s.MatrixPath
	}
	return paths
}

// BuildSeeds pairs seed paths with medial-wall masks. Masks are matched to
// surface seeds in order.
func BuildSeeds(paths, masks []string) ([]models.Seed, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no seeds given: %w", models.ErrInputMissing)
	}
	seeds := make([]models.Seed, len(paths))
	next := 0
	for i, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("seed %s: %w", p, models.ErrInputMissing)
		}
		seeds[i] = models.NewSeed(p)
		if seeds[i].Kind == models.SeedSurface && next < len(masks) {
			seeds[i].MaskPath = masks[next]
			next++
		}
	}
	if next < len(masks) {
		return nil, fmt.Errorf("%d medial-wall masks for %d surface seeds: %w", len(masks), next, models.ErrInputMissing)
	}
	return seeds, nil
}

func requireFile(path, what string) error {
	if path == "" {
		return fmt.Errorf("%s not set: %w", what, models.ErrInputMissing)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s %s: %w", what, path, models.ErrInputMissing)
	}
	return nil
}
