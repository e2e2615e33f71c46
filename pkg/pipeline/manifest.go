package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gilchrisn/tractmodes/pkg/config"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// ManifestFile is written next to the decomposition outputs
const ManifestFile = "decomposition.yaml"

// Manifest records what a decompose run produced
type Manifest struct {
	RunID               string            `yaml:"run_id"`
	CreatedAt           time.Time         `yaml:"created_at"`
	Algorithm           string            `yaml:"algorithm"`
	Dim                 int               `yaml:"dim"`
	Subjects            int               `yaml:"subjects"`
	Seeds               []ManifestSeed    `yaml:"seeds"`
	Targets             int               `yaml:"targets"`
	SignFlip            bool              `yaml:"sign_flip"`
	Normalise           bool              `yaml:"normalise"`
	WTA                 bool              `yaml:"wta"`
	WTAThreshold        float64           `yaml:"wta_threshold,omitempty"`
	PCA                 *PCASettings      `yaml:"pca,omitempty"`
	ICA                 *config.ICAParams `yaml:"ica,omitempty"`
	NMF                 *config.NMFParams `yaml:"nmf,omitempty"`
	ReconstructionError float64           `yaml:"reconstruction_error"`
	Files               ManifestFiles     `yaml:"files"`
}

// ManifestSeed describes one seed of the decomposition
type ManifestSeed struct {
	Name       string `yaml:"name"`
	Path       string `yaml:"path"`
	Kind       string `yaml:"kind"`
	Rows       int    `yaml:"rows"`
	MedialWall string `yaml:"medial_wall,omitempty"`
}

// PCASettings records the reducer used before ICA
type PCASettings struct {
	Type       string `yaml:"type"`
	Components int    `yaml:"components"`
	Window     int    `yaml:"window,omitempty"`
	KeepMean   bool   `yaml:"keep_mean,omitempty"`
	Seed       int64  `yaml:"seed,omitempty"`
}

// ManifestFiles are paths relative to the decomposition output directory
type ManifestFiles struct {
	W       string `yaml:"w"`
	GPrefix string `yaml:"g_prefix"`
	Lookup  string `yaml:"lookup"`
	Coords  string `yaml:"coords"`
	Cache   string `yaml:"cache"`
}

// WriteManifest writes m atomically to path
func WriteManifest(path string, m *Manifest) error {
	err := utils.WriteFileAtomic(path, func(w io.Writer) error {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return err
		}
		return enc.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to write manifest %s: %v: %w", path, err, models.ErrIO)
	}
	return nil
}

// ReadManifest reads the manifest of a decomposition directory for algo
func ReadManifest(decompDir string, algo models.Algorithm) (*Manifest, error) {
	path := filepath.Join(decompDir, "components", algo.Upper(), ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("decomposition manifest %s: %w", path, models.ErrInputMissing)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %v: %w", path, err, models.ErrIO)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %v: %w", path, err, models.ErrIO)
	}
	if m.Dim <= 0 || m.Files.W == "" || m.Files.GPrefix == "" {
		return nil, fmt.Errorf("manifest %s is incomplete: %w", path, models.ErrInputMissing)
	}
	return &m, nil
}
