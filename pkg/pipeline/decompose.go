package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/gilchrisn/tractmodes/pkg/config"
	"github.com/gilchrisn/tractmodes/pkg/factors"
	"github.com/gilchrisn/tractmodes/pkg/ica"
	"github.com/gilchrisn/tractmodes/pkg/imaging"
	"github.com/gilchrisn/tractmodes/pkg/linalg"
	"github.com/gilchrisn/tractmodes/pkg/models"
	"github.com/gilchrisn/tractmodes/pkg/nifti"
	"github.com/gilchrisn/tractmodes/pkg/nmf"
	"github.com/gilchrisn/tractmodes/pkg/pca"
	"github.com/gilchrisn/tractmodes/pkg/sparse"
	"github.com/gilchrisn/tractmodes/pkg/utils"
)

// Output tree names
const (
	GroupDir       = "group_averages"
	ComponentsDir  = "components"
	CacheFile      = "average_matrix2.bin"
	CopiedLookup   = "lookup_tractspace.nii.gz"
	CopiedCoords   = "coords_for_fdt_matrix2"
	decompSubdir   = "decomp"
	normSubdir     = "normalised"
	wtaSubdir      = "wta"
	medialWallTail = "_medial_wall.txt"
)

// ErrOutputExists is returned when a decomposition is already present and
// overwrite is off.
var ErrOutputExists = errors.New("pipeline: output already exists")

// DecomposeOptions are the file inputs of a decompose run. Numeric settings
// come from the Config.
type DecomposeOptions struct {
	ListPath   string
	SeedPaths  []string
	MedialWall []string
	LookupPath string
	CoordsPath string
	OutDir     string
}

// DecomposeResult summarises a decompose run
type DecomposeResult struct {
	Manifest  *Manifest
	Factors   models.Factors
	CacheHit  bool
	RuntimeMS int64
}

func rankDir(outDir string, algo models.Algorithm) string {
	return filepath.Join(outDir, ComponentsDir, algo.Upper())
}

func factorNames(algo models.Algorithm, k int, suffix string) (wName, gPrefix string) {
	wName = fmt.Sprintf("W_%s_dim%d%s", algo, k, suffix)
	gPrefix = fmt.Sprintf("G_%s_dim%d%s", algo, k, suffix)
	return wName, gPrefix
}

// Decompose averages the subjects' connectivity matrices, factorises the
// average into K components and writes the group factors as images.
func Decompose(ctx context.Context, cfg *config.Config, opts DecomposeOptions, logger zerolog.Logger) (*DecomposeResult, error) {
	startTime := time.Now()

	algo, err := models.ParseAlgorithm(cfg.Algorithm())
	if err != nil {
		return nil, err
	}
	k := cfg.Dim()
	if k <= 0 {
		return nil, fmt.Errorf("decomposition dimension not set: %w", models.ErrInputMissing)
	}
	if opts.OutDir == "" {
		return nil, fmt.Errorf("output directory not set: %w", models.ErrInputMissing)
	}
	if err := requireFile(opts.ListPath, "subject list"); err != nil {
		return nil, err
	}

	subjects, err := ReadSubjectList(opts.ListPath, opts.SeedPaths)
	if err != nil {
		return nil, err
	}
	seeds, err := BuildSeeds(opts.SeedPaths, opts.MedialWall)
	if err != nil {
		return nil, err
	}
	if opts.LookupPath == "" {
		opts.LookupPath = filepath.Join(subjects[0].Dir, LookupFile)
	}
	if opts.CoordsPath == "" {
		opts.CoordsPath = filepath.Join(subjects[0].Dir, CoordsFile)
	}
	if err := requireFile(opts.LookupPath, "lookup volume"); err != nil {
		return nil, err
	}
	if err := requireFile(opts.CoordsPath, "coordinate table"); err != nil {
		return nil, err
	}

	outAlgo := rankDir(opts.OutDir, algo)
	groupDir := filepath.Join(opts.OutDir, GroupDir)
	if err := prepareOutput(outAlgo, groupDir, cfg.Overwrite(), logger); err != nil {
		return nil, err
	}

	// Geometry first so malformed images fail before the expensive parse
	lookupImg, err := nifti.ReadFile(opts.LookupPath)
	if err != nil {
		return nil, err
	}
	lookup, err := imaging.NewLookup(lookupImg)
	if err != nil {
		return nil, err
	}
	coords, err := imaging.ReadCoords(opts.CoordsPath)
	if err != nil {
		return nil, err
	}
	spaces, err := imaging.LoadSeedSpaces(seeds, coords)
	if err != nil {
		return nil, err
	}

	c, cacheHit, err := groupAverage(ctx, subjects, filepath.Join(groupDir, CacheFile), logger)
	if err != nil {
		return nil, err
	}
	s, t := c.Dims()
	if t != lookup.Targets() {
		return nil, fmt.Errorf("matrix has %d targets, lookup has %d: %w", t, lookup.Targets(), models.ErrLookupShapeMismatch)
	}
	if rows := imaging.NumRows(spaces); rows != s {
		return nil, fmt.Errorf("matrix has %d seed rows, coordinate table has %d: %w", s, rows, models.ErrLookupShapeMismatch)
	}

	var tracker *utils.ConvergenceTracker
	if cfg.TrackConvergence() {
		tracker = utils.NewConvergenceTracker(filepath.Join(outAlgo, cfg.TrackingOutputFile()), string(algo))
		if tracker == nil {
			logger.Warn().Str("file", cfg.TrackingOutputFile()).Msg("Could not create convergence log, tracking disabled")
		}
		defer tracker.Close()
	}

	manifest := &Manifest{
		RunID:        uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		Algorithm:    string(algo),
		Dim:          k,
		Subjects:     len(subjects),
		Targets:      t,
		SignFlip:     cfg.SignFlip() && algo == models.AlgorithmICA,
		Normalise:    cfg.Normalise(),
		WTA:          cfg.WTA(),
		WTAThreshold: cfg.WTAThreshold(),
	}

	logger.Info().
		Str("run_id", manifest.RunID).
		Str("algorithm", string(algo)).
		Int("dim", k).
		Int("seeds", s).
		Int("targets", t).
		Msg("Starting decomposition")

	var core models.FactorPair
	switch algo {
	case models.AlgorithmICA:
		var params config.ICAParams
		core, manifest.PCA, params, err = decomposeICA(ctx, cfg, c, logger, tracker)
		if err != nil {
			return nil, err
		}
		manifest.ICA = &params
		if manifest.SignFlip {
			core = factors.SignFlipPair(core, 0)
		}
	case models.AlgorithmNMF:
		params, err := cfg.NMFParams()
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, models.ErrInputMissing)
		}
		var stats nmf.Statistics
		core, stats, err = nmf.Decompose(ctx, c, params, logger, tracker)
		if err != nil {
			return nil, err
		}
		manifest.NMF = &params
		logger.Info().Int("iterations", stats.Iterations).Bool("converged", stats.Converged).Msg("NMF finished")
	}

	manifest.ReconstructionError = linalg.RelativeError(c, core.G, core.W)
	logger.Info().Float64("relative_error", manifest.ReconstructionError).Msg("Reconstruction error of group factors")

	result := &DecomposeResult{Manifest: manifest, CacheHit: cacheHit}
	result.Factors = models.Factors{Core: core}
	if cfg.Normalise() {
		result.Factors = factors.WithNormalised(core)
	}

	writer := imaging.NewFileWriter(lookup, spaces)
	if err := writeFactors(writer, result.Factors, outAlgo, algo, k); err != nil {
		return nil, err
	}
	if cfg.WTA() {
		gLabels, wLabels, err := factors.GroupWTA(core.G, core.W, cfg.WTAThreshold())
		if err != nil {
			return nil, err
		}
		wName, gPrefix := factorNames(algo, k, "_wta")
		if err := writer.WriteLabels(gLabels, wLabels, k, filepath.Join(outAlgo, wtaSubdir), wName, gPrefix); err != nil {
			return nil, err
		}
	}

	if err := copyGroupArtefacts(groupDir, lookup, opts.CoordsPath, spaces, manifest); err != nil {
		return nil, err
	}

	wName, gPrefix := factorNames(algo, k, "")
	manifest.Files.W = filepath.Join(ComponentsDir, algo.Upper(), decompSubdir, wName+".nii.gz")
	manifest.Files.GPrefix = filepath.Join(ComponentsDir, algo.Upper(), decompSubdir, gPrefix)
	manifest.Files.Lookup = filepath.Join(GroupDir, CopiedLookup)
	manifest.Files.Coords = filepath.Join(GroupDir, CopiedCoords)
	manifest.Files.Cache = filepath.Join(GroupDir, CacheFile)
	if err := WriteManifest(filepath.Join(outAlgo, ManifestFile), manifest); err != nil {
		return nil, err
	}

	result.RuntimeMS = time.Since(startTime).Milliseconds()
	logger.Info().
		Str("output", outAlgo).
		Int64("runtime_ms", result.RuntimeMS).
		Msg("Decomposition completed")
	return result, nil
}

// prepareOutput clears the algorithm subtree and cache when overwrite is
// set, and refuses to replace an existing decomposition otherwise.
func prepareOutput(outAlgo, groupDir string, overwrite bool, logger zerolog.Logger) error {
	manifestPath := filepath.Join(outAlgo, ManifestFile)
	if overwrite {
		logger.Info().Str("dir", outAlgo).Msg("Removing previous outputs")
		if err := os.RemoveAll(outAlgo); err != nil {
			return fmt.Errorf("failed to clear %s: %v: %w", outAlgo, err, models.ErrIO)
		}
		if err := os.Remove(filepath.Join(groupDir, CacheFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove cache: %v: %w", err, models.ErrIO)
		}
	} else if _, err := os.Stat(manifestPath); err == nil {
		return fmt.Errorf("%s exists, set overwrite to replace it: %w", manifestPath, ErrOutputExists)
	}

	for _, dir := range []string{outAlgo, groupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %v: %w", dir, err, models.ErrIO)
		}
	}
	return nil
}

// groupAverage returns the cached group average when it was built from the
// same subject list, and otherwise averages and refreshes the cache.
func groupAverage(ctx context.Context, subjects []models.Subject, cachePath string, logger zerolog.Logger) (*mat.Dense, bool, error) {
	paths := MatrixPaths(subjects)
	fp := sparse.Fingerprint(paths)

	c, ok, err := sparse.LoadCache(cachePath, fp)
	switch {
	case err == nil && ok:
		logger.Info().Str("cache", cachePath).Msg("Using cached group average")
		return c, true, nil
	case errors.Is(err, sparse.ErrStaleCache):
		logger.Warn().Str("cache", cachePath).Msg("Group-average cache was built from a different subject list, re-averaging")
	case err != nil:
		logger.Warn().Err(err).Str("cache", cachePath).Msg("Ignoring unreadable group-average cache")
	}

	c, err = sparse.Average(ctx, paths, logger)
	if err != nil {
		return nil, false, err
	}
	if err := sparse.SaveCache(cachePath, c, fp); err != nil {
		return nil, false, err
	}
	return c, false, nil
}

// decomposeICA reduces C with MIGP or batch PCA and runs FastICA on the result
func decomposeICA(ctx context.Context, cfg *config.Config, c *mat.Dense, logger zerolog.Logger, tracker *utils.ConvergenceTracker) (models.FactorPair, *PCASettings, config.ICAParams, error) {
	settings := &PCASettings{Type: cfg.PCAType()}

	var reduced *mat.Dense
	var err error
	switch cfg.PCAType() {
	case "migp":
		var stats pca.Statistics
		reduced, stats, err = pca.MIGP(ctx, c, pca.MIGPOptions{
			Components: cfg.PCAComponents(),
			Window:     cfg.MIGPWindow(),
			KeepMean:   cfg.KeepMean(),
			Seed:       cfg.PCARandomSeed(),
		}, logger)
		settings.Window = stats.Window
		settings.Seed = stats.Seed
		settings.KeepMean = cfg.KeepMean()
	case "pca":
		reduced, err = pca.PCA(c, cfg.PCAComponents(), logger)
	default:
		return models.FactorPair{}, nil, config.ICAParams{}, fmt.Errorf("unknown pca type %q (want migp or pca): %w", cfg.PCAType(), models.ErrInputMissing)
	}
	if err != nil {
		return models.FactorPair{}, nil, config.ICAParams{}, err
	}
	_, settings.Components = reduced.Dims()

	params := cfg.ICAParams()
	if params.RandomState < 0 {
		params.RandomState = rand.Int63()
		logger.Info().Int64("random_state", params.RandomState).Msg("FastICA random state drawn")
	}
	core, err := ica.Decompose(ctx, reduced, c, params, logger, tracker)
	return core, settings, params, err
}

func writeFactors(w imaging.Writer, f models.Factors, outAlgo string, algo models.Algorithm, k int) error {
	wName, gPrefix := factorNames(algo, k, "")
	if err := w.WriteAll(f.Core, filepath.Join(outAlgo, decompSubdir), wName, gPrefix); err != nil {
		return err
	}
	if f.Normalised != nil {
		nw, ng := factorNames(algo, k, "_norm")
		if err := w.WriteAll(*f.Normalised, filepath.Join(outAlgo, normSubdir), nw, ng); err != nil {
			return err
		}
	}
	return nil
}

// copyGroupArtefacts stores the lookup, coordinate table and medial-wall
// masks under the group directory so dual regression needs only that tree.
func copyGroupArtefacts(groupDir string, lookup *imaging.Lookup, coordsPath string, spaces []*imaging.SeedSpace, m *Manifest) error {
	if err := nifti.WriteFile(filepath.Join(groupDir, CopiedLookup), lookup.Image); err != nil {
		return err
	}
	if err := utils.CopyFileAtomic(coordsPath, filepath.Join(groupDir, CopiedCoords)); err != nil {
		return fmt.Errorf("failed to copy coordinate table: %v: %w", err, models.ErrIO)
	}

	for _, space := range spaces {
		entry := ManifestSeed{
			Name: space.Seed.Name(),
			Path: space.Seed.Path,
			Kind: space.Seed.Kind.String(),
			Rows: len(space.Rows),
		}
		if space.Surface != nil {
			name := space.Seed.Name() + medialWallTail
			if err := imaging.WriteMask(filepath.Join(groupDir, name), space.Mask); err != nil {
				return err
			}
			entry.MedialWall = filepath.Join(GroupDir, name)
		}
		m.Seeds = append(m.Seeds, entry)
	}
	return nil
}
