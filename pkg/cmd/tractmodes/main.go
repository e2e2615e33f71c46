// Command tractmodes decomposes group-averaged tractography connectivity into
// paired seed/target component maps and dual-regresses subjects onto them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gilchrisn/tractmodes/pkg/pipeline"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tractmodes",
		Short: "Connectivity-mode decomposition of tractography matrices",
		Long: `tractmodes factorises the group average of subjects' seed x target
connectivity matrices into K paired seed (G) and target (W) maps with ICA or
NMF, and projects every subject back onto those maps by dual regression.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tractmodes v%s (%s)\n", version, commit)
		},
	})
	rootCmd.AddCommand(newDecomposeCmd())
	rootCmd.AddCommand(newDualRegressCmd())
	return rootCmd
}

func newDecomposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decompose",
		Short: "Average subject matrices and decompose the group average",
		Args:  cobra.NoArgs,
		RunE:  runDecompose,
	}
	f := cmd.Flags()
	f.String("list", "", "Subject list: one tractography directory or matrix file per line")
	f.StringSlice("seeds", nil, "Seed images in matrix row order (.nii/.nii.gz volumes, .gii surfaces)")
	f.Int("dim", 0, "Number of components K")
	f.String("out", "", "Output directory")
	f.String("algo", "ica", "Decomposition algorithm: ica or nmf")
	f.String("pca-type", "migp", "Reducer before ICA: migp or pca")
	f.Int("pca-dim", 0, "Reduced dimension before ICA (0 picks automatically)")
	f.Bool("sign-flip", true, "Flip ICA components so their W rows are positive-skewed")
	f.Bool("normalise", false, "Also write z-scored factors")
	f.Bool("wta", false, "Also write winner-takes-all label maps")
	f.Float64("wta-zthr", 2.0, "Z threshold for winner-takes-all labels")
	f.StringSlice("medial-wall", nil, "Medial-wall masks for surface seeds, in seed order")
	f.String("lookup", "", "Target lookup volume (default: from the first subject)")
	f.String("coords", "", "Seed coordinate table (default: from the first subject)")
	addCommonFlags(cmd)
	return cmd
}

func newDualRegressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dual-regress",
		Short: "Project every subject onto the group factors of a decomposition",
		Args:  cobra.NoArgs,
		RunE:  runDualRegress,
	}
	f := cmd.Flags()
	f.String("list", "", "Subject list: one tractography directory or matrix file per line")
	f.StringSlice("seeds", nil, "Seed images in matrix row order")
	f.String("algo", "", "Algorithm of the group decomposition: ica or nmf")
	f.String("decomp-dir", "", "Output directory of a previous decompose run")
	f.String("out", "", "Output directory")
	f.StringSlice("medial-wall", nil, "Medial-wall masks (default: those recorded by decompose)")
	f.Bool("normalise", false, "Also write z-scored subject factors")
	f.Int("n-cores", 1, "Parallel NNLS workers for NMF (0 uses every CPU)")
	addCommonFlags(cmd)
	return cmd
}

func addCommonFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Hyperparameter YAML file")
	cmd.Flags().Bool("overwrite", false, "Replace existing outputs")
	cmd.Flags().String("log-level", "info", "Log level: debug, info, warn, error")
}

func runDecompose(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.CreateLogger()

	opts := pipeline.DecomposeOptions{}
	opts.ListPath, _ = cmd.Flags().GetString("list")
	opts.SeedPaths, _ = cmd.Flags().GetStringSlice("seeds")
	opts.MedialWall, _ = cmd.Flags().GetStringSlice("medial-wall")
	opts.LookupPath, _ = cmd.Flags().GetString("lookup")
	opts.CoordsPath, _ = cmd.Flags().GetString("coords")
	opts.OutDir, _ = cmd.Flags().GetString("out")

	result, err := pipeline.Decompose(cmd.Context(), cfg, opts, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Decomposition failed")
		return err
	}
	logger.Info().
		Str("run_id", result.Manifest.RunID).
		Bool("cache_hit", result.CacheHit).
		Float64("relative_error", result.Manifest.ReconstructionError).
		Msg("Done")
	return nil
}

func runDualRegress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := cfg.CreateLogger()

	opts := pipeline.DualRegressOptions{}
	opts.ListPath, _ = cmd.Flags().GetString("list")
	opts.SeedPaths, _ = cmd.Flags().GetStringSlice("seeds")
	opts.MedialWall, _ = cmd.Flags().GetStringSlice("medial-wall")
	opts.Algorithm, _ = cmd.Flags().GetString("algo")
	opts.DecompDir, _ = cmd.Flags().GetString("decomp-dir")
	opts.OutDir, _ = cmd.Flags().GetString("out")

	result, err := pipeline.DualRegress(cmd.Context(), cfg, opts, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Dual regression failed")
		return err
	}
	for id, ferr := range result.Failed {
		logger.Warn().Str("subject", id).Err(ferr).Msg("Subject not dual-regressed")
	}
	return nil
}
