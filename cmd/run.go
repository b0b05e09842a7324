package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/AlfredBerg/joe-harvester/internal/acquire"
	"github.com/AlfredBerg/joe-harvester/internal/clock"
	"github.com/AlfredBerg/joe-harvester/internal/config"
	"github.com/AlfredBerg/joe-harvester/internal/ledger"
	"github.com/AlfredBerg/joe-harvester/internal/listing"
	"github.com/AlfredBerg/joe-harvester/internal/parse"
	"github.com/AlfredBerg/joe-harvester/internal/pipeline"
	"github.com/AlfredBerg/joe-harvester/internal/publish"
	"github.com/AlfredBerg/joe-harvester/internal/resolve"
	"github.com/AlfredBerg/joe-harvester/internal/snapshot"
)

type runFlags struct {
	years int
	all   bool
}

var rflags runFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Acquire recent (or all) periods and commit the merged snapshot",
	Example: `  joe-harvester run --years 1
  joe-harvester run --all --headless=false`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !rflags.all && rflags.years <= 0 {
			return eris.New("run: pass --years N or --all")
		}
		periods := listing.Recent(rflags.years)
		if rflags.all {
			periods = listing.Periods
		}
		keys := listing.Keys(periods, cfg.Sections)

		ctx, stop := signalContext()
		defer stop()

		orch, cleanup, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		sum := orch.Run(ctx, keys)
		if err := sum.Report(os.Stdout); err != nil {
			return err
		}
		exitCode = sum.ExitCode()
		return nil
	},
}

func init() {
	runCmd.Flags().IntVarP(&rflags.years, "years", "y", 0, "Acquire the N most recent listing periods.")
	runCmd.Flags().BoolVar(&rflags.all, "all", false, "Acquire every known listing period.")
	runCmd.MarkFlagsMutuallyExclusive("years", "all")
}

// build wires the pipeline from configuration. The returned cleanup closes
// the run ledger.
func build(ctx context.Context, c *config.Config, log *zap.Logger) (*pipeline.Orchestrator, func(), error) {
	fs := afero.NewOsFs()
	clk := clock.Real{}

	staging, err := filepath.Abs(c.StagingDir)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "run: staging dir %s", c.StagingDir)
	}
	for _, dir := range []string{c.DataDir, staging, c.CanonicalDir, filepath.Dir(c.LedgerPath)} {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, eris.Wrapf(err, "run: mkdir %s", dir)
		}
	}

	res := resolve.New(resolve.Config{
		Fs:           fs,
		StagingDir:   staging,
		CanonicalDir: c.CanonicalDir,
		Timeout:      c.DownloadTimeout,
		PollInterval: c.PollInterval,
		Clock:        clk,
		Logger:       log,
	})
	guard := snapshot.New(snapshot.Config{
		Fs:         fs,
		Path:       c.SnapshotPath,
		Tolerance:  c.RegressionTolerance,
		MinRecords: c.MinRecords,
		Clock:      clk,
		Logger:     log,
	})

	sessions := func(ctx context.Context) (pipeline.Acquirer, error) {
		s, err := acquire.Open(ctx, acquire.Config{
			BaseURL:       c.BaseURL,
			StagingDir:    staging,
			ScreenshotDir: c.DataDir,
			Headless:      c.Headless,
			RemoteURL:     c.RemoteURL,
			Clock:         clk,
			Logger:        log,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	led, err := ledger.Open(ctx, c.LedgerPath, time.Now(), log)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := led.Close(); err != nil {
			log.Warn("ledger: close", zap.Error(err))
		}
	}

	orch := pipeline.New(pipeline.Config{
		Retries:    c.Retries,
		Backoff:    c.RetryBackoff,
		ArchiveDir: c.ArchiveDir,
		Clock:      clk,
		Logger:     log,
	}, sessions, res, parse.New(fs, log), guard, publish.New(c.PublishCommand, c.SnapshotPath, log), led)
	return orch, cleanup, nil
}
