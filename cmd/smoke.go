package cmd

import (
	"github.com/spf13/cobra"

	"github.com/AlfredBerg/joe-harvester/internal/listing"
	"github.com/AlfredBerg/joe-harvester/internal/pipeline"
)

var smokeCmd = &cobra.Command{
	Use:   "smoke",
	Short: "Download and parse the newest period of the first section without committing",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := listing.Key{Period: listing.Periods[0].Year, Category: cfg.Sections[0]}

		ctx, stop := signalContext()
		defer stop()

		orch, cleanup, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer cleanup()

		out, err := orch.Smoke(ctx, key)
		if err != nil {
			printErr("smoke %s failed after %d attempt(s): %s", key, out.Attempts, err)
			exitCode = pipeline.ExitFailure
			return nil
		}
		cmd.Printf("smoke %s ok: %d postings, %d openings\n", key, out.Records, out.Openings)
		return nil
	},
}
