package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/AlfredBerg/joe-harvester/internal/ledger"
	"github.com/AlfredBerg/joe-harvester/internal/listing"
	"github.com/AlfredBerg/joe-harvester/internal/snapshot"
)

var showRuns int

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the committed snapshot and the most recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		guard := snapshot.New(snapshot.Config{Fs: afero.NewOsFs(), Path: cfg.SnapshotPath, Logger: logger})
		snap, err := guard.Load()
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if snap.Version == 0 && snap.Len() == 0 {
			fmt.Fprintf(tw, "no snapshot at %s\n", cfg.SnapshotPath)
		} else {
			fmt.Fprintf(tw, "snapshot v%d committed %s: %d postings, %d openings\n",
				snap.Version, snap.CommittedAt.Format(time.RFC3339), snap.Len(), snap.Openings())
			counts := snap.CountByKey()
			keys := make([]listing.Key, 0, len(counts))
			for k := range counts {
				keys = append(keys, k)
			}
			listing.SortKeys(keys)
			fmt.Fprintln(tw, "PERIOD\tSECTION\tPOSTINGS")
			for _, k := range keys {
				fmt.Fprintf(tw, "%d\t%s\t%d\n", k.Period, k.SectionName(), counts[k])
			}
		}

		if showRuns > 0 {
			if _, err := os.Stat(cfg.LedgerPath); err == nil {
				led, err := ledger.Open(cmd.Context(), cfg.LedgerPath, time.Now(), logger)
				if err != nil {
					return err
				}
				defer led.Close()
				runs, err := led.Recent(cmd.Context(), showRuns)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "\nRUN\tFINISHED\tSTATE\tVERSION\tPOSTINGS")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n",
						r.RunID, r.FinishedAt.Format(time.RFC3339), r.State, r.SnapshotVersion, r.TotalRecords)
				}
			}
		}
		return tw.Flush()
	},
}

func init() {
	showCmd.Flags().IntVar(&showRuns, "runs", 5, "Number of recent runs to list from the run ledger.")
}
