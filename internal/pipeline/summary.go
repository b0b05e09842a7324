package pipeline

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/AlfredBerg/joe-harvester/internal/ledger"
	"github.com/AlfredBerg/joe-harvester/internal/listing"
	"github.com/AlfredBerg/joe-harvester/internal/merge"
)

// State is a step of a run.
type State string

const (
	Idle       State = "idle"
	Acquiring  State = "acquiring"
	Parsing    State = "parsing"
	Merging    State = "merging"
	Validating State = "validating"
	Committed  State = "committed"
	RolledBack State = "rolled_back"
	Publishing State = "publishing"
)

// Status is the result of one key.
type Status string

const (
	StatusUpdated     Status = "updated"
	StatusFailed      Status = "failed"
	StatusUnparseable Status = "unparseable"
)

// Exit codes reported to the shell.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitPartial = 2
)

// KeyOutcome is what happened to one key during a run.
type KeyOutcome struct {
	Key      listing.Key
	Status   Status
	Attempts int
	Records  int
	Openings int
	// Retained is set on a failed key whose previous canonical file is
	// still on disk.
	Retained bool
	Err      error
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	State      State
	States     []State
	Outcomes   []KeyOutcome
	Deltas     []merge.KeyDelta
	Committed  bool
	Snapshot   listing.Snapshot
	Published  bool
	PublishErr error
	// Err is why nothing was committed.
	Err error
}

func (s Summary) count(st Status) int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Status == st {
			n++
		}
	}
	return n
}

// ExitCode is 0 when every key was updated and published, 2 when a commit
// happened despite failures, 1 when nothing was committed.
func (s Summary) ExitCode() int {
	if !s.Committed {
		return ExitFailure
	}
	if s.count(StatusUpdated) != len(s.Outcomes) || s.PublishErr != nil {
		return ExitPartial
	}
	return ExitOK
}

// Entry converts the summary for the run ledger.
func (s Summary) Entry() ledger.Entry {
	e := ledger.Entry{
		RunID:           s.RunID,
		StartedAt:       s.StartedAt,
		FinishedAt:      s.FinishedAt,
		State:           string(s.State),
		Committed:       s.Committed,
		SnapshotVersion: s.Snapshot.Version,
		TotalRecords:    s.Snapshot.Len(),
	}
	for _, o := range s.Outcomes {
		lo := ledger.Outcome{
			Key:      o.Key.String(),
			Status:   string(o.Status),
			Attempts: o.Attempts,
			Records:  o.Records,
			Retained: o.Retained,
		}
		if o.Err != nil {
			lo.Error = o.Err.Error()
		}
		e.Outcomes = append(e.Outcomes, lo)
	}
	return e
}

// Report writes a human readable summary.
func (s Summary) Report(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "run %s: %s\n", s.RunID, s.State)
	fmt.Fprintln(tw, "KEY\tSTATUS\tATTEMPTS\tPOSTINGS\tOPENINGS\tERROR")
	for _, o := range s.Outcomes {
		msg := ""
		if o.Err != nil {
			msg = o.Err.Error()
		}
		status := string(o.Status)
		if o.Retained {
			status += " (previous file kept)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n", o.Key, status, o.Attempts, o.Records, o.Openings, msg)
	}
	if len(s.Deltas) > 0 {
		fmt.Fprintln(tw, "KEY\tBEFORE\tAFTER\tADDED\tREMOVED\t")
		for _, d := range s.Deltas {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t\n", d.Key, d.Before, d.After, d.Added, d.Removed)
		}
	}
	switch {
	case s.Committed:
		fmt.Fprintf(tw, "committed snapshot v%d: %d postings, %d openings\n",
			s.Snapshot.Version, s.Snapshot.Len(), s.Snapshot.Openings())
	case s.Err != nil:
		fmt.Fprintf(tw, "no commit: %s\n", s.Err)
	}
	if s.PublishErr != nil {
		fmt.Fprintf(tw, "publish failed: %s\n", s.PublishErr)
	}
	return tw.Flush()
}
