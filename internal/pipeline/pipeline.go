// Package pipeline sequences one harvesting run: acquire and resolve every
// requested key, parse what arrived, merge, validate, commit and publish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AlfredBerg/joe-harvester/internal/acquire"
	"github.com/AlfredBerg/joe-harvester/internal/clock"
	"github.com/AlfredBerg/joe-harvester/internal/ledger"
	"github.com/AlfredBerg/joe-harvester/internal/listing"
	"github.com/AlfredBerg/joe-harvester/internal/merge"
	"github.com/AlfredBerg/joe-harvester/internal/parse"
	"github.com/AlfredBerg/joe-harvester/internal/resolve"
)

// Acquirer drives the browser for one key. *acquire.Session implements it.
type Acquirer interface {
	Acquire(ctx context.Context, key listing.Key) error
	Close() error
}

// SessionFactory opens a fresh browser session.
type SessionFactory func(ctx context.Context) (Acquirer, error)

// Resolver turns a triggered download into a canonical file.
type Resolver interface {
	Resolve(ctx context.Context, key listing.Key, trigger resolve.Trigger) (resolve.CanonicalFile, error)
	Sweep(archiveDir string) ([]string, error)
	Existing(key listing.Key) (resolve.CanonicalFile, bool)
}

// Parser reads a canonical file.
type Parser interface {
	ParseFile(key listing.Key, path string) ([]listing.Record, error)
}

// Store holds the committed snapshot.
type Store interface {
	Load() (listing.Snapshot, error)
	Commit(candidate listing.Dataset, reacquired map[listing.Key]bool) (listing.Snapshot, error)
}

// Publisher receives the snapshot after a commit.
type Publisher interface {
	Publish(ctx context.Context, snap listing.Snapshot) error
}

// Recorder keeps the run history.
type Recorder interface {
	Record(e ledger.Entry) error
}

// SessionError means a browser session could not be opened.
type SessionError struct {
	Err error
}

func (e *SessionError) Error() string { return "pipeline: open browser session: " + e.Err.Error() }

func (e *SessionError) Unwrap() error { return e.Err }

// Config tunes the orchestrator.
type Config struct {
	// Retries is the number of extra attempts per key.
	Retries int
	// Backoff is the wait before the first retry; it doubles per attempt.
	Backoff    time.Duration
	ArchiveDir string
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Orchestrator runs the pipeline. It is not safe for concurrent use: one
// run at a time owns the browser and the staging directory.
type Orchestrator struct {
	cfg       Config
	sessions  SessionFactory
	resolver  Resolver
	parser    Parser
	store     Store
	publisher Publisher
	recorder  Recorder
	log       *zap.Logger

	session Acquirer
	state   State
	states  []State
}

// New creates an Orchestrator. publisher and recorder may be nil.
func New(cfg Config, sessions SessionFactory, r Resolver, p Parser, s Store, pub Publisher, rec Recorder) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	return &Orchestrator{
		cfg:       cfg,
		sessions:  sessions,
		resolver:  r,
		parser:    p,
		store:     s,
		publisher: pub,
		recorder:  rec,
		log:       cfg.Logger,
		state:     Idle,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

func (o *Orchestrator) enter(log *zap.Logger, s State) {
	log.Debug("pipeline: state change", zap.String("from", string(o.state)), zap.String("to", string(s)))
	o.state = s
	o.states = append(o.states, s)
}

// Run harvests keys and commits the result. The returned summary always
// describes the run; its Err is set when nothing was committed.
func (o *Orchestrator) Run(ctx context.Context, keys []listing.Key) Summary {
	sum := Summary{RunID: uuid.NewString(), StartedAt: o.cfg.Clock.Now()}
	log := o.log.With(zap.String("run_id", sum.RunID))
	o.states = nil
	defer o.closeSession(log)

	log.Info("pipeline: run started", zap.Int("keys", len(keys)))
	o.enter(log, Acquiring)
	if o.cfg.ArchiveDir != "" {
		if moved, err := o.resolver.Sweep(o.cfg.ArchiveDir); err != nil {
			log.Warn("pipeline: archive sweep failed", zap.Error(err))
		} else if len(moved) > 0 {
			log.Info("pipeline: archived stray files", zap.Strings("files", moved))
		}
	}

	files := make(map[listing.Key]resolve.CanonicalFile)
	for _, key := range keys {
		if ctx.Err() != nil {
			break
		}
		out, cf := o.acquireKey(ctx, log, key)
		sum.Outcomes = append(sum.Outcomes, out)
		if out.Status == StatusUpdated {
			files[key] = cf
		}
	}
	if err := ctx.Err(); err != nil {
		return o.finish(log, sum, fmt.Errorf("pipeline: run aborted: %w", err))
	}

	o.enter(log, Parsing)
	fresh := make(map[listing.Key][]listing.Record)
	for i := range sum.Outcomes {
		out := &sum.Outcomes[i]
		cf, ok := files[out.Key]
		if !ok {
			continue
		}
		recs, err := o.parser.ParseFile(out.Key, cf.Path)
		if err != nil {
			var fe *parse.FormatError
			if errors.As(err, &fe) {
				out.Status = StatusUnparseable
			} else {
				out.Status = StatusFailed
			}
			out.Err = err
			log.Warn("pipeline: parse failed, keeping previous records",
				zap.String("key", out.Key.String()), zap.Error(err))
			continue
		}
		fresh[out.Key] = recs
		out.Records = len(recs)
		out.Openings = listing.Dataset{Records: recs}.Openings()
	}
	if len(fresh) == 0 {
		return o.finish(log, sum, eris.New("pipeline: no key produced records"))
	}
	if err := ctx.Err(); err != nil {
		return o.finish(log, sum, fmt.Errorf("pipeline: run aborted: %w", err))
	}

	o.enter(log, Merging)
	prev, err := o.store.Load()
	if err != nil {
		return o.finish(log, sum, err)
	}
	candidate := merge.Merge(prev.Dataset, fresh)
	sum.Deltas = merge.Compare(prev.Dataset, candidate)

	o.enter(log, Validating)
	reacquired := make(map[listing.Key]bool, len(fresh))
	for k := range fresh {
		reacquired[k] = true
	}
	if err := ctx.Err(); err != nil {
		return o.finish(log, sum, fmt.Errorf("pipeline: run aborted: %w", err))
	}
	snap, err := o.store.Commit(candidate, reacquired)
	if err != nil {
		return o.finish(log, sum, err)
	}
	sum.Committed = true
	sum.Snapshot = snap
	o.enter(log, Committed)

	if o.publisher != nil {
		o.enter(log, Publishing)
		if err := o.publisher.Publish(ctx, snap); err != nil {
			log.Error("pipeline: publish failed", zap.Error(err))
			sum.PublishErr = err
		} else {
			sum.Published = true
		}
	}
	return o.finish(log, sum, nil)
}

func (o *Orchestrator) finish(log *zap.Logger, sum Summary, err error) Summary {
	if !sum.Committed {
		o.enter(log, RolledBack)
	}
	sum.Err = err
	sum.FinishedAt = o.cfg.Clock.Now()
	sum.States = append([]State(nil), o.states...)
	if sum.Committed {
		sum.State = Committed
	} else {
		sum.State = RolledBack
	}
	o.enter(log, Idle)

	fields := []zap.Field{
		zap.String("state", string(sum.State)),
		zap.Int("updated", sum.count(StatusUpdated)),
		zap.Int("failed", len(sum.Outcomes)-sum.count(StatusUpdated)),
		zap.Int("exit_code", sum.ExitCode()),
	}
	if err != nil {
		log.Error("pipeline: run finished without commit", append(fields, zap.Error(err))...)
	} else {
		log.Info("pipeline: run finished", append(fields, zap.Int("version", sum.Snapshot.Version))...)
	}

	if o.recorder != nil {
		if rerr := o.recorder.Record(sum.Entry()); rerr != nil {
			log.Warn("pipeline: failed to record run", zap.Error(rerr))
		}
	}
	return sum
}

// acquireKey runs acquisition and resolution for key with retries. A new
// browser session is opened after every failed attempt.
func (o *Orchestrator) acquireKey(ctx context.Context, log *zap.Logger, key listing.Key) (KeyOutcome, resolve.CanonicalFile) {
	log = log.With(zap.String("key", key.String()))
	out := KeyOutcome{Key: key}
	if _, ok := listing.PeriodForYear(key.Period); !ok {
		out.Status = StatusFailed
		out.Err = eris.Errorf("pipeline: unknown period %d", key.Period)
		log.Warn("pipeline: key skipped", zap.Error(out.Err))
		return out, resolve.CanonicalFile{}
	}
	var errs error

	for attempt := 1; attempt <= o.cfg.Retries+1; attempt++ {
		out.Attempts = attempt
		cf, err := o.attempt(ctx, key)
		if err == nil {
			out.Status = StatusUpdated
			log.Info("pipeline: key acquired", zap.Int("attempt", attempt), zap.Int64("size", cf.Size))
			return out, cf
		}
		errs = multierr.Append(errs, fmt.Errorf("attempt %d: %w", attempt, err))
		o.closeSession(log)

		if ctx.Err() != nil || !retryable(err) || attempt > o.cfg.Retries {
			log.Warn("pipeline: key failed", zap.Int("attempt", attempt), zap.Error(err))
			break
		}
		wait := o.cfg.Backoff << (attempt - 1)
		log.Warn("pipeline: attempt failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		if serr := o.cfg.Clock.Sleep(ctx, wait); serr != nil {
			break
		}
	}
	out.Status = StatusFailed
	out.Err = errs
	if prev, ok := o.resolver.Existing(key); ok {
		out.Retained = true
		log.Info("pipeline: previous file kept", zap.String("path", prev.Path))
	}
	return out, resolve.CanonicalFile{}
}

func (o *Orchestrator) attempt(ctx context.Context, key listing.Key) (resolve.CanonicalFile, error) {
	return o.resolver.Resolve(ctx, key, func(ctx context.Context) error {
		if o.session == nil {
			s, err := o.sessions(ctx)
			if err != nil {
				return &SessionError{Err: err}
			}
			o.session = s
		}
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = o.session.Acquire(ctx, key) })
		if r := pc.Recovered(); r != nil {
			return &acquire.UIStateError{Key: key, Step: "browser", Err: fmt.Errorf("panic: %v", r.Value)}
		}
		return err
	})
}

func (o *Orchestrator) closeSession(log *zap.Logger) {
	if o.session == nil {
		return
	}
	if err := o.session.Close(); err != nil {
		log.Warn("pipeline: closing browser session", zap.Error(err))
	}
	o.session = nil
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var tf *resolve.TimeoutFailure
	var se *SessionError
	return acquire.Retryable(err) || errors.As(err, &tf) || errors.As(err, &se)
}

// Smoke acquires and parses a single key without committing anything.
func (o *Orchestrator) Smoke(ctx context.Context, key listing.Key) (KeyOutcome, error) {
	log := o.log.With(zap.String("run_id", uuid.NewString()), zap.String("mode", "smoke"))
	defer o.closeSession(log)

	out, cf := o.acquireKey(ctx, log, key)
	if out.Status != StatusUpdated {
		return out, out.Err
	}
	recs, err := o.parser.ParseFile(key, cf.Path)
	if err != nil {
		out.Status = StatusUnparseable
		out.Err = err
		return out, err
	}
	out.Records = len(recs)
	out.Openings = listing.Dataset{Records: recs}.Openings()
	log.Info("pipeline: smoke test passed", zap.Int("postings", out.Records), zap.Int("openings", out.Openings))
	return out, nil
}
