// Package snapshot owns the committed historical dataset. A candidate only
// replaces it after passing validation; the previous snapshot is kept as a
// .bak copy next to it.
package snapshot

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/AlfredBerg/joe-harvester/internal/clock"
	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

// Header is the first line of the snapshot file.
var Header = []string{
	"period", "category", "institution", "title", "opening_count",
	"posted_date", "natural_key", "raw_row_hash", "source_row",
}

// Meta is stored in the sidecar file next to the snapshot.
type Meta struct {
	Version     int            `yaml:"version"`
	CommittedAt time.Time      `yaml:"committed_at"`
	Total       int            `yaml:"total"`
	Openings    int            `yaml:"openings"`
	PerKey      map[string]int `yaml:"per_key"`
}

// Regression is an untouched key whose record count fell below the allowed
// floor.
type Regression struct {
	Key    listing.Key
	Before int
	After  int
}

// ValidationFailure blocks a commit. The stored snapshot is untouched.
type ValidationFailure struct {
	Total       int
	MinRecords  int
	Tolerance   float64
	Regressions []Regression
}

func (e *ValidationFailure) Error() string {
	if e.Total < e.MinRecords {
		return fmt.Sprintf("snapshot: candidate has %d records, need at least %d", e.Total, e.MinRecords)
	}
	parts := make([]string, 0, len(e.Regressions))
	for _, r := range e.Regressions {
		parts = append(parts, fmt.Sprintf("%s %d->%d", r.Key, r.Before, r.After))
	}
	return fmt.Sprintf("snapshot: untouched keys regressed more than %.0f%%: %s",
		e.Tolerance*100, strings.Join(parts, ", "))
}

// Config configures a Guard.
type Config struct {
	Fs   afero.Fs
	Path string
	// Tolerance is the fraction an untouched key may shrink by.
	Tolerance  float64
	MinRecords int
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Guard validates and commits snapshots.
type Guard struct {
	cfg Config
	log *zap.Logger
}

// New creates a Guard.
func New(cfg Config) *Guard {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Guard{cfg: cfg, log: cfg.Logger}
}

// MetaPath returns the sidecar path.
func (g *Guard) MetaPath() string { return g.cfg.Path + ".meta.yaml" }

// BackupPath returns where the previous snapshot is kept.
func (g *Guard) BackupPath() string { return g.cfg.Path + ".bak" }

// Path returns the snapshot path.
func (g *Guard) Path() string { return g.cfg.Path }

// Load reads the committed snapshot. A missing snapshot is an empty one at
// version 0.
func (g *Guard) Load() (listing.Snapshot, error) {
	f, err := g.cfg.Fs.Open(g.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return listing.Snapshot{}, nil
		}
		return listing.Snapshot{}, eris.Wrapf(err, "snapshot: open %s", g.cfg.Path)
	}
	defer f.Close()

	recs, err := readRecords(f)
	if err != nil {
		return listing.Snapshot{}, eris.Wrapf(err, "snapshot: read %s", g.cfg.Path)
	}
	snap := listing.Snapshot{Dataset: listing.Dataset{Records: recs}}

	meta, err := g.loadMeta()
	if err != nil {
		return listing.Snapshot{}, err
	}
	snap.Version = meta.Version
	snap.CommittedAt = meta.CommittedAt
	return snap, nil
}

func (g *Guard) loadMeta() (Meta, error) {
	data, err := afero.ReadFile(g.cfg.Fs, g.MetaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, nil
		}
		return Meta{}, eris.Wrapf(err, "snapshot: read %s", g.MetaPath())
	}
	var m Meta
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Meta{}, eris.Wrapf(err, "snapshot: decode %s", g.MetaPath())
	}
	return m, nil
}

// Validate checks candidate against prev. Keys in reacquired were
// refreshed this run and may shrink freely; every other key may not lose
// more than the configured tolerance.
func (g *Guard) Validate(prev listing.Snapshot, candidate listing.Dataset, reacquired map[listing.Key]bool) error {
	vf := &ValidationFailure{Total: candidate.Len(), MinRecords: g.cfg.MinRecords, Tolerance: g.cfg.Tolerance}
	if candidate.Len() < g.cfg.MinRecords {
		return vf
	}

	after := candidate.CountByKey()
	before := prev.CountByKey()
	keys := make([]listing.Key, 0, len(before))
	for k := range before {
		keys = append(keys, k)
	}
	listing.SortKeys(keys)

	for _, k := range keys {
		if reacquired[k] {
			continue
		}
		floor := float64(before[k]) * (1 - g.cfg.Tolerance)
		if float64(after[k]) < floor {
			vf.Regressions = append(vf.Regressions, Regression{Key: k, Before: before[k], After: after[k]})
		}
	}
	if len(vf.Regressions) > 0 {
		return vf
	}
	return nil
}

// Commit validates candidate against the stored snapshot and replaces it
// on success. On a ValidationFailure nothing on disk changes.
func (g *Guard) Commit(candidate listing.Dataset, reacquired map[listing.Key]bool) (listing.Snapshot, error) {
	prev, err := g.Load()
	if err != nil {
		return listing.Snapshot{}, err
	}
	if err := g.Validate(prev, candidate, reacquired); err != nil {
		g.log.Warn("snapshot: candidate rejected", zap.Error(err))
		return prev, err
	}

	next := listing.Snapshot{
		Dataset:     candidate,
		Version:     prev.Version + 1,
		CommittedAt: g.cfg.Clock.Now().UTC(),
	}
	if err := g.write(next); err != nil {
		return prev, err
	}
	g.log.Info("snapshot: committed",
		zap.Int("version", next.Version),
		zap.Int("postings", next.Len()),
		zap.Int("openings", next.Openings()))
	return next, nil
}

func (g *Guard) write(s listing.Snapshot) error {
	fs := g.cfg.Fs
	if dir := filepath.Dir(g.cfg.Path); dir != "" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return eris.Wrapf(err, "snapshot: mkdir %s", dir)
		}
	}

	meta := Meta{
		Version:     s.Version,
		CommittedAt: s.CommittedAt,
		Total:       s.Len(),
		Openings:    s.Openings(),
		PerKey:      make(map[string]int),
	}
	for k, n := range s.CountByKey() {
		meta.PerKey[k.String()] = n
	}
	metaData, err := yaml.Marshal(meta)
	if err != nil {
		return eris.Wrap(err, "snapshot: encode meta")
	}

	dataTmp := g.cfg.Path + ".tmp"
	metaTmp := g.MetaPath() + ".tmp"
	if err := g.writeRecords(dataTmp, s.Records); err != nil {
		_ = fs.Remove(dataTmp)
		return err
	}
	if err := afero.WriteFile(fs, metaTmp, metaData, 0o644); err != nil {
		_ = fs.Remove(dataTmp)
		return eris.Wrapf(err, "snapshot: write %s", metaTmp)
	}

	hadPrev, err := g.copyFile(g.cfg.Path, g.BackupPath())
	if err != nil {
		_ = fs.Remove(dataTmp)
		_ = fs.Remove(metaTmp)
		return err
	}
	if err := fs.Rename(dataTmp, g.cfg.Path); err != nil {
		_ = fs.Remove(dataTmp)
		_ = fs.Remove(metaTmp)
		return eris.Wrapf(err, "snapshot: replace %s", g.cfg.Path)
	}
	if err := fs.Rename(metaTmp, g.MetaPath()); err != nil {
		_ = fs.Remove(metaTmp)
		// the data file is already replaced: put the previous one back so
		// data and meta keep describing the same version
		if rerr := g.restore(hadPrev); rerr != nil {
			g.log.Error("snapshot: restoring previous data file failed", zap.Error(rerr))
		}
		return eris.Wrapf(err, "snapshot: replace %s", g.MetaPath())
	}
	return nil
}

func (g *Guard) restore(hadPrev bool) error {
	if !hadPrev {
		return g.cfg.Fs.Remove(g.cfg.Path)
	}
	_, err := g.copyFile(g.BackupPath(), g.cfg.Path)
	return err
}

// copyFile copies src to dst and reports whether src existed. The backup
// is a copy rather than a rename so the snapshot path is never empty.
func (g *Guard) copyFile(src, dst string) (bool, error) {
	fs := g.cfg.Fs
	in, err := fs.Open(src)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, eris.Wrapf(err, "snapshot: open %s", src)
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return true, eris.Wrapf(err, "snapshot: create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return true, eris.Wrapf(err, "snapshot: copy to %s", dst)
	}
	if err := out.Close(); err != nil {
		return true, eris.Wrapf(err, "snapshot: close %s", dst)
	}
	return true, nil
}

func (g *Guard) writeRecords(path string, recs []listing.Record) error {
	f, err := g.cfg.Fs.Create(path)
	if err != nil {
		return eris.Wrapf(err, "snapshot: create %s", path)
	}
	w := csv.NewWriter(f)
	_ = w.Write(Header)
	for _, r := range recs {
		_ = w.Write([]string{
			strconv.Itoa(r.Key.Period),
			r.Key.Category,
			r.Institution,
			r.Title,
			strconv.Itoa(r.OpeningCount),
			r.PostedDate.Format("2006-01-02"),
			r.NaturalKey,
			r.Hash,
			strconv.Itoa(r.SourceRow),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return eris.Wrapf(err, "snapshot: write %s", path)
	}
	if err := f.Close(); err != nil {
		return eris.Wrapf(err, "snapshot: close %s", path)
	}
	return nil
}

func readRecords(r io.Reader) ([]listing.Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(Header)
	cr.ReuseRecord = true

	head, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for i, name := range Header {
		if head[i] != name {
			return nil, fmt.Errorf("unexpected column %q at %d, want %q", head[i], i, name)
		}
	}

	var recs []listing.Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeRecord(row)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		recs = append(recs, rec)
	}
}

func decodeRecord(row []string) (listing.Record, error) {
	period, err := strconv.Atoi(row[0])
	if err != nil {
		return listing.Record{}, err
	}
	openings, err := strconv.Atoi(row[4])
	if err != nil {
		return listing.Record{}, err
	}
	posted, err := time.Parse("2006-01-02", row[5])
	if err != nil {
		return listing.Record{}, err
	}
	srcRow, err := strconv.Atoi(row[8])
	if err != nil {
		return listing.Record{}, err
	}
	return listing.Record{
		Key:          listing.Key{Period: period, Category: row[1]},
		Institution:  row[2],
		Title:        row[3],
		OpeningCount: openings,
		PostedDate:   posted,
		NaturalKey:   row[6],
		Hash:         row[7],
		SourceRow:    srcRow,
	}, nil
}
