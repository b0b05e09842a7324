// Package resolve watches the browser staging directory for a finished
// download and moves it to the canonical slot of its key.
package resolve

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/AlfredBerg/joe-harvester/internal/clock"
	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

// partialSuffixes mark downloads still being written by the browser.
var partialSuffixes = []string{".crdownload", ".part", ".partial", ".download", ".tmp"}

// TimeoutFailure means no complete file appeared before the deadline. The
// previous canonical file for the key, if any, is left untouched.
type TimeoutFailure struct {
	Key     listing.Key
	Timeout time.Duration
	// Partial is set when an in-progress download was still present.
	Partial bool
}

func (e *TimeoutFailure) Error() string {
	if e.Partial {
		return fmt.Sprintf("resolve %s: download still in progress after %s", e.Key, e.Timeout)
	}
	return fmt.Sprintf("resolve %s: no download after %s", e.Key, e.Timeout)
}

// CanonicalFile is the single authoritative file for a key.
type CanonicalFile struct {
	Key  listing.Key
	Path string
	Size int64
}

// Trigger starts the download that Resolve waits for.
type Trigger func(ctx context.Context) error

// Config configures a Resolver.
type Config struct {
	Fs           afero.Fs
	StagingDir   string
	CanonicalDir string
	Timeout      time.Duration
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *zap.Logger
}

// Resolver owns the staging directory.
type Resolver struct {
	cfg Config
	log *zap.Logger
}

// New creates a Resolver with defaults for unset fields.
func New(cfg Config) *Resolver {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, log: cfg.Logger}
}

// Path returns where the canonical file of key lives.
func (r *Resolver) Path(key listing.Key) string {
	return filepath.Join(r.cfg.CanonicalDir, key.FileName())
}

// Resolve empties the staging directory, runs trigger, waits for a complete
// download and moves it over the canonical file of key. The staging
// directory is emptied again before Resolve returns, whatever the outcome.
func (r *Resolver) Resolve(ctx context.Context, key listing.Key, trigger Trigger) (cf CanonicalFile, err error) {
	log := r.log.With(zap.String("key", key.String()))

	if err := r.Clean(); err != nil {
		return CanonicalFile{}, err
	}
	defer func() {
		if cerr := r.Clean(); cerr != nil {
			log.Warn("resolve: staging cleanup failed", zap.Error(cerr))
			err = multierr.Append(err, cerr)
		}
	}()

	if trigger != nil {
		if err := trigger(ctx); err != nil {
			return CanonicalFile{}, err
		}
	}

	name, err := r.wait(ctx, key)
	if err != nil {
		return CanonicalFile{}, err
	}

	cf, err = r.install(key, filepath.Join(r.cfg.StagingDir, name))
	if err != nil {
		return CanonicalFile{}, err
	}
	log.Info("resolve: canonical file updated", zap.String("path", cf.Path), zap.Int64("size", cf.Size))
	return cf, nil
}

// wait polls the staging directory until one file has the same non-zero
// size on two consecutive polls with no partial marker, or the timeout
// elapses.
func (r *Resolver) wait(ctx context.Context, key listing.Key) (string, error) {
	deadline := r.cfg.Clock.Now().Add(r.cfg.Timeout)
	sizes := map[string]int64{}

	for {
		files, partial, err := r.scan()
		if err != nil {
			return "", err
		}

		next := map[string]int64{}
		var done []string
		for _, f := range files {
			next[f.Name()] = f.Size()
			if prev, ok := sizes[f.Name()]; ok && prev == f.Size() && f.Size() > 0 {
				done = append(done, f.Name())
			}
		}
		if len(done) > 0 && !partial {
			if len(done) > 1 {
				r.log.Warn("resolve: several downloads in staging, keeping the newest",
					zap.String("key", key.String()), zap.Strings("files", done))
			}
			return newest(files, done), nil
		}
		sizes = next

		if !r.cfg.Clock.Now().Before(deadline) {
			r.log.Warn("resolve: download timeout", zap.String("key", key.String()), zap.Bool("partial", partial))
			return "", &TimeoutFailure{Key: key, Timeout: r.cfg.Timeout, Partial: partial}
		}
		if err := r.cfg.Clock.Sleep(ctx, r.cfg.PollInterval); err != nil {
			return "", err
		}
	}
}

func (r *Resolver) scan() ([]os.FileInfo, bool, error) {
	entries, err := afero.ReadDir(r.cfg.Fs, r.cfg.StagingDir)
	if err != nil {
		return nil, false, eris.Wrapf(err, "resolve: read staging %s", r.cfg.StagingDir)
	}
	var files []os.FileInfo
	partial := false
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if isPartial(e.Name()) {
			partial = true
			continue
		}
		files = append(files, e)
	}
	return files, partial, nil
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range partialSuffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

func newest(files []os.FileInfo, names []string) string {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var cands []os.FileInfo
	for _, f := range files {
		if want[f.Name()] {
			cands = append(cands, f)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].ModTime().Equal(cands[j].ModTime()) {
			return cands[i].Name() > cands[j].Name()
		}
		return cands[i].ModTime().After(cands[j].ModTime())
	})
	return cands[0].Name()
}

// install moves src next to the canonical path first and then renames it
// over the canonical file, so readers never see a half-copied file.
func (r *Resolver) install(key listing.Key, src string) (CanonicalFile, error) {
	fs := r.cfg.Fs
	if err := fs.MkdirAll(r.cfg.CanonicalDir, 0o755); err != nil {
		return CanonicalFile{}, eris.Wrapf(err, "resolve: mkdir %s", r.cfg.CanonicalDir)
	}
	dst := r.Path(key)
	tmp := dst + ".incoming"

	if err := fs.Rename(src, tmp); err != nil {
		// staging may live on another device
		if cerr := copyFile(fs, src, tmp); cerr != nil {
			_ = fs.Remove(tmp)
			return CanonicalFile{}, eris.Wrapf(cerr, "resolve: move %s", src)
		}
	}
	if exists, _ := afero.Exists(fs, dst); exists {
		r.log.Info("resolve: overwriting existing file", zap.String("path", dst))
	}
	if err := fs.Rename(tmp, dst); err != nil {
		_ = fs.Remove(tmp)
		return CanonicalFile{}, eris.Wrapf(err, "resolve: replace %s", dst)
	}
	info, err := fs.Stat(dst)
	if err != nil {
		return CanonicalFile{}, eris.Wrapf(err, "resolve: stat %s", dst)
	}
	return CanonicalFile{Key: key, Path: dst, Size: info.Size()}, nil
}

func copyFile(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Clean removes everything from the staging directory, creating it when
// missing.
func (r *Resolver) Clean() error {
	fs := r.cfg.Fs
	if err := fs.MkdirAll(r.cfg.StagingDir, 0o755); err != nil {
		return eris.Wrapf(err, "resolve: mkdir %s", r.cfg.StagingDir)
	}
	entries, err := afero.ReadDir(fs, r.cfg.StagingDir)
	if err != nil {
		return eris.Wrapf(err, "resolve: read staging %s", r.cfg.StagingDir)
	}
	var errs error
	for _, e := range entries {
		errs = multierr.Append(errs, fs.RemoveAll(filepath.Join(r.cfg.StagingDir, e.Name())))
	}
	return errs
}

// Existing returns the canonical file already present for key, if any.
func (r *Resolver) Existing(key listing.Key) (CanonicalFile, bool) {
	info, err := r.cfg.Fs.Stat(r.Path(key))
	if err != nil || info.IsDir() {
		return CanonicalFile{}, false
	}
	return CanonicalFile{Key: key, Path: r.Path(key), Size: info.Size()}, true
}

// Sweep moves spreadsheets in the canonical directory that are not the
// canonical file of any known key into archiveDir. It returns the moved
// file names.
func (r *Resolver) Sweep(archiveDir string) ([]string, error) {
	fs := r.cfg.Fs
	entries, err := afero.ReadDir(fs, r.cfg.CanonicalDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "resolve: read %s", r.cfg.CanonicalDir)
	}
	var moved []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".xlsx" && ext != ".xls") || listing.IsCanonicalName(e.Name()) {
			continue
		}
		if err := fs.MkdirAll(archiveDir, 0o755); err != nil {
			return moved, eris.Wrapf(err, "resolve: mkdir %s", archiveDir)
		}
		src := filepath.Join(r.cfg.CanonicalDir, e.Name())
		if err := fs.Rename(src, filepath.Join(archiveDir, e.Name())); err != nil {
			return moved, eris.Wrapf(err, "resolve: archive %s", src)
		}
		r.log.Info("resolve: archived stray file", zap.String("file", e.Name()))
		moved = append(moved, e.Name())
	}
	return moved, nil
}
