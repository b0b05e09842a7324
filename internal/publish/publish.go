// Package publish hands a committed snapshot to the external artifact
// generator.
package publish

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/AlfredBerg/joe-harvester/internal/listing"
)

// Publisher receives the snapshot after a commit.
type Publisher interface {
	Publish(ctx context.Context, snap listing.Snapshot) error
}

// Nop publishes nothing.
type Nop struct{}

func (Nop) Publish(context.Context, listing.Snapshot) error { return nil }

// CommandPublisher runs an external command with the snapshot path as its
// last argument.
type CommandPublisher struct {
	Args         []string
	SnapshotPath string
	Stdout       io.Writer
	Stderr       io.Writer
	Logger       *zap.Logger
}

// New returns a publisher for command, split on whitespace. An empty
// command yields Nop.
func New(command, snapshotPath string, logger *zap.Logger) Publisher {
	args := strings.Fields(command)
	if len(args) == 0 {
		return Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandPublisher{
		Args:         args,
		SnapshotPath: snapshotPath,
		Stdout:       os.Stdout,
		Stderr:       os.Stderr,
		Logger:       logger,
	}
}

func (p *CommandPublisher) Publish(ctx context.Context, snap listing.Snapshot) error {
	if len(p.Args) == 0 {
		return nil
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}

	args := append(append([]string{}, p.Args[1:]...), p.SnapshotPath)
	cmd := exec.CommandContext(ctx, p.Args[0], args...)
	cmd.Env = append(os.Environ(),
		"JOE_SNAPSHOT_PATH="+p.SnapshotPath,
		"JOE_SNAPSHOT_VERSION="+strconv.Itoa(snap.Version),
	)
	var tail bytes.Buffer
	cmd.Stdout = p.Stdout
	cmd.Stderr = &tail
	if p.Stderr != nil {
		cmd.Stderr = io.MultiWriter(p.Stderr, &tail)
	}

	log.Info("publish: running generator", zap.Strings("args", cmd.Args), zap.Int("version", snap.Version))
	if err := cmd.Run(); err != nil {
		return eris.Wrap(err, fmt.Sprintf("publish: %s: %s", p.Args[0], strings.TrimSpace(tail.String())))
	}
	return nil
}
