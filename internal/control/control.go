// Package control is the local-only capture switch and status snapshot.
// It is the only component that changes CaptureConfig after setup.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/theirongolddev/tcap/internal/config"
	"github.com/theirongolddev/tcap/internal/queue"
	"github.com/theirongolddev/tcap/internal/store"
)

// DepthReader reports queue depth.
type DepthReader interface {
	Depth() (queue.Depth, error)
}

// CommitReader reports the last processor commit.
type CommitReader interface {
	LastCommit(ctx context.Context) (store.LastCommit, error)
}

// Status is the capture status snapshot.
type Status struct {
	Enabled        bool      `json:"enabled" yaml:"enabled"`
	QueueDepth     int       `json:"queue_depth" yaml:"queue_depth"`
	PendingBytes   int64     `json:"pending_bytes" yaml:"pending_bytes"`
	Dropped        int64     `json:"dropped" yaml:"dropped"`
	LastCommitTime time.Time `json:"last_commit_time,omitempty" yaml:"last_commit_time,omitempty"`
	Commits        int64     `json:"commits" yaml:"commits"`

	ConfigPath string               `json:"config_path" yaml:"config_path"`
	Capture    config.CaptureConfig `json:"capture" yaml:"capture"`
}

// Controller toggles capture and reports status.
type Controller struct {
	path    string
	queue   DepthReader
	commits CommitReader // nil until the store exists
}

// New returns a controller for the config at path. commits may be nil.
func New(path string, q DepthReader, commits CommitReader) *Controller {
	return &Controller{path: path, queue: q, commits: commits}
}

// SetEnabled persists the capture flag. Producers observe it within one
// config TTL. A malformed config file is refused rather than overwritten.
func (c *Controller) SetEnabled(enabled bool) error {
	cfg, err := config.LoadFile(c.path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Capture.Enabled == enabled {
		return nil
	}
	cfg.Capture.Enabled = enabled
	if err := config.SaveFile(c.path, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	slog.Info("capture toggled", "enabled", enabled, "path", c.path)
	return nil
}

// Toggle flips the capture flag and returns the new value.
func (c *Controller) Toggle() (bool, error) {
	cfg, err := config.LoadFile(c.path)
	if err != nil {
		return false, fmt.Errorf("loading config: %w", err)
	}
	enabled := !cfg.Capture.Enabled
	return enabled, c.SetEnabled(enabled)
}

// Status returns the current snapshot. An unreadable config reports the
// safe default, which is what producers are using.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	cfg, err := config.LoadFile(c.path)
	if err != nil {
		if !errors.Is(err, config.ErrInvalidConfig) {
			return Status{}, fmt.Errorf("loading config: %w", err)
		}
		cfg = config.SafeDefault()
	}
	st := Status{
		Enabled:    cfg.Capture.Enabled,
		ConfigPath: c.path,
		Capture:    cfg.Capture,
	}

	d, err := c.queue.Depth()
	if err != nil {
		return st, fmt.Errorf("reading queue depth: %w", err)
	}
	st.QueueDepth = d.PendingRecords
	st.PendingBytes = d.PendingBytes
	st.Dropped = d.Dropped

	if c.commits != nil {
		lc, err := c.commits.LastCommit(ctx)
		if err != nil {
			return st, fmt.Errorf("reading last commit: %w", err)
		}
		st.LastCommitTime = lc.At
		st.Commits = lc.Total
	}
	return st, nil
}
