package config

import (
	"log/slog"
	"sync"
	"time"
)

// Source yields the current configuration. Implementations may cache, but
// never beyond the capture TTL.
type Source interface {
	Current() Config
}

// FileSource re-reads a config file once its cached copy is older than ttl.
// A malformed file keeps the last-known-good config, or SafeDefault when
// there is none.
type FileSource struct {
	path string
	ttl  time.Duration
	now  func() time.Time

	mu       sync.Mutex
	cfg      Config
	good     bool
	loadedAt time.Time
}

// NewFileSource returns a Source backed by the file at path. A zero ttl
// re-reads on every call.
func NewFileSource(path string, ttl time.Duration) *FileSource {
	return &FileSource{path: path, ttl: ttl, now: time.Now}
}

// Current returns the configuration, refreshing it if the TTL has elapsed.
func (s *FileSource) Current() Config {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !s.loadedAt.IsZero() && now.Sub(s.loadedAt) < s.ttl {
		return s.cfg
	}
	s.loadedAt = now

	cfg, err := LoadFile(s.path)
	if err != nil {
		if s.good {
			slog.Warn("config reload failed, keeping last known good", "path", s.path, "error", err)
			return s.cfg
		}
		slog.Warn("config unusable, capture disabled", "path", s.path, "error", err)
		s.cfg = SafeDefault()
		return s.cfg
	}
	s.cfg = cfg
	s.good = true
	return s.cfg
}

// Static is a Source that always returns the same config.
type Static Config

// Current implements Source.
func (s Static) Current() Config {
	return Config(s)
}
