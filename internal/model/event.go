// Package model defines domain types for captured terminal activity.
package model

import (
	"fmt"
	"time"
)

// Kind tags a queue record. The first three kinds are captured Events;
// the session kinds are lifecycle markers that never reach the event index.
type Kind string

const (
	KindCommand      Kind = "command"
	KindOutput       Kind = "output"
	KindError        Kind = "error"
	KindSessionStart Kind = "session_start"
	KindSessionEnd   Kind = "session_end"
)

// EventKinds lists the kinds that are stored as Events, in display order.
var EventKinds = []Kind{KindCommand, KindOutput, KindError}

// ParseKind validates a kind string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindCommand, KindOutput, KindError, KindSessionStart, KindSessionEnd:
		return k, nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// IsEvent reports whether records of this kind carry captured text.
func (k Kind) IsEvent() bool {
	return k == KindCommand || k == KindOutput || k == KindError
}

// Event is one captured command, output, or error line.
type Event struct {
	SessionID   string    `json:"session_id" yaml:"session_id"`
	Seq         int64     `json:"seq" yaml:"seq"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	Kind        Kind      `json:"kind" yaml:"kind"`
	Text        string    `json:"text" yaml:"text"`
	ProjectPath string    `json:"project_path,omitempty" yaml:"project_path,omitempty"`

	// RepeatCount is 1 for a unique event and K when K identical events
	// were merged by deduplication.
	RepeatCount int `json:"repeat_count" yaml:"repeat_count"`
}
