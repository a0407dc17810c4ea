package model

import "time"

// Session is one continuous terminal interaction window.
type Session struct {
	SessionID    string    `json:"session_id" yaml:"session_id"`
	StartedAt    time.Time `json:"started_at" yaml:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitzero" yaml:"ended_at,omitempty"` // zero while the session is open
	TerminalKind string    `json:"terminal_kind,omitempty" yaml:"terminal_kind,omitempty"`
	Tags         []string  `json:"tags,omitempty" yaml:"tags,omitempty"`
	ProjectPath  string    `json:"project_path,omitempty" yaml:"project_path,omitempty"`
}

// Closed reports whether the session has an end time.
func (s Session) Closed() bool {
	return !s.EndedAt.IsZero()
}

// ByteRange is a half-open [Start, End) range in a session's raw byte stream.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start
}

// Chunk is a compressed, checksummed block of deduplicated session events.
type Chunk struct {
	ChunkID        string
	SessionID      string
	Range          ByteRange
	Payload        []byte // compressed
	RawSize        int64
	CompressedSize int64
	Checksum       string // hex sha256 of the raw (decompressed) payload
	FirstAt        time.Time
	LastAt         time.Time

	// Events indexes the events encoded in the payload. Offsets are
	// relative to the start of the decompressed payload.
	Events []EventPointer
}

// EventPointer locates one stored event inside a chunk payload.
type EventPointer struct {
	Seq         int64
	Timestamp   time.Time
	Kind        Kind
	RepeatCount int
	ProjectPath string
	Offset      int64
	Length      int64
}
