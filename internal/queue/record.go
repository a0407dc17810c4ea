package queue

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/theirongolddev/tcap/internal/model"
)

// Record is one queue entry: a captured event or a session lifecycle marker.
type Record struct {
	SessionID   string
	Seq         int64
	Timestamp   time.Time
	Kind        model.Kind
	Text        string
	ProjectPath string

	// Offset and End locate the encoded line in the queue log. Set by Drain.
	Offset int64
	End    int64
}

// Event converts an event record into a model.Event with RepeatCount 1.
func (r Record) Event() model.Event {
	return model.Event{
		SessionID:   r.SessionID,
		Seq:         r.Seq,
		Timestamp:   r.Timestamp,
		Kind:        r.Kind,
		Text:        r.Text,
		ProjectPath: r.ProjectPath,
		RepeatCount: 1,
	}
}

// Validate checks the fields a record must carry to enter the queue.
func (r Record) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrCorruptRecord)
	}
	if strings.ContainsAny(r.SessionID, "\t\r\n") {
		return fmt.Errorf("%w: session id contains control characters", ErrCorruptRecord)
	}
	if r.Seq <= 0 {
		return fmt.Errorf("%w: seq must be positive, got %d", ErrCorruptRecord, r.Seq)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrCorruptRecord)
	}
	if _, err := model.ParseKind(string(r.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return nil
}

// Encode renders the record as one tagged line, including the trailing newline:
//
//	<session_id>\t<seq>\t<timestamp>\t<kind>\t<escaped text>[\t<escaped project>]
func Encode(r Record) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var b bytes.Buffer
	b.Grow(len(r.SessionID) + len(r.Text) + len(r.ProjectPath) + 64)
	b.WriteString(r.SessionID)
	b.WriteByte('\t')
	b.WriteString(strconv.FormatInt(r.Seq, 10))
	b.WriteByte('\t')
	b.WriteString(r.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('\t')
	b.WriteString(string(r.Kind))
	b.WriteByte('\t')
	Escape(&b, r.Text)
	if r.ProjectPath != "" {
		b.WriteByte('\t')
		Escape(&b, r.ProjectPath)
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

// Decode parses one tagged line. The trailing newline is optional.
func Decode(line []byte) (Record, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	fields := bytes.Split(line, []byte{'\t'})
	if len(fields) != 5 && len(fields) != 6 {
		return Record{}, fmt.Errorf("%w: want 5 or 6 fields, got %d", ErrCorruptRecord, len(fields))
	}

	seq, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad seq %q", ErrCorruptRecord, fields[1])
	}
	ts, err := time.Parse(time.RFC3339Nano, string(fields[2]))
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad timestamp %q", ErrCorruptRecord, fields[2])
	}
	text, err := Unescape(fields[4])
	if err != nil {
		return Record{}, err
	}

	r := Record{
		SessionID: string(fields[0]),
		Seq:       seq,
		Timestamp: ts,
		Kind:      model.Kind(fields[3]),
		Text:      text,
	}
	if len(fields) == 6 {
		if r.ProjectPath, err = Unescape(fields[5]); err != nil {
			return Record{}, err
		}
	}
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	return r, nil
}

// Escape writes s with backslash, tab, newline and carriage return escaped.
func Escape(b *bytes.Buffer, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			b.WriteString(`\\`)
		case '\t':
			b.WriteString(`\t`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteByte(c)
		}
	}
}

// Unescape reverses Escape.
func Unescape(p []byte) (string, error) {
	if bytes.IndexByte(p, '\\') < 0 {
		return string(p), nil
	}
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c != '\\' {
			b.WriteByte(c)
			continue
		}
		i++
		if i == len(p) {
			return "", fmt.Errorf("%w: dangling escape", ErrCorruptRecord)
		}
		switch p[i] {
		case '\\':
			b.WriteByte('\\')
		case 't':
			b.WriteByte('\t')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		default:
			return "", fmt.Errorf("%w: unknown escape \\%c", ErrCorruptRecord, p[i])
		}
	}
	return b.String(), nil
}
