// Package queue implements the durable, multi-writer staging log between
// capture producers and the queue processor.
//
// Producers append one tagged line per record under an exclusive flock.
// The single consumer drains complete lines from its read position and
// acknowledges an offset once everything before it is committed elsewhere.
// Nothing before the acknowledged offset is ever re-read; nothing after it
// is ever discarded, except by drop-oldest backpressure.
package queue

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

const (
	logName    = "records.log"
	stateName  = "state.json"
	lockName   = "lock"
	seqDirName = "seqs" // one high-water seq file per session

	defaultMaxBytes     = 32 << 20
	defaultCompactBytes = 1 << 20
)

// Options bound the queue.
type Options struct {
	// MaxBytes caps pending (unacknowledged) bytes. Appends beyond it drop
	// the oldest pending records.
	MaxBytes int64
	// CompactBytes is the log size above which a fully acknowledged log is
	// truncated.
	CompactBytes int64
}

// State is the persisted consumer position.
type State struct {
	Offset  int64 `json:"offset"`
	Dropped int64 `json:"dropped"`
}

// Depth describes the unacknowledged part of the queue.
type Depth struct {
	PendingRecords int   `json:"pending_records"`
	PendingBytes   int64 `json:"pending_bytes"`
	Dropped        int64 `json:"dropped"`
}

// Batch is the result of one Drain call.
type Batch struct {
	Records []Record
	// Skipped counts malformed lines passed over.
	Skipped int
	// Start is the position the batch was read from, End the position just
	// past its last complete line.
	Start int64
	End   int64
}

// Queue is a handle on the queue directory. Several handles, in one or many
// processes, may append concurrently.
type Queue struct {
	dir  string
	opts Options

	mu   sync.Mutex // serializes flock holders within this process
	lock *os.File
}

// Open opens or creates the queue under dir.
func Open(dir string, opts Options) (*Queue, error) {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaultMaxBytes
	}
	if opts.CompactBytes <= 0 {
		opts.CompactBytes = defaultCompactBytes
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating queue dir: %w", err)
	}
	lock, err := os.OpenFile(filepath.Join(dir, lockName), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: opening lock: %w", ErrTransientIO, err)
	}
	return &Queue{dir: dir, opts: opts, lock: lock}, nil
}

// Close releases the lock file handle.
func (q *Queue) Close() error {
	return q.lock.Close()
}

// Dir returns the queue directory.
func (q *Queue) Dir() string {
	return q.dir
}

func (q *Queue) logPath() string   { return filepath.Join(q.dir, logName) }
func (q *Queue) statePath() string { return filepath.Join(q.dir, stateName) }

func (q *Queue) withLock(fn func() error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := lockFile(q.lock); err != nil {
		return fmt.Errorf("%w: flock: %w", ErrTransientIO, err)
	}
	defer func() { _ = unlockFile(q.lock) }()
	return fn()
}

// Appended reports the outcome of one Append.
type Appended struct {
	// Seq is the sequence number the record was written with.
	Seq int64
	// Dropped counts old records discarded to stay under MaxBytes.
	Dropped int
}

// Append writes one record. Sequence numbers are checked under the lock
// against the highest seq already appended for the session, so writers in
// different processes never interleave a session out of order: a record
// whose seq is not above that mark is written with the next seq instead.
func (q *Queue) Append(r Record) (Appended, error) {
	if err := r.Validate(); err != nil {
		return Appended{}, err
	}

	var res Appended
	err := q.withLock(func() error {
		if err := q.sequence(&r); err != nil {
			return err
		}
		line, err := Encode(r)
		if err != nil {
			return err
		}
		if int64(len(line)) > q.opts.MaxBytes {
			return fmt.Errorf("%w: record of %d bytes exceeds bound %d", ErrCapacityExceeded, len(line), q.opts.MaxBytes)
		}

		f, err := os.OpenFile(q.logPath(), os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o600)
		if err != nil {
			return fmt.Errorf("%w: open log: %w", ErrTransientIO, err)
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			return fmt.Errorf("%w: stat log: %w", ErrTransientIO, err)
		}

		// A writer that died mid-line leaves a torn tail; terminate it so
		// this record starts on its own line.
		if size := info.Size(); size > 0 {
			last := make([]byte, 1)
			if _, err := f.ReadAt(last, size-1); err != nil {
				return fmt.Errorf("%w: read log tail: %w", ErrTransientIO, err)
			}
			if last[0] != '\n' {
				slog.Warn("terminating torn queue line", "offset", size)
				line = append([]byte{'\n'}, line...)
			}
		}

		st, err := q.readState()
		if err != nil {
			return err
		}
		if info.Size()-st.Offset+int64(len(line)) > q.opts.MaxBytes {
			res.Dropped, err = q.dropOldest(&st, info.Size(), int64(len(line)))
			if err != nil {
				return err
			}
		}

		if _, err := f.Write(line); err != nil {
			return fmt.Errorf("%w: append: %w", ErrTransientIO, err)
		}
		if err := q.writeSeq(r.SessionID, r.Seq); err != nil {
			return err
		}
		res.Seq = r.Seq
		return nil
	})
	return res, err
}

func (q *Queue) seqPath(sessionID string) string {
	return filepath.Join(q.dir, seqDirName, url.PathEscape(sessionID))
}

// sequence raises r.Seq above the session's high-water mark. Caller must
// hold the lock.
func (q *Queue) sequence(r *Record) error {
	data, err := os.ReadFile(q.seqPath(r.SessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: read seq: %w", ErrTransientIO, err)
	}
	last, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		slog.Warn("session seq mark unreadable, keeping record seq", "session_id", r.SessionID, "error", err)
		return nil
	}
	if r.Seq <= last {
		slog.Debug("resequencing record", "session_id", r.SessionID, "seq", r.Seq, "assigned", last+1)
		r.Seq = last + 1
	}
	return nil
}

// writeSeq records seq as the session's high-water mark. Caller must hold
// the lock.
func (q *Queue) writeSeq(sessionID string, seq int64) error {
	if err := os.MkdirAll(filepath.Join(q.dir, seqDirName), 0o700); err != nil {
		return fmt.Errorf("%w: creating seq dir: %w", ErrTransientIO, err)
	}
	path := q.seqPath(sessionID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(seq, 10)), 0o600); err != nil {
		return fmt.Errorf("%w: write seq: %w", ErrTransientIO, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: rename seq: %w", ErrTransientIO, err)
	}
	return nil
}

// dropOldest advances the consumer offset until the pending bytes plus
// incoming fit under MaxBytes. Caller must hold the lock.
func (q *Queue) dropOldest(st *State, size, incoming int64) (int, error) {
	f, err := os.Open(q.logPath())
	if err != nil {
		return 0, fmt.Errorf("%w: open log: %w", ErrTransientIO, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(st.Offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("%w: seek log: %w", ErrTransientIO, err)
	}
	r := bufio.NewReaderSize(f, 64*1024)
	offset := st.Offset
	dropped := 0
	for size-offset+incoming > q.opts.MaxBytes {
		line, err := r.ReadBytes('\n')
		if len(line) == 0 || (err != nil && !bytes.HasSuffix(line, []byte{'\n'})) {
			break
		}
		offset += int64(len(line))
		dropped++
	}

	st.Offset = offset
	st.Dropped += int64(dropped)
	if err := q.writeState(*st); err != nil {
		return 0, err
	}
	slog.Warn("queue over capacity, dropped oldest records", "dropped", dropped, "max_bytes", q.opts.MaxBytes)
	return dropped, nil
}

// Drain returns up to maxN records starting at the acknowledged offset.
func (q *Queue) Drain(maxN int) (Batch, error) {
	return q.DrainFrom(0, maxN)
}

// DrainFrom returns up to maxN records starting at pos, or at the
// acknowledged offset if that is further along. Only complete lines are
// returned; a line still being written is left for the next call.
func (q *Queue) DrainFrom(pos int64, maxN int) (Batch, error) {
	st, err := q.readState()
	if err != nil {
		return Batch{}, err
	}
	if st.Offset > pos {
		pos = st.Offset
	}
	batch := Batch{Start: pos, End: pos}

	f, err := os.Open(q.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return batch, nil
		}
		return batch, fmt.Errorf("%w: open log: %w", ErrTransientIO, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(pos, io.SeekStart); err != nil {
		return batch, fmt.Errorf("%w: seek log: %w", ErrTransientIO, err)
	}

	r := bufio.NewReaderSize(f, 64*1024)
	offset := pos
	for maxN <= 0 || len(batch.Records) < maxN {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			rec, decErr := Decode(line)
			start := offset
			offset += int64(len(line))
			if decErr != nil {
				batch.Skipped++
				slog.Warn("skipping corrupt queue record", "offset", start, "error", decErr)
			} else {
				rec.Offset = start
				rec.End = offset
				batch.Records = append(batch.Records, rec)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return batch, fmt.Errorf("%w: read log: %w", ErrTransientIO, err)
		}
	}
	batch.End = offset
	return batch, nil
}

// Ack marks everything before offset as consumed. It never moves the
// offset backwards. When the whole log has been consumed and the log is
// larger than CompactBytes, the log is truncated and compacted is true; the
// caller must then restart reading from position 0.
func (q *Queue) Ack(offset int64) (compacted bool, err error) {
	err = q.withLock(func() error {
		st, err := q.readState()
		if err != nil {
			return err
		}
		if offset > st.Offset {
			st.Offset = offset
		}

		info, err := os.Stat(q.logPath())
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("%w: stat log: %w", ErrTransientIO, err)
		}
		if err == nil && st.Offset >= info.Size() && info.Size() > q.opts.CompactBytes {
			if err := os.Truncate(q.logPath(), 0); err != nil {
				return fmt.Errorf("%w: truncate log: %w", ErrTransientIO, err)
			}
			st.Offset = 0
			compacted = true
		}
		return q.writeState(st)
	})
	return compacted, err
}

// Depth reports unacknowledged records and bytes plus the drop counter.
func (q *Queue) Depth() (Depth, error) {
	st, err := q.readState()
	if err != nil {
		return Depth{}, err
	}
	d := Depth{Dropped: st.Dropped}

	f, err := os.Open(q.logPath())
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return d, fmt.Errorf("%w: open log: %w", ErrTransientIO, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return d, fmt.Errorf("%w: stat log: %w", ErrTransientIO, err)
	}
	if info.Size() <= st.Offset {
		return d, nil
	}
	d.PendingBytes = info.Size() - st.Offset

	if _, err := f.Seek(st.Offset, io.SeekStart); err != nil {
		return d, fmt.Errorf("%w: seek log: %w", ErrTransientIO, err)
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		d.PendingRecords += bytes.Count(buf[:n], []byte{'\n'})
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return d, fmt.Errorf("%w: read log: %w", ErrTransientIO, err)
		}
	}
	return d, nil
}

// State returns the persisted consumer state.
func (q *Queue) State() (State, error) {
	return q.readState()
}

func (q *Queue) readState() (State, error) {
	var st State
	data, err := os.ReadFile(q.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("%w: read state: %w", ErrTransientIO, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		// A torn state file can only come from outside tampering since writes
		// are rename-atomic. Restart from the beginning: re-delivery over loss.
		slog.Warn("queue state unreadable, re-reading from start", "error", err)
		return State{}, nil
	}
	return st, nil
}

func (q *Queue) writeState(st State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	tmp := q.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("%w: write state: %w", ErrTransientIO, err)
	}
	if err := os.Rename(tmp, q.statePath()); err != nil {
		return fmt.Errorf("%w: rename state: %w", ErrTransientIO, err)
	}
	return nil
}
