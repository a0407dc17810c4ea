// Package chunk encodes deduplicated events into compressed, checksummed
// chunk payloads and reads them back.
package chunk

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/queue"
)

// ErrChecksumMismatch means a payload does not decompress to the bytes it
// was committed with.
var ErrChecksumMismatch = errors.New("chunk checksum mismatch")

var (
	encMu    sync.Mutex
	encoders = make(map[int]*zstd.Encoder)

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

func encoderFor(level int) (*zstd.Encoder, error) {
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	encoders[level] = enc
	return enc, nil
}

// Compress compresses raw at the given zstd level (1-22).
func Compress(raw []byte, level int) ([]byte, error) {
	enc, err := encoderFor(level)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	return enc.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// Decompress reverses Compress.
func Decompress(payload []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil)
	})
	if decoderErr != nil {
		return nil, fmt.Errorf("zstd decoder: %w", decoderErr)
	}
	return decoder.DecodeAll(payload, nil)
}

// Checksum returns the hex sha256 of raw.
func Checksum(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Build encodes events (all from one session, in seq order) into a chunk
// whose byte range starts at start in the session's raw stream.
func Build(sessionID string, start int64, events []model.Event, level int) (model.Chunk, error) {
	if len(events) == 0 {
		return model.Chunk{}, errors.New("building chunk: no events")
	}
	var raw bytes.Buffer
	ptrs := make([]model.EventPointer, 0, len(events))
	for _, ev := range events {
		off := int64(raw.Len())
		encodeEvent(&raw, ev)
		ptrs = append(ptrs, model.EventPointer{
			Seq:         ev.Seq,
			Timestamp:   ev.Timestamp,
			Kind:        ev.Kind,
			RepeatCount: ev.RepeatCount,
			ProjectPath: ev.ProjectPath,
			Offset:      off,
			Length:      int64(raw.Len()) - off,
		})
	}

	payload, err := Compress(raw.Bytes(), level)
	if err != nil {
		return model.Chunk{}, err
	}
	return model.Chunk{
		ChunkID:        uuid.NewString(),
		SessionID:      sessionID,
		Range:          model.ByteRange{Start: start, End: start + int64(raw.Len())},
		Payload:        payload,
		RawSize:        int64(raw.Len()),
		CompressedSize: int64(len(payload)),
		Checksum:       Checksum(raw.Bytes()),
		FirstAt:        events[0].Timestamp,
		LastAt:         events[len(events)-1].Timestamp,
		Events:         ptrs,
	}, nil
}

// Open decompresses a payload and verifies it against checksum.
func Open(payload []byte, checksum string) ([]byte, error) {
	raw, err := Decompress(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChecksumMismatch, err)
	}
	if got := Checksum(raw); got != checksum {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrChecksumMismatch, got[:12], shortSum(checksum))
	}
	return raw, nil
}

func shortSum(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}

// EncodedSize returns the number of raw bytes ev occupies in a payload.
func EncodedSize(ev model.Event) int {
	var b bytes.Buffer
	encodeEvent(&b, ev)
	return b.Len()
}

// encodeEvent writes one payload line:
//
//	<seq>\t<timestamp>\t<kind>\t<repeat>\t<escaped text>\t<escaped project>\n
func encodeEvent(b *bytes.Buffer, ev model.Event) {
	b.WriteString(strconv.FormatInt(ev.Seq, 10))
	b.WriteByte('\t')
	b.WriteString(ev.Timestamp.UTC().Format(time.RFC3339Nano))
	b.WriteByte('\t')
	b.WriteString(string(ev.Kind))
	b.WriteByte('\t')
	b.WriteString(strconv.Itoa(ev.RepeatCount))
	b.WriteByte('\t')
	queue.Escape(b, ev.Text)
	b.WriteByte('\t')
	queue.Escape(b, ev.ProjectPath)
	b.WriteByte('\n')
}

// DecodeEvent parses the event at ptr inside raw.
func DecodeEvent(sessionID string, raw []byte, ptr model.EventPointer) (model.Event, error) {
	if ptr.Offset < 0 || ptr.Length <= 0 || ptr.Offset+ptr.Length > int64(len(raw)) {
		return model.Event{}, fmt.Errorf("event pointer [%d,+%d) outside payload of %d bytes", ptr.Offset, ptr.Length, len(raw))
	}
	return decodeLine(sessionID, raw[ptr.Offset:ptr.Offset+ptr.Length])
}

// DecodeAll parses every event in raw.
func DecodeAll(sessionID string, raw []byte) ([]model.Event, error) {
	var out []model.Event
	for len(raw) > 0 {
		i := bytes.IndexByte(raw, '\n')
		if i < 0 {
			return out, errors.New("payload ends mid-line")
		}
		ev, err := decodeLine(sessionID, raw[:i+1])
		if err != nil {
			return out, err
		}
		out = append(out, ev)
		raw = raw[i+1:]
	}
	return out, nil
}

func decodeLine(sessionID string, line []byte) (model.Event, error) {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	f := bytes.Split(line, []byte{'\t'})
	if len(f) != 6 {
		return model.Event{}, fmt.Errorf("payload line has %d fields, want 6", len(f))
	}
	seq, err := strconv.ParseInt(string(f[0]), 10, 64)
	if err != nil {
		return model.Event{}, fmt.Errorf("payload seq: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, string(f[1]))
	if err != nil {
		return model.Event{}, fmt.Errorf("payload timestamp: %w", err)
	}
	repeat, err := strconv.Atoi(string(f[3]))
	if err != nil {
		return model.Event{}, fmt.Errorf("payload repeat count: %w", err)
	}
	text, err := queue.Unescape(f[4])
	if err != nil {
		return model.Event{}, err
	}
	project, err := queue.Unescape(f[5])
	if err != nil {
		return model.Event{}, err
	}
	return model.Event{
		SessionID:   sessionID,
		Seq:         seq,
		Timestamp:   ts,
		Kind:        model.Kind(f[2]),
		Text:        text,
		ProjectPath: project,
		RepeatCount: repeat,
	}, nil
}
