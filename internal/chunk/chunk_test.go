package chunk

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theirongolddev/tcap/internal/model"
)

func TestCompressRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	payloads := [][]byte{
		{},
		[]byte("a"),
		bytes.Repeat([]byte("go test ./...\n"), 5000),
	}
	for i := 0; i < 20; i++ {
		p := make([]byte, rng.Intn(8192))
		rng.Read(p)
		payloads = append(payloads, p)
	}

	for _, level := range []int{1, 3, 9, 19} {
		for i, raw := range payloads {
			comp, err := Compress(raw, level)
			require.NoError(t, err)
			got, err := Decompress(comp)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(raw, got), "level %d payload %d did not round trip", level, i)
		}
	}
}

func TestOpenDetectsMismatch(t *testing.T) {
	raw := []byte("1\t2026-03-01T09:00:00Z\tcommand\t1\tls\t\n")
	comp, err := Compress(raw, 3)
	require.NoError(t, err)
	sum := Checksum(raw)

	got, err := Open(comp, sum)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	// Wrong checksum for intact payload.
	_, err = Open(comp, Checksum([]byte("other")))
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	// Every single-byte corruption of the payload is detected.
	for i := range comp {
		bad := append([]byte(nil), comp...)
		bad[i] ^= 0xFF
		_, err := Open(bad, sum)
		assert.ErrorIs(t, err, ErrChecksumMismatch, "corruption at byte %d undetected", i)
	}
}

func TestBuildAndDecode(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	events := []model.Event{
		{Seq: 1, Timestamp: t0, Kind: model.KindCommand, Text: "pwd", RepeatCount: 2, ProjectPath: "/p"},
		{Seq: 2, Timestamp: t0.Add(time.Second), Kind: model.KindOutput, Text: "multi\nline\toutput", RepeatCount: 1},
		{Seq: 4, Timestamp: t0.Add(2 * time.Second), Kind: model.KindError, Text: "boom", RepeatCount: 1},
	}
	c, err := Build("s1", 100, events, 3)
	require.NoError(t, err)

	assert.Equal(t, int64(100), c.Range.Start)
	assert.Equal(t, c.RawSize, c.Range.Len())
	assert.Equal(t, int64(len(c.Payload)), c.CompressedSize)
	require.Len(t, c.Events, 3)

	raw, err := Open(c.Payload, c.Checksum)
	require.NoError(t, err)
	for i, ptr := range c.Events {
		ev, err := DecodeEvent("s1", raw, ptr)
		require.NoError(t, err)
		assert.Equal(t, events[i].Text, ev.Text)
		assert.Equal(t, events[i].RepeatCount, ev.RepeatCount)
		assert.Equal(t, "s1", ev.SessionID)
		assert.Equal(t, int64(EncodedSize(events[i])), ptr.Length)
	}

	all, err := DecodeAll("s1", raw)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "/p", all[0].ProjectPath)
}

func TestDecodeEventRejectsBadPointer(t *testing.T) {
	_, err := DecodeEvent("s", []byte("short"), model.EventPointer{Offset: 2, Length: 10})
	assert.Error(t, err)
}

func ExampleChecksum() {
	fmt.Println(Checksum([]byte(""))[:16])
	// Output: e3b0c44298fc1c14
}
