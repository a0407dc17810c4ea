package capture

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"

	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/queue"
)

// Stream feeds a long-lived producer from shell integration output. Each
// line is "<kind>\t<escaped text>", where kind is command, output or error;
// a line reading "end" closes the session. Malformed lines are skipped.
// Stream returns when r is exhausted, the session ends, or ctx is done.
func (p *Producer) Stream(ctx context.Context, r io.Reader) error {
	if p.State() == Idle {
		p.Start()
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := sc.Bytes()
		if bytes.Equal(line, []byte("end")) {
			p.End()
			return nil
		}
		kindField, textField, ok := bytes.Cut(line, []byte{'\t'})
		if !ok {
			slog.Debug("skipping malformed capture line")
			continue
		}
		kind, err := model.ParseKind(string(kindField))
		if err != nil || !kind.IsEvent() {
			slog.Debug("skipping capture line with bad kind", "kind", string(kindField))
			continue
		}
		text, err := queue.Unescape(textField)
		if err != nil {
			slog.Debug("skipping capture line with bad escape", "error", err)
			continue
		}
		p.Observe(model.Event{Kind: kind, Text: text})
	}
	if err := sc.Err(); err != nil {
		return err
	}
	// Input closed without an explicit end: the shell went away.
	p.End()
	return ctx.Err()
}
