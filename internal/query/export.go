package query

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/store"
)

// Export formats.
const (
	FormatJSON     = "json"
	FormatJSONL    = "jsonl"
	FormatYAML     = "yaml"
	FormatMarkdown = "markdown"
)

// Formats lists the supported export formats.
var Formats = []string{FormatJSON, FormatJSONL, FormatYAML, FormatMarkdown}

const maxExportDays = 365

// ExportRequest selects what to export.
type ExportRequest struct {
	Days        int
	Format      string
	ProjectPath string
}

// ExportSession is one session with its events.
type ExportSession struct {
	model.Session `yaml:",inline"`
	Events        []model.Event `json:"events" yaml:"events"`
}

// ExportDoc is the json and yaml export document.
type ExportDoc struct {
	GeneratedAt   time.Time       `json:"generated_at" yaml:"generated_at"`
	Since         time.Time       `json:"since" yaml:"since"`
	ProjectPath   string          `json:"project_path,omitempty" yaml:"project_path,omitempty"`
	Sessions      []ExportSession `json:"sessions" yaml:"sessions"`
	CorruptChunks []string        `json:"corrupt_chunks,omitempty" yaml:"corrupt_chunks,omitempty"`
}

// Export writes the history of the last req.Days days to w. The document
// is rendered in full before anything is written, so a failure writes
// nothing.
func (s *Service) Export(ctx context.Context, w io.Writer, req ExportRequest) error {
	if req.Days < 1 || req.Days > maxExportDays {
		return fmt.Errorf("%w: days must be in 1..%d", ErrInvalidRequest, maxExportDays)
	}
	format := strings.ToLower(req.Format)
	if format == "" {
		format = FormatJSON
	}
	if format == "md" {
		format = FormatMarkdown
	}
	if !slices.Contains(Formats, format) {
		return fmt.Errorf("%w: format %q (want one of %s)", ErrInvalidRequest, req.Format, strings.Join(Formats, ", "))
	}

	doc, err := s.exportDoc(ctx, req)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		err = enc.Encode(doc)
	case FormatJSONL:
		err = writeJSONL(&buf, doc)
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err = enc.Encode(doc); err == nil {
			err = enc.Close()
		}
	case FormatMarkdown:
		writeMarkdown(&buf, doc)
	}
	if err != nil {
		return fmt.Errorf("encoding %s export: %w", format, err)
	}
	_, err = w.Write(buf.Bytes())
	return err
}

func (s *Service) exportDoc(ctx context.Context, req ExportRequest) (ExportDoc, error) {
	now := s.now()
	since := now.AddDate(0, 0, -req.Days)
	doc := ExportDoc{GeneratedAt: now, Since: since, ProjectPath: req.ProjectPath}

	sessions, err := s.st.ListSessions(ctx, store.SessionFilter{ProjectPath: req.ProjectPath, Since: since})
	if err != nil {
		return doc, fmt.Errorf("listing sessions: %w", err)
	}
	page, err := s.st.ListEvents(ctx, store.EventFilter{ProjectPath: req.ProjectPath, Since: since})
	if err != nil {
		return doc, fmt.Errorf("listing events: %w", err)
	}
	doc.CorruptChunks = page.CorruptChunks

	byID := make(map[string]int)
	for i := len(sessions) - 1; i >= 0; i-- {
		byID[sessions[i].SessionID] = len(doc.Sessions)
		doc.Sessions = append(doc.Sessions, ExportSession{Session: sessions[i], Events: []model.Event{}})
	}
	for _, ev := range page.Events {
		i, ok := byID[ev.SessionID]
		if !ok {
			sess, err := s.st.GetSession(ctx, ev.SessionID)
			if err != nil {
				return doc, fmt.Errorf("loading session %s: %w", ev.SessionID, err)
			}
			i = len(doc.Sessions)
			byID[ev.SessionID] = i
			doc.Sessions = append(doc.Sessions, ExportSession{Session: sess})
		}
		doc.Sessions[i].Events = append(doc.Sessions[i].Events, ev)
	}
	return doc, nil
}

func writeJSONL(b *bytes.Buffer, doc ExportDoc) error {
	enc := json.NewEncoder(b)
	for _, sess := range doc.Sessions {
		for _, ev := range sess.Events {
			if err := enc.Encode(ev); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeMarkdown(b *bytes.Buffer, doc ExportDoc) {
	fmt.Fprintf(b, "# Terminal history\n\n")
	fmt.Fprintf(b, "Generated %s, covering since %s.\n", doc.GeneratedAt.Format(time.RFC3339), doc.Since.Format(time.RFC3339))
	if doc.ProjectPath != "" {
		fmt.Fprintf(b, "Project: `%s`\n", doc.ProjectPath)
	}
	for _, sess := range doc.Sessions {
		fmt.Fprintf(b, "\n## Session %s\n\n", sess.SessionID)
		fmt.Fprintf(b, "- Started: %s\n", sess.StartedAt.Format(time.RFC3339))
		if !sess.EndedAt.IsZero() {
			fmt.Fprintf(b, "- Ended: %s\n", sess.EndedAt.Format(time.RFC3339))
		}
		if sess.ProjectPath != "" {
			fmt.Fprintf(b, "- Project: `%s`\n", sess.ProjectPath)
		}
		if sess.TerminalKind != "" {
			fmt.Fprintf(b, "- Terminal: %s\n", sess.TerminalKind)
		}
		if len(sess.Tags) > 0 {
			fmt.Fprintf(b, "- Tags: %s\n", strings.Join(sess.Tags, ", "))
		}
		if len(sess.Events) == 0 {
			continue
		}
		b.WriteString("\n```\n")
		for _, ev := range sess.Events {
			prefix := "  "
			switch ev.Kind {
			case model.KindCommand:
				prefix = "$ "
			case model.KindError:
				prefix = "! "
			}
			for _, line := range strings.Split(strings.ReplaceAll(ev.Text, "```", "'''"), "\n") {
				b.WriteString(prefix)
				b.WriteString(line)
				b.WriteByte('\n')
			}
			if ev.RepeatCount > 1 {
				fmt.Fprintf(b, "  (repeated %d times)\n", ev.RepeatCount)
			}
		}
		b.WriteString("```\n")
	}
}
