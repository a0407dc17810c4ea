// Package query is the read-only interface the external agent uses to
// search captured terminal history. It is built on store.Reader and cannot
// reach the queue, producers, processor or capture control.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/theirongolddev/tcap/internal/control"
	"github.com/theirongolddev/tcap/internal/model"
	"github.com/theirongolddev/tcap/internal/store"
)

var (
	// ErrPrivilegeViolation is returned for any attempt to modify state
	// through the query surface.
	ErrPrivilegeViolation = errors.New("privilege violation: query interface is read-only")
	// ErrInvalidRequest is returned for malformed query parameters.
	ErrInvalidRequest = errors.New("invalid request")
)

const (
	defaultLimit   = 20
	maxLimit       = 200
	searchPage     = 2000
	maxScanned     = 500000
	recencyHalf    = 7 * 24 * time.Hour
	semanticWeight = 0.4
	semanticFloor  = 0.5
	maxSolutions   = 3
	topCommands    = 10
)

// StatusReader is the capture status surface.
type StatusReader interface {
	Status(ctx context.Context) (control.Status, error)
}

// Service answers agent queries.
type Service struct {
	st       store.Reader
	status   StatusReader
	semantic Semantic
	now      func() time.Time
}

// NewService returns a service over st. status and semantic may be nil.
func NewService(st store.Reader, status StatusReader, semantic Semantic) *Service {
	return &Service{st: st, status: status, semantic: semantic, now: time.Now}
}

// SearchRequest selects and ranks events.
type SearchRequest struct {
	Query       string
	ProjectPath string
	Since       time.Time
	Until       time.Time
	Kinds       []model.Kind
	Limit       int
}

// Match is one ranked search hit.
type Match struct {
	Event model.Event `json:"event" yaml:"event"`
	Score float64     `json:"score" yaml:"score"`
}

// SearchResult holds ranked matches. CorruptChunks lists chunks that could
// not be searched. Truncated is set when the scan stopped before reaching
// the oldest matching event.
type SearchResult struct {
	Matches       []Match  `json:"matches" yaml:"matches"`
	CorruptChunks []string `json:"corrupt_chunks,omitempty" yaml:"corrupt_chunks,omitempty"`
	Truncated     bool     `json:"truncated,omitempty" yaml:"truncated,omitempty"`
}

func clampLimit(n int) (int, error) {
	switch {
	case n < 0:
		return 0, fmt.Errorf("%w: negative limit", ErrInvalidRequest)
	case n == 0:
		return defaultLimit, nil
	case n > maxLimit:
		return maxLimit, nil
	}
	return n, nil
}

// Search ranks events by keyword relevance decayed by age, plus semantic
// similarity when a scorer is configured.
func (s *Service) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return SearchResult{}, fmt.Errorf("%w: empty query", ErrInvalidRequest)
	}
	limit, err := clampLimit(req.Limit)
	if err != nil {
		return SearchResult{}, err
	}
	for _, k := range req.Kinds {
		if !k.IsEvent() {
			return SearchResult{}, fmt.Errorf("%w: kind %q", ErrInvalidRequest, k)
		}
	}

	filter := store.EventFilter{
		ProjectPath: req.ProjectPath,
		Since:       req.Since,
		Until:       req.Until,
		Kinds:       req.Kinds,
		Newest:      true,
		Limit:       searchPage,
	}
	terms := strings.Fields(strings.ToLower(query))
	now := s.now()
	semantic := s.semantic

	var (
		res     SearchResult
		scanned int
		corrupt = make(map[string]bool)
	)
	for {
		page, err := s.st.ListEvents(ctx, filter)
		if err != nil {
			return SearchResult{}, fmt.Errorf("searching: %w", err)
		}
		for _, id := range page.CorruptChunks {
			if !corrupt[id] {
				corrupt[id] = true
				res.CorruptChunks = append(res.CorruptChunks, id)
			}
		}
		for _, ev := range page.Events {
			score := keywordScore(terms, strings.ToLower(query), ev.Text)
			if semantic != nil {
				sim, err := semantic.Similarity(query, ev.Text)
				if err != nil {
					slog.Debug("semantic scorer failed, using keywords only", "error", err)
					semantic = nil
				} else if score > 0 || sim >= semanticFloor {
					score += semanticWeight * sim
				}
			}
			if score <= 0 {
				continue
			}
			res.Matches = append(res.Matches, Match{Event: ev, Score: score * recency(now, ev.Timestamp)})
		}
		res.Matches = rankMatches(res.Matches, limit)

		scanned += searchPage
		if page.Next == nil {
			break
		}
		if scanned >= maxScanned {
			slog.Warn("search stopped before oldest event", "scanned", scanned)
			res.Truncated = true
			break
		}
		if err := ctx.Err(); err != nil {
			return SearchResult{}, err
		}
		filter.After = page.Next
	}
	return res, nil
}

// rankMatches orders by score, newest first on ties, and keeps the top n.
func rankMatches(matches []Match, n int) []Match {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Event.Timestamp.After(matches[j].Event.Timestamp)
	})
	if len(matches) > n {
		matches = matches[:n]
	}
	return matches
}

// keywordScore is the share of terms present in text, plus a bonus when the
// whole phrase appears.
func keywordScore(terms []string, phrase, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	if hits == 0 {
		return 0
	}
	score := float64(hits) / float64(len(terms))
	if len(terms) > 1 && strings.Contains(lower, phrase) {
		score += 0.5
	}
	return score
}

// recency halves a score's weight every recencyHalf, down to a floor of 0.25.
func recency(now, ts time.Time) float64 {
	age := now.Sub(ts)
	if age <= 0 {
		return 1
	}
	decay := math.Exp2(-float64(age) / float64(recencyHalf))
	return 0.25 + 0.75*decay
}

// ErrorReport is one captured error with optional solution context.
type ErrorReport struct {
	Error     model.Event   `json:"error" yaml:"error"`
	Command   *model.Event  `json:"command,omitempty" yaml:"command,omitempty"`
	Following []model.Event `json:"following,omitempty" yaml:"following,omitempty"`
}

// ErrorsRequest selects errors.
type ErrorsRequest struct {
	ProjectPath   string
	Since         time.Time
	WithSolutions bool
	Limit         int
}

// Errors returns recent error events, newest first. With solutions, each
// carries the command that preceded it and up to three events that
// followed it in the same session, stopping at the next command.
func (s *Service) Errors(ctx context.Context, req ErrorsRequest) ([]ErrorReport, error) {
	limit, err := clampLimit(req.Limit)
	if err != nil {
		return nil, err
	}
	page, err := s.st.ListEvents(ctx, store.EventFilter{
		ProjectPath: req.ProjectPath,
		Since:       req.Since,
		Kinds:       []model.Kind{model.KindError},
		Newest:      true,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("listing errors: %w", err)
	}

	reports := make([]ErrorReport, len(page.Events))
	for i, ev := range page.Events {
		reports[i].Error = ev
	}
	if !req.WithSolutions {
		return reports, nil
	}

	timelines := make(map[string][]model.Event)
	for i := range reports {
		id := reports[i].Error.SessionID
		timeline, ok := timelines[id]
		if !ok {
			p, err := s.st.ListEvents(ctx, store.EventFilter{SessionID: id})
			if err != nil {
				return nil, fmt.Errorf("loading session %s: %w", id, err)
			}
			timeline = p.Events
			timelines[id] = timeline
		}
		attachContext(&reports[i], timeline)
	}
	return reports, nil
}

func attachContext(r *ErrorReport, timeline []model.Event) {
	at := -1
	for i, ev := range timeline {
		if ev.Seq == r.Error.Seq {
			at = i
			break
		}
	}
	if at < 0 {
		return
	}
	for i := at - 1; i >= 0; i-- {
		if timeline[i].Kind == model.KindCommand {
			cmd := timeline[i]
			r.Command = &cmd
			break
		}
	}
	for i := at + 1; i < len(timeline) && len(r.Following) < maxSolutions; i++ {
		if timeline[i].Kind == model.KindCommand {
			break
		}
		r.Following = append(r.Following, timeline[i])
	}
}

// Summary aggregates sessions for a project since a time. An empty project
// path covers all projects.
func (s *Service) Summary(ctx context.Context, projectPath string, since time.Time) (model.SummaryStats, error) {
	stats := model.SummaryStats{ProjectPath: projectPath, Since: since}

	sessions, err := s.st.ListSessions(ctx, store.SessionFilter{ProjectPath: projectPath, Since: since})
	if err != nil {
		return stats, fmt.Errorf("listing sessions: %w", err)
	}
	counts, err := s.st.CountEvents(ctx, store.EventFilter{ProjectPath: projectPath, Since: since})
	if err != nil {
		return stats, fmt.Errorf("counting events: %w", err)
	}
	byID := make(map[string]model.SessionCounts, len(counts))
	for _, c := range counts {
		byID[c.SessionID] = c
	}

	days := make(map[string]bool)
	for i := len(sessions) - 1; i >= 0; i-- { // oldest first
		sess := sessions[i]
		c, ok := byID[sess.SessionID]
		if !ok {
			c = model.SessionCounts{SessionID: sess.SessionID}
		}
		c.ProjectPath = sess.ProjectPath
		c.StartedAt = sess.StartedAt
		c.EndedAt = sess.EndedAt
		stats.Sessions = append(stats.Sessions, c)
		delete(byID, sess.SessionID)
		days[sess.StartedAt.Local().Format("2006-01-02")] = true
	}
	// Sessions started elsewhere whose events fall under the project.
	for _, c := range counts {
		if _, ok := byID[c.SessionID]; ok {
			stats.Sessions = append(stats.Sessions, c)
		}
	}

	for _, c := range stats.Sessions {
		stats.Commands += c.Commands
		stats.Outputs += c.Outputs
		stats.Errors += c.Errors
		stats.TotalEvents += c.Events
	}
	stats.TotalSessions = len(stats.Sessions)
	stats.ActiveDays = len(days)

	page, err := s.st.ListEvents(ctx, store.EventFilter{
		ProjectPath: projectPath,
		Since:       since,
		Kinds:       []model.Kind{model.KindCommand},
	})
	if err != nil {
		return stats, fmt.Errorf("listing commands: %w", err)
	}
	stats.TopCommands = rankCommands(page.Events, topCommands)
	return stats, nil
}

func rankCommands(events []model.Event, n int) []model.CommandCount {
	totals := make(map[string]int)
	for _, ev := range events {
		totals[ev.Text] += max(ev.RepeatCount, 1)
	}
	out := make([]model.CommandCount, 0, len(totals))
	for cmd, count := range totals {
		out = append(out, model.CommandCount{Command: cmd, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Command < out[j].Command
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// CaptureStatus returns the capture configuration and pipeline health.
func (s *Service) CaptureStatus(ctx context.Context) (control.Status, error) {
	if s.status == nil {
		return control.Status{}, errors.New("capture status unavailable")
	}
	return s.status.Status(ctx)
}
