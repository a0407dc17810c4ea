package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/theirongolddev/tcap/internal/processor"
)

// Client talks to a running daemon's control API.
type Client struct {
	base string
	http *http.Client
}

// NewClient returns a client for the daemon listening on addr.
func NewClient(addr string) *Client {
	return &Client{
		base: "http://" + addr,
		http: &http.Client{Timeout: 45 * time.Second},
	}
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting daemon: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && body.Error != "" {
			return fmt.Errorf("daemon %s %s: HTTP %d: %s", method, path, resp.StatusCode, body.Error)
		}
		return fmt.Errorf("daemon %s %s: HTTP %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed daemon response: %w", err)
	}
	return nil
}

// Status fetches /v1/status.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/v1/status", &st)
	return st, err
}

// Events fetches the buffered event history, oldest first.
func (c *Client) Events(ctx context.Context) ([]Event, error) {
	var evs []Event
	err := c.do(ctx, http.MethodGet, "/v1/events", &evs)
	return evs, err
}

// Flush asks the daemon to process the queue and commit every buffer.
func (c *Client) Flush(ctx context.Context) (processor.CycleStats, error) {
	var stats processor.CycleStats
	err := c.do(ctx, http.MethodPost, "/v1/flush", &stats)
	return stats, err
}

// SetCapture sets the capture flag through the daemon.
func (c *Client) SetCapture(ctx context.Context, enabled bool) error {
	var out map[string]bool
	return c.do(ctx, http.MethodPost, "/v1/capture?"+url.Values{"enabled": {strconv.FormatBool(enabled)}}.Encode(), &out)
}

// ToggleCapture flips the capture flag and returns the new value.
func (c *Client) ToggleCapture(ctx context.Context) (bool, error) {
	var out map[string]bool
	if err := c.do(ctx, http.MethodPost, "/v1/capture", &out); err != nil {
		return false, err
	}
	return out["enabled"], nil
}
