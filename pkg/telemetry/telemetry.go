// Package telemetry records one JSONL audit event per terminal pipeline
// verdict. Recording is a side effect of the decision, never part of it:
// a failed write logs a warning and the request proceeds.
package telemetry

import (
	"encoding/json"
	"io"
	"log"
	"os"
	"sync"
	"time"
)

// Event is a single audit record.
type Event struct {
	Time  time.Time      `json:"time"`
	Name  string         `json:"event"`
	Props map[string]any `json:"props,omitempty"`
}

// Client appends events to a JSONL sink. Safe for concurrent use.
// A nil *Client is a valid no-op sink, so callers never guard their Track
// calls.
type Client struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	now func() time.Time
}

// NewClient opens (or creates) the audit log at path in append mode.
// An empty path returns a no-op client.
func NewClient(path string) (*Client, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Client{w: f, c: f, now: time.Now}, nil
}

// NewWriterClient wraps an arbitrary writer (tests, stdout).
func NewWriterClient(w io.Writer) *Client {
	return &Client{w: w, now: time.Now}
}

// Track appends one event. Never returns an error to the caller: audit
// failures must not influence admission decisions.
func (c *Client) Track(event string, props map[string]any) {
	if c == nil {
		return
	}

	rec := Event{Time: c.now().UTC(), Name: event, Props: props}
	line, err := json.Marshal(rec)
	if err != nil {
		log.Printf("[WARN] audit event %q not serializable: %v", event, err)
		return
	}
	line = append(line, '\n')

	c.mu.Lock()
	_, err = c.w.Write(line)
	c.mu.Unlock()
	if err != nil {
		log.Printf("[WARN] audit write failed: %v", err)
	}
}

// Close flushes and closes the underlying sink.
func (c *Client) Close() error {
	if c == nil || c.c == nil {
		return nil
	}
	return c.c.Close()
}
