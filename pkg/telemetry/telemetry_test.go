package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestTrackWritesJSONL(t *testing.T) {
	var buf bytes.Buffer
	c := NewWriterClient(&buf)

	c.Track("request_blocked", map[string]any{
		"fingerprint": "alice|203.0.113.1",
		"reason":      "high_entropy_weird",
		"entropy":     6.9,
	})
	c.Track("request_admitted", map[string]any{"tokens": 120})

	scanner := bufio.NewScanner(&buf)
	var events []Event
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		events = append(events, e)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Name != "request_blocked" {
		t.Errorf("event = %q, want request_blocked", events[0].Name)
	}
	if events[0].Props["reason"] != "high_entropy_weird" {
		t.Errorf("reason prop = %v", events[0].Props["reason"])
	}
	if events[0].Time.IsZero() {
		t.Error("event time must be set")
	}
}

func TestNilClientIsNoop(t *testing.T) {
	var c *Client
	// Must not panic.
	c.Track("anything", nil)
	if err := c.Close(); err != nil {
		t.Errorf("Close on nil client = %v", err)
	}
}

func TestNewClientEmptyPath(t *testing.T) {
	c, err := NewClient("")
	if err != nil {
		t.Fatalf("NewClient(\"\") error: %v", err)
	}
	if c != nil {
		t.Error("empty path should return a nil no-op client")
	}
}

func TestNewClientAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	c, err := NewClient(path)
	if err != nil {
		t.Fatal(err)
	}
	c.Track("one", nil)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	c, err = NewClient(path)
	if err != nil {
		t.Fatal(err)
	}
	c.Track("two", nil)
	c.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := bytes.Count(data, []byte("\n"))
	if lines != 2 {
		t.Errorf("got %d lines, want 2 (append mode)", lines)
	}
}

func TestTrackConcurrent(t *testing.T) {
	var buf bytes.Buffer
	c := NewWriterClient(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.Track("evt", map[string]any{"i": i})
		}(i)
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	count := 0
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("interleaved write produced invalid JSON: %v", err)
		}
		count++
	}
	if count != 20 {
		t.Errorf("got %d events, want 20", count)
	}
}
