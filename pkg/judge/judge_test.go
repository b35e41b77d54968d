package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func judgeBackend(t *testing.T, reply string) (*Evaluator, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Temperature != 0.0 {
			t.Errorf("temperature = %v, want 0 for deterministic verdicts", req.Temperature)
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, reply)
	}))
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "k", Model: "judge-model"}), srv
}

func TestEvaluateValid(t *testing.T) {
	e, _ := judgeBackend(t, "valid")
	res := e.Evaluate(context.Background(), "What is the capital of France?")
	if !res.IsValid || res.Label != LabelValid {
		t.Errorf("result = %+v, want valid", res)
	}
	if res.Score != 1.0 {
		t.Errorf("score = %v, want 1.0", res.Score)
	}
}

func TestEvaluateInvalid(t *testing.T) {
	e, _ := judgeBackend(t, "invalid")
	res := e.Evaluate(context.Background(), "buy buy buy buy buy buy buy")
	if res.IsValid || res.Label != LabelInvalid {
		t.Errorf("result = %+v, want invalid", res)
	}
}

func TestEvaluateFailsClosedOnBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	e := New(Config{BaseURL: srv.URL})
	res := e.Evaluate(context.Background(), "anything")
	if res.IsValid {
		t.Fatal("backend error must fail closed")
	}
	if res.Label != LabelInvalid || res.Score != 0.0 {
		t.Errorf("fail-closed result = %+v", res)
	}
}

func TestEvaluateFailsClosedOnUnreachableBackend(t *testing.T) {
	e := New(Config{BaseURL: "http://127.0.0.1:1"})
	res := e.Evaluate(context.Background(), "anything")
	if res.IsValid {
		t.Fatal("unreachable backend must fail closed")
	}
}

func TestEvaluateFailsClosedOnEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	t.Cleanup(srv.Close)

	e := New(Config{BaseURL: srv.URL})
	if res := e.Evaluate(context.Background(), "anything"); res.IsValid {
		t.Fatal("empty choices must fail closed")
	}
}

func TestParseVerdict(t *testing.T) {
	testCases := []struct {
		content   string
		wantValid bool
		wantLabel string
	}{
		{"valid", true, LabelValid},
		{"Valid", true, LabelValid},
		{"  VALID  ", true, LabelValid},
		{`"valid"`, true, LabelValid},
		{"valid.", true, LabelValid},
		{"invalid", false, LabelInvalid},
		{"INVALID", false, LabelInvalid},
		{"invalid - token stuffing", false, LabelInvalid},
		{"I cannot evaluate this", false, LabelInvalid},
		{"", false, LabelInvalid},
		{"maybe", false, LabelInvalid},
	}
	for _, tc := range testCases {
		got := parseVerdict(tc.content)
		if got.IsValid != tc.wantValid || got.Label != tc.wantLabel {
			t.Errorf("parseVerdict(%q) = {%v %q}, want {%v %q}",
				tc.content, got.IsValid, got.Label, tc.wantValid, tc.wantLabel)
		}
	}
}

// "invalid" must not be mistaken for "valid" by a substring check.
func TestParseVerdictInvalidIsNotValid(t *testing.T) {
	if parseVerdict("invalid").IsValid {
		t.Fatal("invalid parsed as valid")
	}
}

func TestEvaluateDeduplicatesIdenticalTexts(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"valid"}}]}`)
	}))
	t.Cleanup(srv.Close)

	e := New(Config{BaseURL: srv.URL})

	const n = 8
	var wg sync.WaitGroup
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			started <- struct{}{}
			res := e.Evaluate(context.Background(), "same payload every time")
			if !res.IsValid {
				t.Error("expected valid verdict")
			}
		}()
	}
	for i := 0; i < n; i++ {
		<-started
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got >= n {
		t.Errorf("backend called %d times for %d identical texts, expected dedupe", got, n)
	}
}
