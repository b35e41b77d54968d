// Package penalty implements the adaptive penalty policy engine: the only
// shared mutable state in the admission pipeline. It tracks a sliding window
// of recent token costs, flags fingerprints whose judged-invalid requests
// cost more than the running average, and answers per-fingerprint
// compression decisions until the flag's TTL elapses.
//
// The running average is deliberately global, not per-fingerprint: an
// attacker cannot lower their own baseline with cheap requests before a
// single expensive attack.
package penalty

import (
	"container/list"
	"sync"
	"time"

	"github.com/ecoshield-ai/ecoshield/pkg/identity"
)

// Defaults mirror the engine's production tuning.
const (
	DefaultBaseAggressiveness    = 0.5
	DefaultPenaltyAggressiveness = 0.8
	DefaultTTL                   = time.Hour
	DefaultFlagCapacity          = 1000
	DefaultWindowSize            = 1000
)

// Options configures an Engine. Zero fields take the package defaults.
type Options struct {
	BaseAggressiveness    float64
	PenaltyAggressiveness float64
	TTL                   time.Duration
	FlagCapacity          int // max simultaneously flagged fingerprints (LRU beyond this)
	WindowSize            int // cost samples kept for the global running average
}

// Decision is the read projection of a fingerprint's penalty state.
type Decision struct {
	Aggressiveness float64 `json:"aggressiveness"`
	IsPenalty      bool    `json:"is_penalty"`
}

// Stats is a read-only observability snapshot for one fingerprint.
type Stats struct {
	Flagged          bool    `json:"flagged"`
	CompressionLevel float64 `json:"compression_level"`
	RequestCount     int     `json:"request_count"`
	AverageTokenCost float64 `json:"average_token_cost"` // per-fingerprint
	GlobalAverage    float64 `json:"global_average"`     // 0 when no samples yet
	TTLSeconds       int     `json:"penalty_ttl_seconds"`
}

// flagEntry lives in the LRU list; expiry is evaluated lazily.
type flagEntry struct {
	fp        identity.Fingerprint
	expiresAt time.Time
}

// userHistory is a capped per-fingerprint cost record, kept for reporting
// only - it never feeds penalty decisions.
type userHistory struct {
	costs []int
	sum   int64
	head  int
	count int
}

func (h *userHistory) add(tokens int) {
	if h.count == len(h.costs) {
		h.sum -= int64(h.costs[h.head])
		h.costs[h.head] = tokens
		h.head = (h.head + 1) % len(h.costs)
	} else {
		h.costs[(h.head+h.count)%len(h.costs)] = tokens
		h.count++
	}
	h.sum += int64(tokens)
}

func (h *userHistory) average() float64 {
	if h.count == 0 {
		return 0
	}
	return float64(h.sum) / float64(h.count)
}

// Engine is safe for concurrent use. One mutex covers both the cost window
// and the flag store: FlagForPenalty reads the average and writes the store
// as a single decision, so the two must be observed consistently.
type Engine struct {
	mu sync.Mutex

	base    float64
	penalty float64
	ttl     time.Duration

	// flag store: map + intrusive LRU list, front = most recently flagged
	flagCap int
	flags   map[identity.Fingerprint]*list.Element
	order   *list.List

	// global cost window: ring buffer with maintained sum for O(1) average
	window []int
	head   int
	count  int
	sum    int64

	users map[identity.Fingerprint]*userHistory

	now func() time.Time // injectable for TTL tests
}

// NewEngine creates a penalty engine.
func NewEngine(opts Options) *Engine {
	if opts.BaseAggressiveness <= 0 {
		opts.BaseAggressiveness = DefaultBaseAggressiveness
	}
	if opts.PenaltyAggressiveness <= 0 {
		opts.PenaltyAggressiveness = DefaultPenaltyAggressiveness
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.FlagCapacity <= 0 {
		opts.FlagCapacity = DefaultFlagCapacity
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}

	return &Engine{
		base:    opts.BaseAggressiveness,
		penalty: opts.PenaltyAggressiveness,
		ttl:     opts.TTL,
		flagCap: opts.FlagCapacity,
		flags:   make(map[identity.Fingerprint]*list.Element),
		order:   list.New(),
		window:  make([]int, opts.WindowSize),
		users:   make(map[identity.Fingerprint]*userHistory),
		now:     time.Now,
	}
}

// Decision returns the compression tier for a fingerprint: penalty
// aggressiveness iff an unexpired flag exists, base otherwise. Expired
// flags encountered here are removed (lazy TTL sweep).
func (e *Engine) Decision(fp identity.Fingerprint) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()

	if elem, ok := e.flags[fp]; ok {
		entry := elem.Value.(*flagEntry)
		if e.now().Before(entry.expiresAt) {
			return Decision{Aggressiveness: e.penalty, IsPenalty: true}
		}
		e.order.Remove(elem)
		delete(e.flags, fp)
	}
	return Decision{Aggressiveness: e.base, IsPenalty: false}
}

// RecordTokenCost appends a per-request total token cost to the global
// sliding window (evicting the oldest sample at capacity) and to the
// fingerprint's capped history.
func (e *Engine) RecordTokenCost(fp identity.Fingerprint, tokens int) {
	if tokens < 0 {
		tokens = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count == len(e.window) {
		e.sum -= int64(e.window[e.head])
		e.window[e.head] = tokens
		e.head = (e.head + 1) % len(e.window)
	} else {
		e.window[(e.head+e.count)%len(e.window)] = tokens
		e.count++
	}
	e.sum += int64(tokens)

	h, ok := e.users[fp]
	if !ok {
		h = &userHistory{costs: make([]int, len(e.window))}
		e.users[fp] = h
	}
	h.add(tokens)
}

// FlagForPenalty flags a fingerprint for elevated compression if tokens
// exceeds the current running average. A no-op when the window is empty or
// the cost is at or below average: cheap invalid requests (a short nonsense
// string) must not escalate. Returns whether the flag was applied.
//
// Callers invoke this only for requests already judged invalid.
func (e *Engine) FlagForPenalty(fp identity.Fingerprint, tokens int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count == 0 {
		return false
	}
	avg := float64(e.sum) / float64(e.count)
	if float64(tokens) <= avg {
		return false
	}

	expires := e.now().Add(e.ttl)
	if elem, ok := e.flags[fp]; ok {
		elem.Value.(*flagEntry).expiresAt = expires
		e.order.MoveToFront(elem)
		return true
	}

	e.flags[fp] = e.order.PushFront(&flagEntry{fp: fp, expiresAt: expires})
	if e.order.Len() > e.flagCap {
		oldest := e.order.Back()
		e.order.Remove(oldest)
		delete(e.flags, oldest.Value.(*flagEntry).fp)
	}
	return true
}

// Unflag removes any flag for the fingerprint unconditionally. This is the
// administrative override - good behavior never clears a flag early.
func (e *Engine) Unflag(fp identity.Fingerprint) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if elem, ok := e.flags[fp]; ok {
		e.order.Remove(elem)
		delete(e.flags, fp)
	}
}

// GlobalAverage returns the running average token cost, or 0 with ok=false
// when no samples have been recorded.
func (e *Engine) GlobalAverage() (avg float64, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.globalAverageLocked()
}

func (e *Engine) globalAverageLocked() (float64, bool) {
	if e.count == 0 {
		return 0, false
	}
	return float64(e.sum) / float64(e.count), true
}

// Stats returns an observability snapshot. It never mutates engine state:
// an expired-but-unswept flag reports as unflagged without being removed.
func (e *Engine) Stats(fp identity.Fingerprint) Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	flagged := false
	if elem, ok := e.flags[fp]; ok {
		flagged = e.now().Before(elem.Value.(*flagEntry).expiresAt)
	}

	level := e.base
	if flagged {
		level = e.penalty
	}

	global, _ := e.globalAverageLocked()
	s := Stats{
		Flagged:          flagged,
		CompressionLevel: level,
		GlobalAverage:    global,
		TTLSeconds:       int(e.ttl / time.Second),
	}
	if h, ok := e.users[fp]; ok {
		s.RequestCount = h.count
		s.AverageTokenCost = h.average()
	}
	return s
}

// FlaggedCount reports how many fingerprints currently hold a flag entry
// (expired-but-unswept entries included).
func (e *Engine) FlaggedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.order.Len()
}
