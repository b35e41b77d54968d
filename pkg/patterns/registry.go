// Package patterns provides the signature scanner: a centralized,
// compile-once registry of regexes for known prompt-injection phrasings.
//
// Design principles:
// - COMPILE ONCE: built-in patterns compiled at init, not per-request
// - ORDERED: role-hijacking evaluated before instruction-override,
//   patterns within a class evaluated in registration order
// - LOCAL: scanning is synchronous and never touches the network,
//   so it gates all later (expensive) pipeline stages
// - EXTENSIBLE: operators can append patterns from a YAML file,
//   hot-reloaded without restart
package patterns

import (
	"regexp"
	"sync"

	"golang.org/x/text/unicode/norm"
)

// ThreatType classifies what a matching pattern indicates.
type ThreatType string

const (
	ThreatRoleHijacking       ThreatType = "role_hijacking"
	ThreatInstructionOverride ThreatType = "instruction_override"
	ThreatClean               ThreatType = "clean"
)

// scanOrder fixes class precedence: a prompt matching both classes reports
// role hijacking.
var scanOrder = []ThreatType{ThreatRoleHijacking, ThreatInstructionOverride}

// Pattern holds a compiled regex with metadata.
type Pattern struct {
	Name        string         // Human-readable name for logging
	Regex       *regexp.Regexp // Compiled regex (never nil after registration)
	Threat      ThreatType     // Threat class this pattern detects
	Description string         // What this pattern detects
}

// Verdict is the scanner's per-request result. Computed fresh per call,
// never cached.
type Verdict struct {
	Malicious bool       `json:"malicious"`
	Threat    ThreatType `json:"threat_type"`
	Pattern   string     `json:"pattern,omitempty"` // Name of the first matching pattern
}

// Registry holds compiled patterns organized by threat class. Built-in
// patterns are fixed after construction; file-sourced extras are swapped
// atomically on reload.
type Registry struct {
	mu      sync.RWMutex
	builtin map[ThreatType][]*Pattern
	extra   map[ThreatType][]*Pattern
}

// global singleton - initialized once at first use
var (
	globalRegistry *Registry
	initOnce       sync.Once
)

// Get returns the global pattern registry (singleton).
// Thread-safe and guaranteed to be initialized.
func Get() *Registry {
	initOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// NewRegistry creates a registry populated with the built-in signature set.
func NewRegistry() *Registry {
	r := &Registry{
		builtin: make(map[ThreatType][]*Pattern),
		extra:   make(map[ThreatType][]*Pattern),
	}
	r.registerRoleHijackingPatterns()
	r.registerInstructionOverridePatterns()
	return r
}

// register adds a built-in pattern (construction time only).
func (r *Registry) register(name, pattern string, threat ThreatType, description string) {
	r.builtin[threat] = append(r.builtin[threat], &Pattern{
		Name:        name,
		Regex:       regexp.MustCompile(pattern),
		Threat:      threat,
		Description: description,
	})
}

// Scan checks text against all signature classes in precedence order and
// short-circuits on the first match. Text is NFKC-normalized first so that
// width/compatibility variants ("ｉｇｎｏｒｅ", ligatures) cannot slip past
// ASCII-oriented regexes.
func (r *Registry) Scan(text string) Verdict {
	normalized := norm.NFKC.String(text)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, threat := range scanOrder {
		for _, p := range r.builtin[threat] {
			if p.Regex.MatchString(normalized) {
				return Verdict{Malicious: true, Threat: threat, Pattern: p.Name}
			}
		}
		for _, p := range r.extra[threat] {
			if p.Regex.MatchString(normalized) {
				return Verdict{Malicious: true, Threat: threat, Pattern: p.Name}
			}
		}
	}
	return Verdict{Malicious: false, Threat: ThreatClean}
}

// setExtra swaps the file-sourced pattern set atomically.
func (r *Registry) setExtra(extra map[ThreatType][]*Pattern) {
	r.mu.Lock()
	r.extra = extra
	r.mu.Unlock()
}

// PatternCount returns built-in plus file-sourced pattern counts per class.
func (r *Registry) PatternCount(threat ThreatType) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builtin[threat]) + len(r.extra[threat])
}

// TotalPatterns returns the total count of registered patterns.
func (r *Registry) TotalPatterns() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, threat := range scanOrder {
		total += len(r.builtin[threat]) + len(r.extra[threat])
	}
	return total
}
