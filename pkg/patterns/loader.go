package patterns

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// patternFile is the YAML schema for operator-supplied signature patterns:
//
//	role_hijacking:
//	  - name: sudo_mode
//	    pattern: '(?i)enable\s+sudo\s+mode'
//	    description: Sudo-mode jailbreak phrasing
//	instruction_override:
//	  - name: new_rules
//	    pattern: '(?i)these\s+are\s+your\s+new\s+rules'
type patternFile struct {
	RoleHijacking       []patternSpec `yaml:"role_hijacking"`
	InstructionOverride []patternSpec `yaml:"instruction_override"`
}

type patternSpec struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Description string `yaml:"description"`
}

// LoadFile parses and compiles an external pattern file and swaps it into
// the registry. The swap is all-or-nothing: any unparseable entry rejects
// the whole file and the previous set stays active.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read patterns file: %w", err)
	}

	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse patterns file %s: %w", path, err)
	}

	extra := make(map[ThreatType][]*Pattern)
	for threat, specs := range map[ThreatType][]patternSpec{
		ThreatRoleHijacking:       pf.RoleHijacking,
		ThreatInstructionOverride: pf.InstructionOverride,
	} {
		for _, spec := range specs {
			if spec.Pattern == "" {
				return fmt.Errorf("pattern %q (%s): empty regex", spec.Name, threat)
			}
			re, err := regexp.Compile(spec.Pattern)
			if err != nil {
				return fmt.Errorf("pattern %q (%s): %w", spec.Name, threat, err)
			}
			extra[threat] = append(extra[threat], &Pattern{
				Name:        spec.Name,
				Regex:       re,
				Threat:      threat,
				Description: spec.Description,
			})
		}
	}

	r.setExtra(extra)
	return nil
}

// Watch reloads the pattern file whenever it changes on disk. It returns a
// stop function. Editors that replace the file (rename+create) are handled
// by watching the parent directory.
func (r *Registry) Watch(path string) (stop func(), err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.LoadFile(path); err != nil {
					log.Printf("[WARN] pattern reload failed, keeping previous set: %v", err)
					continue
				}
				log.Printf("[PATTERNS] reloaded %s (%d total patterns)", path, r.TotalPatterns())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WARN] pattern watcher error: %v", err)
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}
