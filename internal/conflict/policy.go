// Package conflict implements conflict detection policy and resolution.
//
// A conflict pairs a dirty local record with an incoming remote change for
// the same record. Resolution is driven by a per-table policy, loaded from
// a TOML file and hot-reloaded on change, with manual resolution as the
// default for tables the policy does not cover.
package conflict

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// Strategies a table policy can name.
const (
	StrategyManual        = "manual"
	StrategyLocalWins     = "local_wins"
	StrategyRemoteWins    = "remote_wins"
	StrategyLastWriteWins = "last_write_wins"
	StrategyMerge         = "merge"
)

// TablePolicy is the resolution policy for one table.
type TablePolicy struct {
	// Strategy selects how conflicts on this table are handled.
	Strategy string `toml:"strategy"`
	// Prefer picks the base snapshot for merge ("local" or "remote").
	// Defaults to local.
	Prefer string `toml:"prefer"`
	// Fields overrides individual top-level payload fields during merge:
	// field name to "local" or "remote".
	Fields map[string]string `toml:"fields"`
}

// Policy maps tables to their resolution strategy.
type Policy struct {
	// Default applies to tables with no explicit entry. Defaults to manual.
	Default string                 `toml:"default"`
	Tables  map[string]TablePolicy `toml:"tables"`
}

// ForTable returns the effective policy for a table.
func (p *Policy) ForTable(table string) TablePolicy {
	if p != nil {
		if tp, ok := p.Tables[table]; ok {
			if tp.Strategy == "" {
				tp.Strategy = StrategyManual
			}
			return tp
		}
		if p.Default != "" {
			return TablePolicy{Strategy: p.Default}
		}
	}
	return TablePolicy{Strategy: StrategyManual}
}

func validStrategy(s string) bool {
	switch s {
	case StrategyManual, StrategyLocalWins, StrategyRemoteWins, StrategyLastWriteWins, StrategyMerge:
		return true
	}
	return false
}

// LoadPolicy parses a policy file and validates every strategy it names.
func LoadPolicy(path string) (*Policy, error) {
	var p Policy
	if _, err := toml.DecodeFile(path, &p); err != nil {
		return nil, fmt.Errorf("failed to load conflict policy %s: %w", path, err)
	}
	if p.Default != "" && !validStrategy(p.Default) {
		return nil, fmt.Errorf("invalid default strategy %q in %s", p.Default, path)
	}
	for table, tp := range p.Tables {
		if tp.Strategy != "" && !validStrategy(tp.Strategy) {
			return nil, fmt.Errorf("invalid strategy %q for table %s in %s", tp.Strategy, table, path)
		}
		for field, side := range tp.Fields {
			if side != "local" && side != "remote" {
				return nil, fmt.Errorf("invalid side %q for field %s.%s in %s", side, table, field, path)
			}
		}
	}
	return &p, nil
}

// PolicyStore holds the current policy and reloads it when the file
// changes on disk. Safe for concurrent use.
type PolicyStore struct {
	mu     sync.RWMutex
	policy *Policy
	path   string
	logger *log.Logger
}

// NewPolicyStore loads the initial policy. An empty path yields an
// all-manual policy with no file watching.
func NewPolicyStore(path string, logger *log.Logger) (*PolicyStore, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	s := &PolicyStore{path: path, logger: logger, policy: &Policy{}}
	if path != "" {
		p, err := LoadPolicy(path)
		if err != nil {
			return nil, err
		}
		s.policy = p
	}
	return s, nil
}

// Current returns the policy in effect.
func (s *PolicyStore) Current() *Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// Reload re-reads the policy file. A parse error keeps the previous policy.
func (s *PolicyStore) Reload() error {
	if s.path == "" {
		return nil
	}
	p, err := LoadPolicy(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.policy = p
	s.mu.Unlock()
	return nil
}

// Watch reloads the policy whenever the file changes, until ctx is
// cancelled. Editors replace files via rename, so the parent directory is
// watched rather than the file itself.
func (s *PolicyStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create policy watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Printf("Policy reload failed, keeping previous policy: %v", err)
				continue
			}
			s.logger.Printf("Reloaded conflict policy from %s", s.path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Printf("Policy watcher error: %v", err)
		}
	}
}
