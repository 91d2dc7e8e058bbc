package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/tenantguard/pkg/observability"
)

// OrgPolicy is the operator's policy for one organization
type OrgPolicy struct {
	// AutoContain locks principals out on a critical anomaly
	AutoContain bool `yaml:"auto_contain"`
}

// Policy is the operator policy file:
//
//	default:
//	  auto_contain: false
//	organizations:
//	  42:
//	    auto_contain: true
type Policy struct {
	Default       OrgPolicy           `yaml:"default"`
	Organizations map[int64]OrgPolicy `yaml:"organizations"`
}

// For returns the policy of orgID, falling back to the default
func (p *Policy) For(orgID int64) OrgPolicy {
	if p == nil {
		return OrgPolicy{}
	}
	if op, ok := p.Organizations[orgID]; ok {
		return op
	}
	return p.Default
}

// ParsePolicy decodes a policy document. Unknown fields are rejected.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &p, nil
}

// LoadPolicy reads and parses the policy file at path
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	// an empty file is usually a write in progress
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("policy file %s is empty", path)
	}
	return ParsePolicy(data)
}

// PolicyWatcher serves the current policy and reloads it when the file
// changes. A file that fails to parse leaves the previous policy in place.
type PolicyWatcher struct {
	path   string
	logger *observability.Logger

	mu     sync.RWMutex
	policy *Policy

	watcher *fsnotify.Watcher
}

// NewPolicyWatcher loads path and starts watching it. The file's directory
// is watched so editors and config maps that replace the file are seen.
func NewPolicyWatcher(path string, logger *observability.Logger) (*PolicyWatcher, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	policy, err := LoadPolicy(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch policy directory: %w", err)
	}

	return &PolicyWatcher{
		path:    filepath.Clean(path),
		logger:  logger.WithField("policy_file", path),
		policy:  policy,
		watcher: watcher,
	}, nil
}

// Current returns the policy in effect
func (w *PolicyWatcher) Current() *Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.policy
}

// AutoContain reports whether critical anomalies in orgID lock the principal
func (w *PolicyWatcher) AutoContain(orgID int64) bool {
	return w.Current().For(orgID).AutoContain
}

// Run processes file events until ctx is done or Close is called
func (w *PolicyWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.reload()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.WithError(err).Warn("policy watcher error")
		}
	}
}

func (w *PolicyWatcher) reload() {
	policy, err := LoadPolicy(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("keeping previous policy")
		return
	}
	w.mu.Lock()
	w.policy = policy
	w.mu.Unlock()
	w.logger.WithField("organizations", len(policy.Organizations)).Info("policy reloaded")
}

// Close stops watching
func (w *PolicyWatcher) Close() error {
	return w.watcher.Close()
}
