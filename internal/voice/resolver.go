// Package voice resolves /voice/notify requests against a cache of
// pre-synthesized audio clips. Synthesis itself is an offline, out-of-
// scope batch script; this package only consumes its cached artifacts,
// described by a YAML manifest, the same format and loading idiom this
// lineage already uses for its profile files.
package voice

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Clip is one cached notification clip.
type Clip struct {
	AgentType string `yaml:"agent_type"`
	Phase     string `yaml:"phase"`
	File      string `yaml:"file"`
	Label     string `yaml:"label"`
	Text      string `yaml:"text"`
}

type manifest struct {
	Clips []Clip `yaml:"clips"`
}

// Resolver resolves (agentType, phase) pairs to cached clips. It is safe
// for concurrent use.
type Resolver struct {
	mu       sync.RWMutex
	cacheDir string
	byKey    map[string]Clip
	disabled bool
}

// NewResolver loads manifest.yaml from cacheDir, if present. A missing
// manifest is not an error: every lookup simply reports not_cached.
func NewResolver(cacheDir string, disabled bool) (*Resolver, error) {
	r := &Resolver{cacheDir: cacheDir, byKey: map[string]Clip{}, disabled: disabled}
	if cacheDir == "" || disabled {
		return r, nil
	}
	path := filepath.Join(cacheDir, "manifest.yaml")
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("voice: read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("voice: parse manifest: %w", err)
	}
	for _, c := range m.Clips {
		r.byKey[key(c.AgentType, c.Phase)] = c
	}
	return r, nil
}

func key(agentType, phase string) string {
	return strings.ToLower(strings.TrimSpace(agentType)) + "|" + strings.ToLower(strings.TrimSpace(phase))
}

// Reason is the notify-not-queued enum.
type Reason string

const (
	ReasonVoiceDisabled Reason = "voice_disabled"
	ReasonUnknownAgent  Reason = "unknown_agent"
	ReasonNotCached     Reason = "not_cached"
)

// Resolve looks up a clip for agentType/phase. ok is false if the
// request cannot be queued, with reason explaining why.
func (r *Resolver) Resolve(agentType, phase string) (clip Clip, ok bool, reason Reason) {
	if r.disabled {
		return Clip{}, false, ReasonVoiceDisabled
	}
	agentType = strings.TrimSpace(agentType)
	if agentType == "" {
		return Clip{}, false, ReasonUnknownAgent
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, found := r.byKey[key(agentType, phase)]
	if !found {
		return Clip{}, false, ReasonNotCached
	}
	return c, true, ""
}

// FilePath returns the absolute path to a clip's cached audio file.
func (r *Resolver) FilePath(c Clip) string {
	if filepath.IsAbs(c.File) {
		return c.File
	}
	return filepath.Join(r.cacheDir, c.File)
}
