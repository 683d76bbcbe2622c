// Package config reads devbus's process configuration from environment
// variables, modeled on this lineage's env-override convention
// (PREFIX_PATH__SEGMENTS) but scaled down to a flat option set — devbus
// is a single local process with no per-tenant/per-env deployment story.
package config

import (
	"os"
	"strconv"
	"strings"
)

const (
	defaultCapacity  = 1000
	defaultHost      = "127.0.0.1"
	defaultPort      = 0 // 0 means "let the OS choose"
	defaultQueueDep  = 10
	defaultQueueAge  = 30000
	defaultQueuePlay = 15000
	envPrefix        = "DEVBUS_"
)

// Config is devbus's full process configuration.
type Config struct {
	Host         string
	Port         int
	Capacity     int
	PersistPath  string
	StateDir     string
	App          string
	AppRoot      string
	VoiceDisable bool
	VoiceCache   string

	QueueMaxDepth  int
	QueueMaxAgeMs  int64
	QueueMaxPlayMs int64
}

// Load reads configuration from the process environment, applying
// spec-documented defaults for anything unset.
func Load() Config {
	return loadFrom(os.LookupEnv)
}

// loadFrom is the testable core: it takes a lookup function instead of
// reading os.Environ directly.
func loadFrom(lookup func(string) (string, bool)) Config {
	cwd, _ := os.Getwd()
	cfg := Config{
		Host:           stringVar(lookup, "HOST", defaultHost),
		Port:           intVar(lookup, "PORT", defaultPort),
		Capacity:       intVar(lookup, "CAPACITY", defaultCapacity),
		PersistPath:    stringVar(lookup, "PERSIST_PATH", ""),
		StateDir:       stringVar(lookup, "STATE_DIR", ""),
		App:            stringVar(lookup, "APP", "devbus"),
		AppRoot:        stringVar(lookup, "APP_ROOT", cwd),
		VoiceDisable:   boolVar(lookup, "VOICE_DISABLED", false),
		VoiceCache:     stringVar(lookup, "VOICE_CACHE_DIR", ""),
		QueueMaxDepth:  defaultQueueDep,
		QueueMaxAgeMs:  defaultQueueAge,
		QueueMaxPlayMs: defaultQueuePlay,
	}
	return cfg
}

func stringVar(lookup func(string) (string, bool), name, def string) string {
	if v, ok := lookup(envPrefix + name); ok {
		v = strings.TrimSpace(v)
		if v != "" {
			return v
		}
	}
	return def
}

func intVar(lookup func(string) (string, bool), name string, def int) int {
	if v, ok := lookup(envPrefix + name); ok {
		v = strings.TrimSpace(v)
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func boolVar(lookup func(string) (string, bool), name string, def bool) bool {
	if v, ok := lookup(envPrefix + name); ok {
		v = strings.TrimSpace(strings.ToLower(v))
		switch v {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}
