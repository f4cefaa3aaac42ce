// Package config reads the YAML jail/action definition file and exposes
// the most recently loaded configuration through a package-level getter.
// It contains no decision logic of its own; setters on Filter, FailManager,
// and Action own that.
package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ActionConfig mirrors one action.* stanza: the five command templates
// plus its static cInfo tag map.
type ActionConfig struct {
	Start       string            `yaml:"start"`
	Check       string            `yaml:"check"`
	Ban         string            `yaml:"ban"`
	Unban       string            `yaml:"unban"`
	Stop        string            `yaml:"stop"`
	CInfo       map[string]string `yaml:"cinfo"`
	PassEnviron bool              `yaml:"passenviron"`
	TimeoutSec  int               `yaml:"timeout"`
}

// EscalationConfig mirrors the supplemented escalate-to-subnet policy.
type EscalationConfig struct {
	Enabled   bool `yaml:"enabled"`
	Threshold int  `yaml:"threshold"`
	WindowSec int  `yaml:"window"`
	V4Prefix  int  `yaml:"v4prefix"`
	V6Prefix  int  `yaml:"v6prefix"`
}

// JailConfig mirrors one jail stanza, binding a log path, regex sets,
// and tunables to a named action.
type JailConfig struct {
	Name          string           `yaml:"name"`
	Enabled       bool             `yaml:"enabled"`
	LogPath       string           `yaml:"logpath"`
	FailRegex     []string         `yaml:"failregex"`
	IgnoreRegex   []string         `yaml:"ignoreregex"`
	IgnoreIP      []string         `yaml:"ignoreip"`
	FindTimeSec   int              `yaml:"findtime"`
	MaxRetry      int              `yaml:"maxretry"`
	BanTimeSec    int              `yaml:"bantime"`
	UseDNS        string           `yaml:"usedns"`
	IPv6BanPrefix int              `yaml:"ipv6banprefix"`
	Action        string           `yaml:"action"`
	Escalation    EscalationConfig `yaml:"escalate"`
}

// GlobalConfig mirrors daemon-wide defaults applied where a jail is
// silent.
type GlobalConfig struct {
	FindTimeSec   int    `yaml:"findtime"`
	MaxRetry      int    `yaml:"maxretry"`
	BanTimeSec    int    `yaml:"bantime"`
	UseDNS        string `yaml:"usedns"`
	IPv6BanPrefix int    `yaml:"ipv6banprefix"`
	AuditDBPath   string `yaml:"auditdb"`
	GeoIPProvider string `yaml:"geoipprovider"` // none, maxmind, ip2location
	GeoIPDBPath   string `yaml:"geoipdbpath"`
	EventsAddr    string `yaml:"eventsaddr"`
}

// Config is the top-level jail-definition file.
type Config struct {
	Global  GlobalConfig            `yaml:"global"`
	Actions map[string]ActionConfig `yaml:"actions"`
	Jails   []JailConfig            `yaml:"jails"`
}

// ConfigError is the ConfigError kind: malformed YAML or a jail
// referencing an undefined action. Surfaced to the caller; state
// unchanged.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %v", e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

var (
	currentMu sync.RWMutex
	current   *Config
)

// Load reads and parses path, validating that every jail's Action refers
// to a defined entry in Actions.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Path: path, Err: err}
	}

	for _, j := range cfg.Jails {
		if j.Action == "" {
			continue
		}
		if _, ok := cfg.Actions[j.Action]; !ok {
			return nil, &ConfigError{Path: path, Err: fmt.Errorf("jail %q references undefined action %q", j.Name, j.Action)}
		}
	}

	currentMu.Lock()
	current = &cfg
	currentMu.Unlock()
	return &cfg, nil
}

// Get returns the most recently Loaded configuration, or nil.
func Get() *Config {
	currentMu.RLock()
	defer currentMu.RUnlock()
	return current
}
