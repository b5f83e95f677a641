// Package rules loads and validates the per-session cue.yaml rule file and
// watches it for changes.
package rules

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/cuedev/cued/internal/schema"
)

// FileName is the rule file looked up at a session root.
const FileName = "cue.yaml"

const (
	DefaultTimeoutMinutes = 30
	DefaultMaxConcurrent  = 1
	DefaultQueueCapacity  = 10
)

type TimeoutPolicy string

const (
	PolicyBreak    TimeoutPolicy = "break"
	PolicyContinue TimeoutPolicy = "continue"
)

// StringList accepts either a single scalar or a sequence in YAML.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var single string
		if err := node.Decode(&single); err != nil {
			return err
		}
		*l = StringList{single}
		return nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}
	*l = list
	return nil
}

// Subscription is one trigger→prompt binding. Immutable once loaded; the
// whole config is replaced on reload.
type Subscription struct {
	Name            string           `yaml:"name" json:"name"`
	Kind            schema.EventKind `yaml:"kind" json:"kind"`
	Enabled         *bool            `yaml:"enabled" json:"enabled,omitempty"`
	Prompt          string           `yaml:"prompt" json:"prompt"`
	IntervalMinutes float64          `yaml:"interval_minutes" json:"interval_minutes,omitempty"`
	WatchGlob       string           `yaml:"watch" json:"watch,omitempty"`
	Sources         StringList       `yaml:"sources" json:"sources,omitempty"`
	FanOutTargets   []string         `yaml:"fan_out" json:"fan_out,omitempty"`
	Filter          map[string]any   `yaml:"filter" json:"filter,omitempty"`
}

// Active reports whether the subscription is enabled. Absent means enabled.
func (s Subscription) Active() bool {
	return s.Enabled == nil || *s.Enabled
}

// Settings govern concurrency, queueing, and fan-in timeouts for one
// session's subscriptions.
type Settings struct {
	TimeoutMinutes float64       `yaml:"timeout_minutes" json:"timeout_minutes"`
	TimeoutPolicy  TimeoutPolicy `yaml:"timeout_policy" json:"timeout_policy"`
	MaxConcurrent  int           `yaml:"max_concurrent" json:"max_concurrent"`
	QueueCapacity  *int          `yaml:"queue_capacity" json:"queue_capacity"`
}

func (s Settings) Queue() int {
	if s.QueueCapacity == nil {
		return DefaultQueueCapacity
	}
	if *s.QueueCapacity < 0 {
		return 0
	}
	return *s.QueueCapacity
}

type Config struct {
	Settings      Settings       `yaml:"settings" json:"settings"`
	Subscriptions []Subscription `yaml:"subscriptions" json:"subscriptions"`
}

// EnabledSubscriptions returns the active subscriptions only.
func (c Config) EnabledSubscriptions() []Subscription {
	out := make([]Subscription, 0, len(c.Subscriptions))
	for _, sub := range c.Subscriptions {
		if sub.Active() {
			out = append(out, sub)
		}
	}
	return out
}

// Load reads and validates the rule file at root. An absent file is not an
// error: the second return value reports presence.
func Load(root string) (Config, bool, error) {
	path := filepath.Join(root, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, false, nil
		}
		return Config{}, false, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, true, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return Config{}, true, fmt.Errorf("validate %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, true, nil
}

func validate(cfg *Config) error {
	seen := map[string]struct{}{}
	for i, sub := range cfg.Subscriptions {
		if sub.Name == "" {
			return fmt.Errorf("subscription %d: name is required", i)
		}
		if _, dup := seen[sub.Name]; dup {
			return fmt.Errorf("subscription %q: duplicate name", sub.Name)
		}
		seen[sub.Name] = struct{}{}
		if sub.Prompt == "" {
			return fmt.Errorf("subscription %q: prompt is required", sub.Name)
		}
		switch sub.Kind {
		case schema.KindInterval:
			if sub.IntervalMinutes <= 0 {
				return fmt.Errorf("subscription %q: interval_minutes must be > 0", sub.Name)
			}
		case schema.KindFileChange:
			if sub.WatchGlob == "" {
				return fmt.Errorf("subscription %q: watch glob is required", sub.Name)
			}
		case schema.KindAgentCompleted:
			if len(sub.Sources) == 0 {
				return fmt.Errorf("subscription %q: at least one source is required", sub.Name)
			}
		default:
			return fmt.Errorf("subscription %q: unknown kind", sub.Name)
		}
	}
	switch cfg.Settings.TimeoutPolicy {
	case "", PolicyBreak, PolicyContinue:
	default:
		return fmt.Errorf("settings: timeout_policy must be %q or %q", PolicyBreak, PolicyContinue)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Settings.TimeoutMinutes <= 0 {
		cfg.Settings.TimeoutMinutes = DefaultTimeoutMinutes
	}
	if cfg.Settings.TimeoutPolicy == "" {
		cfg.Settings.TimeoutPolicy = PolicyBreak
	}
	if cfg.Settings.MaxConcurrent < 1 {
		cfg.Settings.MaxConcurrent = DefaultMaxConcurrent
	}
}
