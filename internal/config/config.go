// Package config loads and validates Linnix's TOML configuration (§6).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/linnix-io/linnix-core/internal/errs"
	"github.com/linnix-io/linnix-core/internal/model"
)

// Config is the parsed TOML struct handed to internal/core.Facade.
type Config struct {
	Runtime           RuntimeConfig           `toml:"runtime"`
	Telemetry         TelemetryConfig         `toml:"telemetry"`
	Probes            ProbesConfig            `toml:"probes"`
	API               APIConfig               `toml:"api"`
	Rules             RulesConfig             `toml:"rules"`
	Reasoner          ReasonerConfig          `toml:"reasoner"`
	Prometheus        PrometheusConfig        `toml:"prometheus"`
	DockerEnforcement DockerEnforcementConfig `toml:"docker_enforcement"`
}

type RuntimeConfig struct {
	Offline bool `toml:"offline"`
}

type TelemetryConfig struct {
	SampleIntervalMS uint64 `toml:"sample_interval_ms"`
	RetentionSeconds uint64 `toml:"retention_seconds"`
}

type ProbesConfig struct {
	EnablePageFaults bool `toml:"enable_page_faults"`
	EnableNet        bool `toml:"enable_net"`
	EnableVFS        bool `toml:"enable_vfs"`
	EnableBlock      bool `toml:"enable_block"`
}

type APIConfig struct {
	ListenAddr string `toml:"listen_addr"`
	AuthToken  string `toml:"auth_token"`
}

type RulesConfig struct {
	Enabled    bool   `toml:"enabled"`
	ConfigPath string `toml:"config_path"`
}

type ReasonerConfig struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Model          string `toml:"model"`
	WindowSeconds  uint64 `toml:"window_seconds"`
	TimeoutMS      uint64 `toml:"timeout_ms"`
	MinEPSToEnable uint64 `toml:"min_eps_to_enable"`
}

type PrometheusConfig struct {
	Enabled bool `toml:"enabled"`
}

// DockerEnforcementConfig is the TOML shape of model.EnforcementPolicy
// (§6); Policy() converts it into the type internal/enforcement uses.
type DockerEnforcementConfig struct {
	Enabled           bool              `toml:"enabled"`
	TargetContainer   string            `toml:"target_container"`
	DefaultAction     string            `toml:"default_action"`
	TriggerPatterns   []string          `toml:"trigger_patterns"`
	GracePeriodSecs   float64           `toml:"grace_period_secs"`
	CooldownSecs      float64           `toml:"cooldown_secs"`
	MaxActionsPerHour int               `toml:"max_actions_per_hour"`
	Mode              string            `toml:"mode"`
	RuleActions       map[string]string `toml:"rule_actions"`
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errs.New(errs.KindConfig, "config.Load", fmt.Errorf("decode %s: %w", path, err))
	}
	if err := cfg.Validate(); err != nil {
		return nil, errs.New(errs.KindConfig, "config.Load", err)
	}
	return &cfg, nil
}

// Validate rejects configurations that would leave the daemon unable
// to start (§7 ConfigError, fatal at startup).
func (c *Config) Validate() error {
	if c.Rules.Enabled && c.Rules.ConfigPath == "" {
		return fmt.Errorf("rules.enabled is true but rules.config_path is empty")
	}
	if c.DockerEnforcement.Enabled {
		switch c.DockerEnforcement.Mode {
		case "monitor", "enforce", "":
		default:
			return fmt.Errorf("docker_enforcement.mode %q is not monitor|enforce", c.DockerEnforcement.Mode)
		}
		if !validAction(c.DockerEnforcement.DefaultAction) {
			return fmt.Errorf("docker_enforcement.default_action %q is not pause|stop|kill|restart", c.DockerEnforcement.DefaultAction)
		}
		for rule, action := range c.DockerEnforcement.RuleActions {
			if !validAction(action) {
				return fmt.Errorf("docker_enforcement.rule_actions[%q] = %q is not pause|stop|kill|restart", rule, action)
			}
		}
	}
	return nil
}

func validAction(a string) bool {
	switch model.Action(a) {
	case model.ActionPause, model.ActionStop, model.ActionKill, model.ActionRestart:
		return true
	}
	return false
}

// Policy converts the TOML docker_enforcement section into the
// enforcement package's runtime policy type.
func (c *Config) Policy() model.EnforcementPolicy {
	d := c.DockerEnforcement
	mode := model.ModeMonitor
	if d.Mode == string(model.ModeEnforce) {
		mode = model.ModeEnforce
	}
	overrides := make(map[string]model.Action, len(d.RuleActions))
	for rule, action := range d.RuleActions {
		overrides[rule] = model.Action(action)
	}
	return model.EnforcementPolicy{
		Enabled:             d.Enabled,
		TargetSelector:      d.TargetContainer,
		DefaultAction:       model.Action(d.DefaultAction),
		RuleActionOverrides: overrides,
		GracePeriodSecs:     d.GracePeriodSecs,
		CooldownSecs:        d.CooldownSecs,
		MaxActionsPerHour:   d.MaxActionsPerHour,
		Mode:                mode,
	}
}
