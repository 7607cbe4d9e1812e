package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/linnix-io/linnix-core/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "linnix.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesAllSections(t *testing.T) {
	path := writeConfig(t, `
[runtime]
offline = true

[telemetry]
sample_interval_ms = 1000
retention_seconds = 300

[probes]
enable_net = true

[rules]
enabled = true
config_path = "rules.yaml"

[docker_enforcement]
enabled = true
target_container = "web"
default_action = "pause"
grace_period_secs = 10
cooldown_secs = 60
max_actions_per_hour = 4
mode = "enforce"

[docker_enforcement.rule_actions]
high_forks = "stop"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Runtime.Offline {
		t.Error("expected runtime.offline = true")
	}
	if cfg.Telemetry.SampleIntervalMS != 1000 {
		t.Errorf("sample_interval_ms = %d, want 1000", cfg.Telemetry.SampleIntervalMS)
	}
	if !cfg.Probes.EnableNet {
		t.Error("expected probes.enable_net = true")
	}
	if cfg.DockerEnforcement.RuleActions["high_forks"] != "stop" {
		t.Errorf("unexpected rule_actions: %+v", cfg.DockerEnforcement.RuleActions)
	}
}

func TestLoadRejectsMissingRulesPath(t *testing.T) {
	path := writeConfig(t, "[rules]\nenabled = true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error when rules.enabled is true with no config_path")
	}
}

func TestLoadRejectsInvalidDefaultAction(t *testing.T) {
	path := writeConfig(t, `
[docker_enforcement]
enabled = true
default_action = "reboot"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an invalid default_action")
	}
}

func TestPolicyConvertsRuleActionOverrides(t *testing.T) {
	cfg := &Config{DockerEnforcement: DockerEnforcementConfig{
		Enabled:       true,
		DefaultAction: "pause",
		Mode:          "enforce",
		RuleActions:   map[string]string{"r1": "kill"},
	}}
	policy := cfg.Policy()
	if policy.Mode != model.ModeEnforce {
		t.Errorf("Mode = %v, want enforce", policy.Mode)
	}
	if policy.RuleActionOverrides["r1"] != model.ActionKill {
		t.Errorf("RuleActionOverrides[r1] = %v, want kill", policy.RuleActionOverrides["r1"])
	}
}
