package rules

import (
	"fmt"
	"os"

	"github.com/linnix-io/linnix-core/internal/errs"
	"github.com/linnix-io/linnix-core/internal/model"
	"gopkg.in/yaml.v3"
)

var validKinds = map[model.RuleKind]bool{
	model.KindForksRate:  true,
	model.KindCPUSustain: true,
	model.KindRSSGrowth:  true,
	model.KindPSICPU:     true,
	model.KindPSIMem:     true,
	model.KindExecFlood:  true,
	model.KindFanout:     true,
}

var validSeverities = map[model.Severity]bool{
	model.SeverityInfo: true,
	model.SeverityWarn: true,
	model.SeverityCrit: true,
}

// LoadFile reads and validates a rules YAML file (§6): an array of
// objects with name/kind/threshold/window_secs/severity/cooldown_secs
// and an optional min_abs_kb. A malformed file is rejected wholesale
// with a human-readable error (§4.5, ConfigError, fatal at startup).
func LoadFile(path string) ([]model.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.KindConfig, "rules.LoadFile", err)
	}
	return Parse(data)
}

// Parse validates raw YAML bytes into a rule set.
func Parse(data []byte) ([]model.Rule, error) {
	var rs []model.Rule
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, errs.New(errs.KindConfig, "rules.Parse", fmt.Errorf("invalid rules YAML: %w", err))
	}
	for i, r := range rs {
		if r.Name == "" {
			return nil, errs.New(errs.KindConfig, "rules.Parse", fmt.Errorf("rule %d: missing name", i))
		}
		if !validKinds[r.Kind] {
			return nil, errs.New(errs.KindConfig, "rules.Parse", fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind))
		}
		if !validSeverities[r.Severity] {
			return nil, errs.New(errs.KindConfig, "rules.Parse", fmt.Errorf("rule %q: invalid severity %q", r.Name, r.Severity))
		}
		if r.CooldownSecs < 0 {
			return nil, errs.New(errs.KindConfig, "rules.Parse", fmt.Errorf("rule %q: negative cooldown_secs", r.Name))
		}
	}
	return rs, nil
}
