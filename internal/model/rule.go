package model

// RuleKind is the closed set of detector kinds (§3, §9 DESIGN NOTES:
// detectors are variants of a closed enum, not dynamic dispatch).
// Adding a new kind means extending this enum, the validKinds set in
// internal/rules/load.go, and the runDetector switch that pattern-matches it.
type RuleKind string

const (
	KindForksRate   RuleKind = "forks_rate"
	KindCPUSustain  RuleKind = "cpu_sustained"
	KindRSSGrowth   RuleKind = "rss_growth"
	KindPSICPU      RuleKind = "psi_cpu"
	KindPSIMem      RuleKind = "psi_mem"
	KindExecFlood   RuleKind = "exec_flood"
	KindFanout      RuleKind = "fanout"
)

// Severity is the declared urgency of a Rule (§3).
type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
	SeverityCrit Severity = "crit"
)

// Rule is a compiled detector definition, loaded from YAML (§6).
type Rule struct {
	Name        string    `yaml:"name"`
	Kind        RuleKind  `yaml:"kind"`
	Threshold   float64   `yaml:"threshold"`
	WindowSecs  float64   `yaml:"window_secs"`
	Severity    Severity  `yaml:"severity"`
	CooldownSecs float64  `yaml:"cooldown_secs"`
	MinAbsKb    int64     `yaml:"min_abs_kb,omitempty"`
	Actions     []string  `yaml:"actions,omitempty"`
}

// SubjectKind distinguishes a Violation's target.
type SubjectKind uint8

const (
	SubjectProcess SubjectKind = iota
	SubjectSystem
)

// Subject identifies what a Violation or enforcement decision concerns.
type Subject struct {
	Kind SubjectKind
	PID  uint32 // valid when Kind == SubjectProcess
	Comm string // valid when Kind == SubjectProcess
}

func (s Subject) String() string {
	if s.Kind == SubjectSystem {
		return "system"
	}
	return s.Comm
}

// Violation is a Rule Engine output (§3).
type Violation struct {
	RuleName    string
	Severity    Severity
	Reason      string
	Subject     Subject
	TimestampNS uint64
	Evidence    map[string]string
}
