package model

// ProbeState is the attach status of one kernel probe, surfaced in the
// Health contract (§4.7).
type ProbeState string

const (
	ProbeAttached ProbeState = "attached"
	ProbeDisabled ProbeState = "disabled"
	ProbeFailed   ProbeState = "failed"
)

// Health is the Core Facade's health contract exposed to collaborators.
type Health struct {
	OK                 bool                  `json:"ok"`
	Probes             map[string]ProbeState `json:"probes"`
	DroppedEventsTotal uint64                `json:"dropped_events_total"`
	RuleErrorsTotal    uint64                `json:"rule_errors_total"`
	UptimeSecs         float64               `json:"uptime_secs"`
}
