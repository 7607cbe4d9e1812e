// Package reasoner defines the LLM reasoner contract: the core sends a
// numeric snapshot bundle and receives an opaque explanation string.
// By construction, nothing in this package's types can express an
// enforcement decision — the reasoner's output type is string, and no
// component outside here ever reads one (§9 Open Question 4, decided).
package reasoner

import (
	"context"
	"time"

	"github.com/linnix-io/linnix-core/internal/model"
)

// TopEntry is one row of a top_cpu/top_rss ranking in a SnapshotBundle.
type TopEntry struct {
	PID   uint32  `json:"pid"`
	Comm  string  `json:"comm"`
	Value float64 `json:"value"`
}

// SnapshotBundle is the contract struct the core hands to a reasoner
// (§6): numeric values only, never a control-flow type.
type SnapshotBundle struct {
	SystemSnapshot   model.SystemSnapshot `json:"system_snapshot"`
	TopCPU           []TopEntry           `json:"top_cpu"`
	TopRSS           []TopEntry           `json:"top_rss"`
	RecentViolations []model.Violation    `json:"recent_violations"`
}

// Client talks to an external reasoner endpoint. Explain returns an
// opaque human-readable string; callers must never branch on its
// content to drive enforcement.
type Client interface {
	Explain(ctx context.Context, bundle SnapshotBundle) (string, error)
}

// HTTPClient is a Client that hands each bundle, with its Endpoint and
// Model (the common `LLM_ENDPOINT`/`LLM_MODEL` convention named in §6's
// environment variables), to an injected transport function and bounds
// the call by Timeout.
type HTTPClient struct {
	Endpoint string
	Model    string
	Timeout  time.Duration
	do       func(ctx context.Context, endpoint, model string, bundle SnapshotBundle) (string, error)
}

// NewHTTPClient creates an HTTPClient. The transport function is
// injectable so tests never make a real network call.
func NewHTTPClient(endpoint, model string, timeout time.Duration, do func(ctx context.Context, endpoint, model string, bundle SnapshotBundle) (string, error)) *HTTPClient {
	return &HTTPClient{Endpoint: endpoint, Model: model, Timeout: timeout, do: do}
}

func (c *HTTPClient) Explain(ctx context.Context, bundle SnapshotBundle) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	return c.do(ctx, c.Endpoint, c.Model, bundle)
}

// BuildBundle assembles a SnapshotBundle from live Process Context and
// Rule Engine state. topN bounds how many entries go into each ranking
// (the reasoner's context window is finite; an unbounded top-N would
// make every call grow with the host's process count).
func BuildBundle(sys model.SystemSnapshot, procs []*model.Process, violations []model.Violation, topN int) SnapshotBundle {
	cpuRanked := append([]*model.Process(nil), procs...)
	sortByDesc(cpuRanked, func(p *model.Process) float64 { return p.CPUMilliPctEWMA })
	rssRanked := append([]*model.Process(nil), procs...)
	sortByDesc(rssRanked, func(p *model.Process) float64 { return latestRSS(p) })

	return SnapshotBundle{
		SystemSnapshot:   sys,
		TopCPU:           toTopEntries(cpuRanked, topN, func(p *model.Process) float64 { return p.CPUMilliPctEWMA }),
		TopRSS:           toTopEntries(rssRanked, topN, latestRSS),
		RecentViolations: violations,
	}
}

func latestRSS(p *model.Process) float64 {
	if len(p.RSSKbSeries) == 0 {
		return 0
	}
	return float64(p.RSSKbSeries[len(p.RSSKbSeries)-1])
}

func sortByDesc(procs []*model.Process, key func(*model.Process) float64) {
	for i := 1; i < len(procs); i++ {
		for j := i; j > 0 && key(procs[j]) > key(procs[j-1]); j-- {
			procs[j], procs[j-1] = procs[j-1], procs[j]
		}
	}
}

func toTopEntries(procs []*model.Process, topN int, key func(*model.Process) float64) []TopEntry {
	if topN > len(procs) {
		topN = len(procs)
	}
	out := make([]TopEntry, 0, topN)
	for _, p := range procs[:topN] {
		out = append(out, TopEntry{PID: p.Key.PID, Comm: p.Comm, Value: key(p)})
	}
	return out
}
