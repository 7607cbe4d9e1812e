// Package core implements the Core Facade (C7): the single constructed
// value that wires the Kernel Collector, Event Channel, Process
// Context, Metrics & PSI Sampler, Rule Engine, and Enforcement Handler
// into one long-running pipeline, generalizing the teacher's
// Orchestrator (parallel collector fan-out, signal handling, bounded
// drain) from one-shot to continuous (§4.7).
package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"sync"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/google/uuid"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/linnix-io/linnix-core/internal/config"
	"github.com/linnix-io/linnix-core/internal/corelog"
	"github.com/linnix-io/linnix-core/internal/enforcement"
	"github.com/linnix-io/linnix-core/internal/errs"
	"github.com/linnix-io/linnix-core/internal/eventchan"
	"github.com/linnix-io/linnix-core/internal/eventexport"
	"github.com/linnix-io/linnix-core/internal/kernel"
	daemonmcp "github.com/linnix-io/linnix-core/internal/mcp"
	"github.com/linnix-io/linnix-core/internal/model"
	procctx "github.com/linnix-io/linnix-core/internal/context"
	"github.com/linnix-io/linnix-core/internal/reasoner"
	"github.com/linnix-io/linnix-core/internal/rules"
	"github.com/linnix-io/linnix-core/internal/sampler"
)

// shutdownDrainSecs is how long Shutdown waits for the Event Channel to
// drain before it detaches probes (§5 "shutdown_drain_secs (default 5)").
const shutdownDrainSecs = 5 * time.Second

// maxSnapshotObservers bounds concurrent read-only status/snapshot
// callers (MCP tool calls), the same "cap unbounded fan-out" posture as
// the teacher's MaxEventsPerCollector (§5).
const maxSnapshotObservers = 8

// violationHistoryCap bounds the in-memory recent-violations buffer
// (lastViolations) the rule evaluator appends to (§3 ring default).
// Neither the status surface nor any reasoner bundle reads it.
const violationHistoryCap = 256

// Facade is the always-on daemon: Startup attaches probes and launches
// the five dedicated tasks, Shutdown drains and detaches, and the
// Health/Snapshot/RecentActions methods implement mcp.StatusProvider
// for the internal status surface.
type Facade struct {
	cfg *config.Config
	log *corelog.Logger

	bootID string

	loader    *kernel.Loader
	programs  []*kernel.LoadedProgram
	collectors []*kernel.Collector
	fallback  *kernel.FallbackSampler

	channel *eventchan.Channel
	tracker *procctx.Tracker
	metrics *sampler.Sampler
	engine  *rules.Engine
	handler *enforcement.Handler

	reasonerClient reasoner.Client
	exporter       *eventexport.Writer

	policy          model.EnforcementPolicy
	targetContainer string
	triggerPatterns []string

	snapshotSem   *semaphore.Weighted
	violations    chan model.Violation
	shutdownDrain time.Duration

	mu             sync.RWMutex
	probeStates    map[string]model.ProbeState
	lastViolations []model.Violation

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// NewFacade constructs the Facade's components from cfg without
// touching the kernel or filesystem beyond what Process Context and
// the Rule Engine need (rule file load, boot id read). Startup does
// everything that can fail at runtime.
func NewFacade(cfg *config.Config) (*Facade, error) {
	bootID := readBootID()

	procRoot := "/proc"
	f := &Facade{
		cfg:         cfg,
		log:         corelog.New("core"),
		bootID:      bootID,
		loader:      kernel.NewLoader(),
		fallback:    kernel.NewFallbackSampler(procRoot, sampleInterval(cfg)),
		channel:     eventchan.New(4096, 256),
		tracker:     procctx.NewTracker(procctx.DefaultConfig(bootID)),
		metrics:     sampler.New(sampler.Config{ProcRoot: procRoot, SampleInterval: sampleInterval(cfg), WindowSecs: 60, MinEPSToEnable: float64(cfg.Reasoner.MinEPSToEnable)}),
		snapshotSem:   semaphore.NewWeighted(maxSnapshotObservers),
		violations:    make(chan model.Violation, 256),
		probeStates:   make(map[string]model.ProbeState),
		shutdownDrain: shutdownDrainSecs,
	}

	if cfg.Rules.Enabled {
		rs, err := rules.LoadFile(cfg.Rules.ConfigPath)
		if err != nil {
			return nil, err
		}
		f.engine = rules.NewEngine(rs)
	} else {
		f.engine = rules.NewEngine(nil)
	}

	f.policy = cfg.Policy()
	f.targetContainer = cfg.DockerEnforcement.TargetContainer
	f.triggerPatterns = cfg.DockerEnforcement.TriggerPatterns
	f.handler = enforcement.NewHandler(f.policy, enforcement.NewRuntimeInvoker("docker"), f.resolveTarget)

	if cfg.Reasoner.Enabled {
		f.reasonerClient = reasoner.NewHTTPClient(cfg.Reasoner.Endpoint, cfg.Reasoner.Model,
			time.Duration(cfg.Reasoner.TimeoutMS)*time.Millisecond, httpExplain)
	}

	return f, nil
}

func sampleInterval(cfg *config.Config) time.Duration {
	if cfg.Telemetry.SampleIntervalMS == 0 {
		return time.Second
	}
	return time.Duration(cfg.Telemetry.SampleIntervalMS) * time.Millisecond
}

// readBootID reads the kernel's boot fingerprint, falling back to a
// fresh UUID when /proc is unavailable (sandboxed test environments) —
// either way every process entry in a single daemon run shares the same
// BootID, which is all pid-reuse disambiguation (B1) requires.
func readBootID() string {
	data, err := os.ReadFile("/proc/sys/kernel/random/boot_id")
	if err != nil {
		return uuid.NewString()
	}
	id := string(data)
	for len(id) > 0 && (id[len(id)-1] == '\n' || id[len(id)-1] == '\r') {
		id = id[:len(id)-1]
	}
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// resolveTarget implements target_selector (§4.6 step 2): the subject
// must match one of the configured trigger_patterns (or, if none are
// configured, any subject qualifies) before it maps onto the single
// configured target_container.
func (f *Facade) resolveTarget(subject model.Subject) (string, bool) {
	if f.targetContainer == "" {
		return "", false
	}
	if len(f.triggerPatterns) == 0 {
		return f.targetContainer, true
	}
	for _, pat := range f.triggerPatterns {
		if globMatch(pat, subject.Comm) {
			return f.targetContainer, true
		}
	}
	return "", false
}

// Startup tunes the runtime, attaches kernel probes (required probes
// are fatal on failure, optional probes degrade to disabled), and
// launches the five dedicated tasks under an errgroup.Group, returning
// once the pipeline is live. Mirrors the teacher's Orchestrator.Run
// signal-handling setup, but returns instead of waiting for collectors
// to finish — the daemon keeps running until ctx (or Shutdown) cancels.
func (f *Facade) Startup(ctx context.Context) error {
	if procs, err := maxprocs.Set(maxprocs.Logger(f.log.Printf)); err != nil {
		f.log.Printf("automaxprocs: %v", err)
	} else {
		f.log.Printf("GOMAXPROCS set to %d", procs)
	}
	if limit, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(0.9)); err != nil {
		f.log.Printf("automemlimit: %v", err)
	} else {
		f.log.Printf("GOMEMLIMIT set to %d bytes", limit)
	}

	if f.policy.Enabled && f.policy.Mode == model.ModeEnforce && !f.handler.RuntimeAvailable() {
		return errs.New(errs.KindRuntimeUnavailable, "core.Startup", fmt.Errorf("docker_enforcement.mode is enforce but no container runtime binary is available"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			f.log.Printf("received %v, shutting down", sig)
			cancel()
		case <-runCtx.Done():
		}
	}()

	if err := f.attachProbes(); err != nil {
		signal.Stop(sigCh)
		cancel()
		return err
	}

	eg, egCtx := errgroup.WithContext(runCtx)
	f.eg = eg

	raw := make(chan model.Event, 4096)

	for _, c := range f.collectors {
		coll := c
		eg.Go(func() error { return coll.Run(egCtx, raw) })
	}
	eg.Go(func() error { return f.fallback.Run(egCtx, raw) })
	eg.Go(func() error { return f.runBridge(egCtx, raw) })
	eg.Go(func() error { return f.runDrain(egCtx) })
	eg.Go(func() error { return f.runSampler(egCtx) })
	eg.Go(func() error { return f.runRuleEvaluator(egCtx) })
	eg.Go(func() error { return f.runEnforcement(egCtx) })
	eg.Go(func() error { f.channel.RunReaper(egCtx, 10*time.Millisecond); return nil })
	eg.Go(func() error {
		srv := daemonmcp.NewDaemonServer("linnixd", "0.1.0", f)
		if err := srv.Start(egCtx); err != nil && egCtx.Err() == nil {
			return err
		}
		return nil
	})

	f.log.Printf("startup complete: boot_id=%s probes=%d offline=%v", f.bootID, len(f.probeStates), f.cfg.Runtime.Offline)
	return nil
}

// Shutdown flushes the Event Channel's reorder merger, gives the drain
// task shutdownDrainSecs to consume what producers already committed,
// then cancels the pipeline's context, waits for the dedicated tasks to
// return, and detaches every loaded probe.
func (f *Facade) Shutdown(ctx context.Context) error {
	if f.cancel == nil {
		return nil
	}

	drainCtx, drainCancel := context.WithTimeout(ctx, f.shutdownDrain)
	defer drainCancel()
	f.channel.Flush()
	<-drainCtx.Done()

	f.cancel()

	var waitErr error
	if f.eg != nil {
		waitErr = f.eg.Wait()
	}

	for _, p := range f.programs {
		if err := p.Close(); err != nil {
			f.log.Printf("detach %s: %v", p.Spec.Name, err)
		}
	}
	for _, c := range f.collectors {
		_ = c.Close()
	}

	if waitErr != nil && waitErr != context.Canceled {
		return fmt.Errorf("shutdown: %w", waitErr)
	}
	return nil
}

// httpExplain is the reasoner transport NewFacade installs. It makes no
// network call: it returns a KindReasoner error naming the endpoint.
// Kept as a plain function (rather than a method) so HTTPClient stays
// test-injectable without it.
func httpExplain(ctx context.Context, endpoint, model string, bundle reasoner.SnapshotBundle) (string, error) {
	return "", errs.New(errs.KindReasoner, "core.httpExplain", fmt.Errorf("reasoner endpoint %q not configured for live calls in this build", endpoint))
}

// globMatch is a small shell-style matcher (*, ?) for trigger_patterns,
// avoiding a regexp dependency no pack example pulls in for this kind
// of short config-driven pattern.
func globMatch(pattern, s string) bool {
	ok, err := path.Match(pattern, s)
	return err == nil && ok
}
