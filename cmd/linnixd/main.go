// linnixd — host-level Linux observability and protection daemon.
//
// Continuously observes process lifecycle events and CPU/RSS samples
// through in-kernel instrumentation, evaluates rule-based detectors
// against the resulting timeline and kernel PSI, and optionally
// executes a guarded circuit-breaker action against an offending
// container.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/linnix-io/linnix-core/internal/config"
	"github.com/linnix-io/linnix-core/internal/core"
	"github.com/linnix-io/linnix-core/internal/errs"
	"github.com/linnix-io/linnix-core/internal/kernel"
)

var version = "0.1.0"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "linnixd",
		Short:   "Host-level Linux observability and protection daemon",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/linnix/linnix.toml", "path to the TOML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start the daemon: attach probes, evaluate rules, enforce policy until signalled",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(configPath)
		},
	}

	capabilitiesCmd := &cobra.Command{
		Use:   "capabilities",
		Short: "Show BTF/CO-RE availability and native eBPF loading support on this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapabilities()
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate a config file without starting the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidateConfig(configPath)
		},
	}

	rootCmd.AddCommand(runCmd, capabilitiesCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// runDaemon wires config -> Facade -> Startup, blocks until SIGINT or
// SIGTERM, then runs Shutdown — the same load-construct-run shape as
// the teacher's single cobra RunE closures, just with Startup
// returning once the pipeline is live instead of blocking until every
// collector finishes.
func runDaemon(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	f, err := core.NewFacade(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := f.Startup(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return f.Shutdown(shutdownCtx)
}

// shutdownTimeout bounds Shutdown's own shutdown_drain_secs wait (§3
// default 5) plus probe detach, leaving ample margin.
const shutdownTimeout = 30 * time.Second

func runCapabilities() error {
	info := kernel.DetectBTF()
	fmt.Printf("Kernel: %s\n", info.KernelVersion)
	fmt.Printf("BTF: %v\n", info.Available)
	fmt.Printf("CO-RE (kernel >= 5.8): %v\n", info.CORESupport)
	fmt.Printf("Native eBPF loading: %v\n", kernel.NewLoader().CanLoad())
	return nil
}

func runValidateConfig(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	fmt.Printf("config %s is valid\n", configPath)
	fmt.Printf("  docker_enforcement.enabled=%v mode=%s\n", cfg.DockerEnforcement.Enabled, cfg.DockerEnforcement.Mode)
	fmt.Printf("  rules.enabled=%v config_path=%s\n", cfg.Rules.Enabled, cfg.Rules.ConfigPath)
	fmt.Printf("  runtime.offline=%v\n", cfg.Runtime.Offline)
	return nil
}

// exitCodeFor maps a startup error to §6's documented exit status: 0
// normal, 64 config error, 65 required probe attach failure, 66
// runtime unavailable at enforce-mode startup. Any other error (a
// cobra usage error, an unrecognized failure) falls back to 1, the
// teacher's own single-code choke point.
func exitCodeFor(err error) int {
	var e *errs.Error
	if errors.As(err, &e) {
		if code := e.Kind.ExitCode(); code != 0 {
			return code
		}
	}
	return 1
}
