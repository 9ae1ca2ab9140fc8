package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/diagforge/refinery/pkg/audit"
	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/healer"
	"github.com/diagforge/refinery/pkg/metrics"
	"github.com/diagforge/refinery/pkg/monitor"
	"github.com/diagforge/refinery/pkg/orchestrator"
	"github.com/diagforge/refinery/pkg/researcher"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/verifier"
	"github.com/diagforge/refinery/pkg/worker"
)

func orchestratorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the fixed-interval observe/act control loop (spec.md §4.7)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "orchestrator"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()

			control := store.NewControl(db)
			o := orchestrator.New(control, queue, cfg.Thresholds)

			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9201"), o,
				func() { o.Start(ctx, cfg.Intervals.OrchestratorCycle) })
			return nil
		},
	}
}

// researcherRunner stops both halves of the researcher component: the
// directive queue consumer and the autonomous discovery cycle.
type researcherRunner struct {
	sk *worker.Skeleton
	rs *researcher.Researcher
}

func (r *researcherRunner) Stop() {
	r.sk.Stop()
	r.rs.StopAutonomous()
}

func researcherCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "researcher",
		Short: "Run directive-driven and autonomous URL discovery (spec.md §4.8)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "researcher"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()
			searchClient := buildSearchClient(cfg)
			llmClient := buildLLMClient(cfg)

			control := store.NewControl(db)
			auditDB := store.NewAudit(db)
			research := store.NewResearch(db)
			auditor := audit.New(control, auditDB, queue, cfg.Thresholds)
			rs := researcher.New(queue, research, auditor, searchClient, llmClient, cfg.RateLimits)

			runner := &researcherRunner{sk: rs.Skeleton(), rs: rs}
			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9202"), runner, func() {
				runner.sk.Start(ctx)
				rs.StartAutonomous(ctx, cfg.Intervals.AutonomousInterval)
			})
			return nil
		},
	}
}

// tickerLoop runs fn once immediately and then every interval until
// Stop is called, the same shape pkg/monitor.Start/run uses, inlined
// here since pkg/audit.Auditor.Run is a single cycle with no built-in
// loop of its own (unlike the timer-driven components, which own
// their own Start/Stop).
type tickerLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startTickerLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) *tickerLoop {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return &tickerLoop{cancel: cancel, done: done}
}

func (t *tickerLoop) Stop() {
	t.cancel()
	<-t.done
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Run the periodic quality/coverage/pipeline audit (spec.md §4.6)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "audit"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()

			control := store.NewControl(db)
			auditDB := store.NewAudit(db)
			auditor := audit.New(control, auditDB, queue, cfg.Thresholds)

			loop := startTickerLoop(ctx, cfg.Intervals.AuditInterval, func(cycleCtx context.Context) {
				report, err := auditor.Run(cycleCtx)
				if err != nil {
					slog.Error("audit cycle failed", "error", err)
					return
				}
				slog.Info("audit cycle completed", "summary", report.Summary)
			})

			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9203"), loop, func() {})
			return nil
		},
	}
}

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Collect pipeline health metrics and emit alerts (spec.md §4.9)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "monitor"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()

			control := store.NewControl(db)
			metricsReg := metrics.NewRegistry(prometheus.DefaultRegisterer)
			m := monitor.New(control, queue, cfg.Thresholds, cfg.Monitor, metricsReg)

			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9204"), m,
				func() { m.Start(ctx, cfg.Intervals.MonitorInterval) })
			return nil
		},
	}
}

func healerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healer",
		Short: "Consume monitor alerts and apply gated automated remediation (spec.md §4.9)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "healer"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()
			llmClient := buildLLMClient(cfg)

			control := store.NewControl(db)
			research := store.NewResearch(db)
			transitioner := document.New(db, queue)
			restarter := healer.CommandRestarter{Template: cfg.Monitor.RestartCmdTemplate}
			h := healer.New(control, research, queue, transitioner, llmClient, restarter, cfg.Safety, cfg.RateLimits)

			sk := h.Skeleton()
			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9205"), sk, func() { sk.Start(ctx) })
			return nil
		},
	}
}

func verifierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verifier",
		Short: "Fact-check unverified DTCs against an external reasoning model (spec.md §4.10)",
		RunE: func(cmd *cobra.Command, args []string) error {
			const component = "verifier"
			ctx, cancel := rootContext()
			defer cancel()

			cfg := mustLoadConfig(component)
			db := mustConnectDB(component, cfg)
			defer db.Close()
			queue := mustConnectQueue(ctx, component, cfg)
			defer func() { _ = queue.Close() }()

			knowledgeDB := store.NewKnowledge(db)
			v := verifier.New(knowledgeDB, queue, cfg.Verifier)

			runUntilShutdown(ctx, component, getEnv("HEALTH_PORT", "9206"), v,
				func() { v.Start(ctx, cfg.Intervals.VerifyInterval) })
			return nil
		},
	}
}
