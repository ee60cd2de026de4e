// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/engine"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/events"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/telemetry"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// =============================================================================
// units
// =============================================================================

func (a *app) unitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List the units of a workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			set, err := a.loadWorkflow()
			if err != nil {
				return err
			}
			e, err := a.newEngine(cfg, set, nil)
			if err != nil {
				return err
			}
			renderUnits(a.printer, e.Registered())
			return nil
		},
	}
}

// =============================================================================
// validate
// =============================================================================

func (a *app) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [unit...]",
		Short: "Check that a request can be planned without running it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			set, err := a.loadWorkflow()
			if err != nil {
				return err
			}
			e, err := a.newEngine(cfg, set, nil)
			if err != nil {
				return err
			}
			plan, warnings, err := e.Validate(cmd.Context(), requested(args, set))
			if err != nil {
				a.printer.Error(err.Error())
				return &exitError{code: 1}
			}
			for _, w := range warnings {
				a.printer.Warning(w)
			}
			a.printer.Success(fmt.Sprintf("%d units in %d stages", plan.UnitCount(), plan.Len()))
			return nil
		},
	}
}

// =============================================================================
// plan
// =============================================================================

func (a *app) planCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "plan [unit...]",
		Short: "Print the staged execution plan",
		Long: `Print the staged execution plan. With --watch the plan is recomputed
whenever the configuration file changes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if err := a.printPlan(cmd.Context(), cfg, args); err != nil {
				return err
			}
			if !watch {
				return nil
			}
			if a.opts.configPath == "" {
				return errors.New("--watch requires --config")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return config.Watch(ctx, a.opts.configPath, func(next *config.Config, err error) {
				if err == nil {
					next, err = a.applySets(next)
				}
				if err != nil {
					a.printer.Error(fmt.Sprintf("reload %s: %v", a.opts.configPath, err))
					return
				}
				a.logger.Info("configuration changed, re-planning", "path", a.opts.configPath)
				if err := a.printPlan(ctx, next, args); err != nil {
					a.printer.Error(err.Error())
				}
			}, config.WatchOptions{Logger: a.logger.Slog()})
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-plan when the configuration file changes")
	return cmd
}

func (a *app) printPlan(ctx context.Context, cfg *config.Config, args []string) error {
	set, err := a.loadWorkflow()
	if err != nil {
		return err
	}
	e, err := a.newEngine(cfg, set, nil)
	if err != nil {
		return err
	}
	plan, warnings, err := e.Validate(ctx, requested(args, set))
	if err != nil {
		return err
	}
	renderPlan(a.printer, plan)
	for _, w := range warnings {
		a.printer.Warning(w)
	}
	return nil
}

// =============================================================================
// run
// =============================================================================

type runFlags struct {
	metricsAddr string
	jsonOut     bool
	timeout     time.Duration
	linger      time.Duration
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [unit...]",
		Short: "Execute units and print the result tree",
		Long: `Execute the requested units (default: every top-level unit of the
workflow). Interrupting the process cancels the execution: in-flight units
get the configured grace period, the rest are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), args, f)
		},
	}
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")
	cmd.Flags().BoolVar(&f.jsonOut, "json", false, "print the report as JSON")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "cancel the execution after this long")
	cmd.Flags().DurationVar(&f.linger, "linger", 0, "keep serving metrics this long after the run")
	return cmd
}

func (a *app) run(parent context.Context, args []string, f runFlags) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	set, err := a.loadWorkflow()
	if err != nil {
		return err
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.Writer = a.errOut
	providers, err := telemetry.Init(parent, tcfg)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	var extra []engine.Option
	if providers.TracerProvider != nil {
		extra = append(extra, engine.WithTracerProvider(providers.TracerProvider))
	}
	if providers.MeterProvider != nil {
		extra = append(extra, engine.WithMeterProvider(providers.MeterProvider))
	}
	e, err := a.newEngine(cfg, set, providers.Registry, extra...)
	if err != nil {
		return err
	}

	if f.metricsAddr != "" {
		stopServer, err := a.serveMetrics(f.metricsAddr, providers)
		if err != nil {
			return err
		}
		defer func() {
			if f.linger > 0 {
				time.Sleep(f.linger)
			}
			stopServer()
		}()
	}

	if !f.jsonOut {
		id := e.Subscribe(func(ev *events.Event) {
			if data, ok := ev.Data.(events.StageData); ok {
				renderStageStarted(a.printer, data)
			}
		}, events.TypeStageStarted)
		defer e.Unsubscribe(id)
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	report := e.Execute(ctx, requested(args, set), engine.WithValues(cfg.Values))

	if f.jsonOut {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return fmt.Errorf("encode report: %w", err)
		}
	} else {
		renderReport(a.printer, report)
	}
	return exitFor(report)
}

// serveMetrics starts the /metrics endpoint and returns its stop function.
func (a *app) serveMetrics(addr string, providers *telemetry.Providers) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", providers.MetricsHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}

// exitFor maps the report status to the process exit code.
func exitFor(report *engine.Report) error {
	switch report.Status() {
	case unit.StatusSucceeded:
		return nil
	case unit.StatusCancelled:
		return &exitError{code: 130}
	default:
		return &exitError{code: 1}
	}
}
