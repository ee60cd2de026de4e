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
	"fmt"
	"io"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianPipeline/pkg/logging"
	"github.com/AleutianAI/AleutianPipeline/pkg/ux"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/config"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/engine"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/resource"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/workflow"
)

// exitError carries a process exit code without an extra message; the
// command already reported the outcome.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// options holds the persistent flags.
type options struct {
	configPath   string
	workflowPath string
	logLevel     string
	logDir       string
	logExport    string
	output       string
	shell        string
	sets         []string
}

// app is one CLI invocation.
type app struct {
	opts    options
	out     io.Writer
	errOut  io.Writer
	logger  *logging.Logger
	printer *ux.Printer
}

func newApp(out, errOut io.Writer) *app {
	return &app{out: out, errOut: errOut}
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pipectl",
		Short: "Plan and run pipeline workflows",
		Long: `pipectl loads a YAML workflow of commands, behaviors and aggregators,
plans it into dependency-ordered stages and executes it with bounded
parallelism, skip propagation and rollback on failure.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(a.opts.logLevel)
			if err != nil {
				return err
			}
			lcfg := logging.Config{
				Level:   level,
				LogDir:  a.opts.logDir,
				Service: "pipectl",
				Output:  a.errOut,
			}
			if a.opts.logExport != "" {
				exporter, err := logging.NewFileExporter(a.opts.logExport)
				if err != nil {
					return err
				}
				lcfg.Exporter = exporter
			}
			a.logger = logging.New(lcfg)
			a.printer = ux.NewPrinter(a.out, a.errOut, ux.DetectMode(a.out, a.opts.output))
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.opts.workflowPath, "file", "f", "pipeline.workflow.yaml", "workflow definition file")
	flags.StringVarP(&a.opts.configPath, "config", "c", "", "engine configuration file")
	flags.StringVar(&a.opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flags.StringVar(&a.opts.logDir, "log-dir", "", "also write JSON logs to this directory")
	flags.StringVar(&a.opts.logExport, "log-export", "", "append every log record to this file as JSON lines")
	flags.StringVarP(&a.opts.output, "output", "o", "", "output style: full, minimal, machine (default: detect)")
	flags.StringVar(&a.opts.shell, "shell", "sh", "interpreter for shell commands")
	flags.StringArrayVar(&a.opts.sets, "set", nil, "override a setting or seed a context value (key=value, repeatable)")

	root.AddCommand(
		a.unitsCmd(),
		a.validateCmd(),
		a.planCmd(),
		a.runCmd(),
	)
	return root
}

// close flushes and closes the logger. It runs after the command whether
// or not the command failed.
func (a *app) close() error {
	if a.logger == nil {
		return nil
	}
	return a.logger.Close()
}

// loadConfig loads the configuration file and applies --set overrides.
func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(a.opts.configPath)
	if err != nil {
		return nil, err
	}
	return a.applySets(cfg)
}

func (a *app) applySets(cfg *config.Config) (*config.Config, error) {
	for _, kv := range a.opts.sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected key=value", kv)
		}
		if err := cfg.Set(key, value); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadWorkflow loads and builds the workflow file.
func (a *app) loadWorkflow() (*workflow.Set, error) {
	def, err := workflow.Load(a.opts.workflowPath)
	if err != nil {
		return nil, err
	}
	return def.Build(workflow.WithShell(a.opts.shell))
}

// newEngine builds an engine for cfg and registers set. A non-nil reg
// receives the resource manager collectors.
func (a *app) newEngine(cfg *config.Config, set *workflow.Set, reg prometheus.Registerer, extra ...engine.Option) (*engine.Engine, error) {
	opts := []engine.Option{
		engine.WithSettings(cfg),
		engine.WithLogger(a.logger.Slog()),
	}
	if cfg.EnableResourceManagement {
		var ropts []resource.Option
		if reg != nil {
			ropts = append(ropts, resource.WithMetrics(resource.NewMetrics(reg)))
		}
		opts = append(opts, engine.WithResourceManager(resource.NewLocalManager(cfg.Resources.Capacity(), ropts...)))
	}
	e := engine.New(append(opts, extra...)...)
	if err := set.Register(e); err != nil {
		return nil, err
	}
	return e, nil
}

// requested returns args, or every root of the workflow when args is empty.
func requested(args []string, set *workflow.Set) []string {
	if len(args) > 0 {
		return args
	}
	return set.Roots()
}
