// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianPipeline/pkg/validation"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// DefaultMaxOutput caps captured shell output per stream.
const DefaultMaxOutput = 64 * 1024

// placeholder matches {{key}} in shell scripts.
var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

type setParams struct {
	Values map[string]any `yaml:"values" validate:"required,min=1"`
}

type sleepParams struct {
	Duration time.Duration `yaml:"duration" validate:"gt=0"`
}

type failParams struct {
	Message string `yaml:"message"`
	// Times fails only the first Times attempts; zero fails every attempt.
	Times int `yaml:"times" validate:"gte=0"`
}

type shellParams struct {
	Run       string            `yaml:"run" validate:"required"`
	Undo      string            `yaml:"undo"`
	Dir       string            `yaml:"dir"`
	Env       map[string]string `yaml:"env"`
	MaxOutput int               `yaml:"maxOutput" validate:"gte=0"`
}

type requireParams struct {
	Keys []string `yaml:"keys" validate:"required,min=1,dive,required"`
}

// decodeParams decodes the "with" node into out and validates it.
func decodeParams(id string, node *yaml.Node, out any) error {
	if node != nil && node.Kind != 0 {
		if err := node.Decode(out); err != nil {
			return fmt.Errorf("%w: command %s: with: %v", unit.ErrInvalidInput, id, err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("command %s: %w", id, fieldErrors(err))
	}
	return nil
}

// newKindCommand builds the command for spec.Kind.
func (b *builder) newKindCommand(spec CommandSpec, opts []command.Option) (*command.Func, error) {
	id := spec.ID
	switch spec.Kind {
	case KindSet:
		var p setParams
		if err := decodeParams(id, &spec.With, &p); err != nil {
			return nil, err
		}
		return newSet(id, p, opts...), nil

	case KindSleep:
		var p sleepParams
		if err := decodeParams(id, &spec.With, &p); err != nil {
			return nil, err
		}
		return newSleep(id, p, opts...), nil

	case KindFail:
		var p failParams
		if err := decodeParams(id, &spec.With, &p); err != nil {
			return nil, err
		}
		return newFail(id, p, opts...), nil

	case KindShell:
		var p shellParams
		if err := decodeParams(id, &spec.With, &p); err != nil {
			return nil, err
		}
		return b.newShell(id, p, opts...), nil

	case KindRequire:
		var p requireParams
		if err := decodeParams(id, &spec.With, &p); err != nil {
			return nil, err
		}
		if err := validation.ValidateIdentifiers(p.Keys); err != nil {
			return nil, fmt.Errorf("%w: command %s: %v", unit.ErrInvalidInput, id, err)
		}
		return command.NewFunc(id, func(context.Context, *pctx.Context) (unit.Output, error) {
			return nil, nil
		}, append(opts, command.Requires(p.Keys...))...), nil
	}
	return nil, fmt.Errorf("%w: command %s: unknown kind %q", unit.ErrInvalidInput, id, spec.Kind)
}

// newSet outputs fixed values. Rollback removes them from the context.
func newSet(id string, p setParams, opts ...command.Option) *command.Func {
	keys := make([]string, 0, len(p.Values))
	for k := range p.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	emit := func(context.Context, *pctx.Context) (unit.Output, error) {
		out := make(unit.Output, len(p.Values))
		for k, v := range p.Values {
			out[k] = v
		}
		return out, nil
	}
	undo := command.OnRollback(func(_ context.Context, pc *pctx.Context) error {
		for _, k := range keys {
			pc.Remove(k)
		}
		return nil
	})
	return command.NewFunc(id, emit, append(opts, undo)...)
}

func newSleep(id string, p sleepParams, opts ...command.Option) *command.Func {
	return command.NewFunc(id, func(ctx context.Context, _ *pctx.Context) (unit.Output, error) {
		timer := time.NewTimer(p.Duration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}, opts...)
}

// newFail fails its first p.Times attempts, counted across executions of
// the built command, or every attempt when p.Times is zero.
func newFail(id string, p failParams, opts ...command.Option) *command.Func {
	msg := p.Message
	if msg == "" {
		msg = id + " failed"
	}
	var attempts atomic.Int64
	return command.NewFunc(id, func(context.Context, *pctx.Context) (unit.Output, error) {
		n := attempts.Add(1)
		if p.Times == 0 || n <= int64(p.Times) {
			return nil, errors.New(msg)
		}
		return unit.Output{id + ".attempts": int(n)}, nil
	}, opts...)
}

// newShell runs p.Run through the configured shell. {{key}} placeholders are
// replaced by context values and become required keys.
func (b *builder) newShell(id string, p shellParams, opts ...command.Option) *command.Func {
	maxOutput := p.MaxOutput
	if maxOutput == 0 {
		maxOutput = DefaultMaxOutput
	}
	run := func(ctx context.Context, pc *pctx.Context, script string) (string, error) {
		return b.runShell(ctx, pc, id, expand(script, pc), p, maxOutput)
	}

	opts = append(opts, command.Requires(placeholderKeys(p.Run)...))
	if p.Undo != "" {
		opts = append(opts, command.OnRollback(func(ctx context.Context, pc *pctx.Context) error {
			_, err := run(ctx, pc, p.Undo)
			return err
		}))
	}
	return command.NewFunc(id, func(ctx context.Context, pc *pctx.Context) (unit.Output, error) {
		stdout, err := run(ctx, pc, p.Run)
		if err != nil {
			return nil, err
		}
		return unit.Output{id + ".stdout": stdout}, nil
	}, opts...)
}

func (b *builder) runShell(ctx context.Context, pc *pctx.Context, id, script string, p shellParams, maxOutput int) (string, error) {
	cmd := exec.CommandContext(ctx, b.shell, "-c", script)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), "PIPELINE_EXECUTION_ID="+pc.ID(), "PIPELINE_UNIT_ID="+id)
	for k, v := range p.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, limit: maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderr, limit: maxOutput}

	pc.Logger().Debug("running shell command",
		slog.String("unit", id),
		slog.String("shell", b.shell),
	)
	start := time.Now()
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("run shell: %w", err)
	}
	pc.Logger().Debug("shell command finished",
		slog.String("unit", id),
		slog.Duration("duration", time.Since(start)),
	)
	return strings.TrimSpace(stdout.String()), nil
}

// expand replaces {{key}} with the context value of key. Unknown keys are
// left as written.
func expand(script string, pc *pctx.Context) string {
	return placeholder.ReplaceAllStringFunc(script, func(m string) string {
		key := placeholder.FindStringSubmatch(m)[1]
		if v, ok := pc.Value(key); ok {
			return fmt.Sprint(v)
		}
		return m
	})
}

func placeholderKeys(script string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(script, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			keys = append(keys, m[1])
		}
	}
	return keys
}

// limitedWriter drops writes beyond limit bytes.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return n, nil
	}
	if len(p) > remaining {
		p = p[:remaining]
	}
	written, err := lw.w.Write(p)
	lw.written += written
	return n, err
}
