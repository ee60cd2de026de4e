// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package command

import (
	"context"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/pctx"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// The Safe* helpers invoke a command callback and convert a panic into a
// *unit.PanicError so no panic crosses a component boundary.

// SafeValidate calls c.Validate. A non-validation error is wrapped into a
// *unit.ValidationError so callers can rely on the taxonomy.
func SafeValidate(ctx context.Context, c Command, pc *pctx.Context) (err error) {
	id := c.Metadata().ID
	defer recoverInto(&err, id, "validate")
	if err = c.Validate(ctx, pc); err != nil && unit.KindOf(err) != unit.ErrorKindValidation {
		err = &unit.ValidationError{UnitID: id, Err: err}
	}
	return err
}

// SafeExecute calls c.Execute.
func SafeExecute(ctx context.Context, c Command, pc *pctx.Context) (out unit.Output, err error) {
	defer recoverInto(&err, c.Metadata().ID, "execute")
	return c.Execute(ctx, pc)
}

// SafeCleanup calls c.Cleanup.
func SafeCleanup(ctx context.Context, c Command, pc *pctx.Context) (err error) {
	defer recoverInto(&err, c.Metadata().ID, "cleanup")
	return c.Cleanup(ctx, pc)
}

// SafeRollback calls Rollback when c supports it. The error, if any, is a
// *unit.RollbackError.
func SafeRollback(ctx context.Context, c Command, pc *pctx.Context) (err error) {
	if !SupportsRollback(c) {
		return nil
	}
	id := c.Metadata().ID
	defer func() {
		if err != nil {
			err = &unit.RollbackError{UnitID: id, Err: err}
		}
	}()
	defer recoverInto(&err, id, "rollback")
	return c.(Rollbacker).Rollback(ctx, pc)
}

func recoverInto(err *error, id, op string) {
	if r := recover(); r != nil {
		*err = &unit.PanicError{UnitID: id, Op: op, Value: r}
	}
}
