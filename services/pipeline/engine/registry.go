// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/AleutianPipeline/services/pipeline/aggregator"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/behavior"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/command"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/events"
	"github.com/AleutianAI/AleutianPipeline/services/pipeline/unit"
)

// entry is one registered unit.
type entry struct {
	kind       unit.Kind
	command    command.Command
	behavior   behavior.Behavior
	aggregator aggregator.Aggregator

	// parent is the behavior or aggregator that contains this unit, or "".
	parent string
}

func (en *entry) metadata() unit.Metadata {
	switch en.kind {
	case unit.KindCommand:
		return en.command.Metadata()
	case unit.KindBehavior:
		return en.behavior.Metadata()
	default:
		return en.aggregator.Metadata()
	}
}

func (en *entry) value() any {
	switch en.kind {
	case unit.KindCommand:
		return en.command
	case unit.KindBehavior:
		return en.behavior
	default:
		return en.aggregator
	}
}

// Registration describes a registered unit.
type Registration struct {
	ID       string        `json:"id"`
	Kind     unit.Kind     `json:"kind"`
	Parent   string        `json:"parent,omitempty"`
	Metadata unit.Metadata `json:"metadata"`
}

// RegisterCommand registers c.
//
// Registering the same instance twice is a no-op. A different unit with an
// id already in use fails with unit.ErrDuplicateUnit; ids are unique across
// commands, behaviors and aggregators.
func (e *Engine) RegisterCommand(c command.Command) error {
	if c == nil {
		return fmt.Errorf("%w: nil command", unit.ErrInvalidInput)
	}
	return e.register([]*pending{{id: c.Metadata().ID, entry: &entry{kind: unit.KindCommand, command: c}}})
}

// RegisterBehavior registers b and every command it contains.
func (e *Engine) RegisterBehavior(b behavior.Behavior) error {
	if b == nil {
		return fmt.Errorf("%w: nil behavior", unit.ErrInvalidInput)
	}
	return e.register(behaviorEntries(b, ""))
}

// RegisterAggregator registers a, its behaviors and their commands.
//
// Description:
//
//	Registration is atomic: either every member is registered or none is.
//	Metadata is validated up front; dependencies are not, since they may
//	name units registered later. They are checked when a plan is built.
func (e *Engine) RegisterAggregator(a aggregator.Aggregator) error {
	if a == nil {
		return fmt.Errorf("%w: nil aggregator", unit.ErrInvalidInput)
	}
	batch := []*pending{{id: a.Metadata().ID, entry: &entry{kind: unit.KindAggregator, aggregator: a}}}
	for _, b := range a.Behaviors() {
		batch = append(batch, behaviorEntries(b, a.Metadata().ID)...)
	}
	return e.register(batch)
}

type pending struct {
	id    string
	entry *entry
}

func behaviorEntries(b behavior.Behavior, parent string) []*pending {
	id := b.Metadata().ID
	batch := []*pending{{id: id, entry: &entry{kind: unit.KindBehavior, behavior: b, parent: parent}}}
	for _, c := range b.Commands() {
		batch = append(batch, &pending{id: c.Metadata().ID, entry: &entry{kind: unit.KindCommand, command: c, parent: id}})
	}
	return batch
}

func (e *Engine) register(batch []*pending) error {
	e.mu.Lock()
	var added []*pending
	seen := make(map[string]bool, len(batch))
	for _, p := range batch {
		meta := p.entry.metadata()
		if err := meta.Validate(); err != nil {
			e.mu.Unlock()
			return err
		}
		if seen[p.id] {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s appears twice", unit.ErrDuplicateUnit, p.id)
		}
		seen[p.id] = true

		existing, ok := e.units[p.id]
		if !ok {
			added = append(added, p)
			continue
		}
		if existing.kind != p.entry.kind || !sameUnit(existing.value(), p.entry.value()) {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s is already registered as a %s", unit.ErrDuplicateUnit, p.id, existing.kind)
		}
		if existing.parent != "" && p.entry.parent != "" && existing.parent != p.entry.parent {
			e.mu.Unlock()
			return fmt.Errorf("%w: %s already belongs to %s", unit.ErrDuplicateUnit, p.id, existing.parent)
		}
	}

	for _, p := range batch {
		if existing, ok := e.units[p.id]; ok {
			if existing.parent == "" {
				existing.parent = p.entry.parent
			}
			continue
		}
		e.units[p.id] = p.entry
	}
	e.mu.Unlock()

	for _, p := range added {
		e.logger.Debug("unit registered", slog.String("unit", p.id), slog.String("kind", string(p.entry.kind)))
		e.emitter.Emit(events.TypeUnitRegistered, "", events.RegistrationData{
			UnitID: p.id,
			Kind:   p.entry.kind,
			Parent: p.entry.parent,
		})
	}
	return nil
}

// sameUnit compares two registered values by identity. Non-comparable
// dynamic types are never the same.
func sameUnit(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// Unregister removes a unit and the members registered through it.
//
// Outputs:
//
//	error - unit.ErrUnknownUnit if id is not registered, or
//	        unit.ErrInvalidInput if id is a member of a registered
//	        container; unregister the container instead.
func (e *Engine) Unregister(id string) error {
	e.mu.Lock()
	en, ok := e.units[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", unit.ErrUnknownUnit, id)
	}
	if _, ok := e.units[en.parent]; en.parent != "" && ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s belongs to %s", unit.ErrInvalidInput, id, en.parent)
	}

	var removed []events.RegistrationData
	var remove func(id string)
	remove = func(id string) {
		en := e.units[id]
		delete(e.units, id)
		removed = append(removed, events.RegistrationData{UnitID: id, Kind: en.kind, Parent: en.parent})
		for _, child := range childIDs(en) {
			if c, ok := e.units[child]; ok && c.parent == id {
				remove(child)
			}
		}
	}
	remove(id)
	e.mu.Unlock()

	for _, data := range removed {
		e.emitter.Emit(events.TypeUnitUnregistered, "", data)
	}
	return nil
}

// UnregisterCommand removes a standalone command.
func (e *Engine) UnregisterCommand(id string) error { return e.unregisterKind(id, unit.KindCommand) }

// UnregisterBehavior removes a behavior and its commands.
func (e *Engine) UnregisterBehavior(id string) error { return e.unregisterKind(id, unit.KindBehavior) }

// UnregisterAggregator removes an aggregator, its behaviors and their
// commands.
func (e *Engine) UnregisterAggregator(id string) error {
	return e.unregisterKind(id, unit.KindAggregator)
}

func (e *Engine) unregisterKind(id string, kind unit.Kind) error {
	e.mu.RLock()
	en, ok := e.units[id]
	e.mu.RUnlock()
	if ok && en.kind != kind {
		return fmt.Errorf("%w: %s is a %s, not a %s", unit.ErrInvalidInput, id, en.kind, kind)
	}
	return e.Unregister(id)
}

func childIDs(en *entry) []string {
	var ids []string
	switch en.kind {
	case unit.KindBehavior:
		for _, c := range en.behavior.Commands() {
			ids = append(ids, c.Metadata().ID)
		}
	case unit.KindAggregator:
		for _, b := range en.aggregator.Behaviors() {
			ids = append(ids, b.Metadata().ID)
		}
	}
	return ids
}

// GetAllCommandMetadata returns the metadata of every registered command,
// sorted by id.
func (e *Engine) GetAllCommandMetadata() []unit.Metadata {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []unit.Metadata
	for _, en := range e.units {
		if en.kind == unit.KindCommand {
			out = append(out, en.command.Metadata())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Registered lists every registered unit, sorted by kind then id.
func (e *Engine) Registered() []Registration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Registration, 0, len(e.units))
	for id, en := range e.units {
		out = append(out, Registration{ID: id, Kind: en.kind, Parent: en.parent, Metadata: en.metadata()})
	}
	rank := map[unit.Kind]int{unit.KindAggregator: 0, unit.KindBehavior: 1, unit.KindCommand: 2}
	sort.Slice(out, func(i, j int) bool {
		if rank[out[i].Kind] != rank[out[j].Kind] {
			return rank[out[i].Kind] < rank[out[j].Kind]
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Lookup returns the kind of a registered id.
func (e *Engine) Lookup(id string) (unit.Kind, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.units[id]
	if !ok {
		return "", false
	}
	return en.kind, true
}

// Command returns a registered command.
func (e *Engine) Command(id string) (command.Command, error) {
	en, err := e.lookupKind(id, unit.KindCommand)
	if err != nil {
		return nil, err
	}
	return en.command, nil
}

// Behavior returns a registered behavior.
func (e *Engine) Behavior(id string) (behavior.Behavior, error) {
	en, err := e.lookupKind(id, unit.KindBehavior)
	if err != nil {
		return nil, err
	}
	return en.behavior, nil
}

// Aggregator returns a registered aggregator.
func (e *Engine) Aggregator(id string) (aggregator.Aggregator, error) {
	en, err := e.lookupKind(id, unit.KindAggregator)
	if err != nil {
		return nil, err
	}
	return en.aggregator, nil
}

func (e *Engine) lookupKind(id string, kind unit.Kind) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	en, ok := e.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", unit.ErrUnknownUnit, id)
	}
	if en.kind != kind {
		return nil, fmt.Errorf("%w: %s is a %s, not a %s", unit.ErrInvalidInput, id, en.kind, kind)
	}
	return en, nil
}
