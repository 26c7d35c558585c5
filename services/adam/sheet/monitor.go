// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sheet

import (
	"slices"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

type monitorKind uint8

const (
	monitorValue monitorKind = iota
	monitorContributing
	monitorEnabled
	monitorInvariant
)

var monitorNames = [...]string{
	monitorValue:        "value",
	monitorContributing: "contributing",
	monitorEnabled:      "enabled",
	monitorInvariant:    "invariant_dependent",
}

func (k monitorKind) String() string { return monitorNames[k] }

// Connection is the handle returned by monitor registration.
type Connection struct {
	ID uuid.UUID

	once       sync.Once
	disconnect func()
}

// Disconnect stops further callbacks. Safe to call more than once, and
// from inside the callback itself.
func (c *Connection) Disconnect() {
	if c == nil {
		return
	}
	c.once.Do(c.disconnect)
}

type subscription struct {
	id   uuid.UUID
	kind monitorKind
	cell int
	name value.Name

	mark  value.Dictionary
	touch *bitset.BitSet
	last  bool

	onValue        func(value.Value)
	onContributing func(value.Dictionary)
	onBool         func(bool)
}

type monitors struct {
	// byCell holds value, contributing and invariant subscriptions keyed
	// by output cell index, in registration order.
	byCell  map[int][]*subscription
	enabled []*subscription
}

func (m *monitors) add(sub *subscription) {
	if sub.kind == monitorEnabled {
		m.enabled = append(m.enabled, sub)
		return
	}
	if m.byCell == nil {
		m.byCell = make(map[int][]*subscription)
	}
	m.byCell[sub.cell] = append(m.byCell[sub.cell], sub)
}

func (m *monitors) remove(sub *subscription) {
	match := func(o *subscription) bool { return o.id == sub.id }
	if sub.kind == monitorEnabled {
		m.enabled = slices.DeleteFunc(m.enabled, match)
		return
	}
	m.byCell[sub.cell] = slices.DeleteFunc(m.byCell[sub.cell], match)
	if len(m.byCell[sub.cell]) == 0 {
		delete(m.byCell, sub.cell)
	}
}

func (s *Sheet) connect(sub *subscription) *Connection {
	sub.id = uuid.New()
	s.monitors.add(sub)
	return &Connection{
		ID:         sub.id,
		disconnect: func() { s.monitors.remove(sub) },
	}
}

// safeCall invokes a monitor callback, recovering from panics so one
// failing observer cannot abort notification of the others.
func (s *Sheet) safeCall(sub *subscription, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("monitor callback panicked",
				"monitor", sub.kind.String(),
				"cell", string(sub.name),
				"id", sub.id.String(),
				"panic", r,
			)
		}
	}()
	fn()
}

func (s *Sheet) monitorTarget(op string, name value.Name, index map[value.Name]int) (int, error) {
	if !s.updated {
		return 0, adamerr.Wrap(adamerr.New(adamerr.KindNotUpdated, "%s", name), op, string(name), adamerr.Position{})
	}
	idx, ok := index[name]
	if !ok {
		return 0, adamerr.Wrap(adamerr.New(adamerr.KindVariableNotFound, "%s", name), op, string(name), adamerr.Position{})
	}
	return idx, nil
}

// MonitorValue calls fn with the current value of an output now, and
// after every update in which that value changed.
func (s *Sheet) MonitorValue(name value.Name, fn func(value.Value)) (*Connection, error) {
	idx, err := s.monitorTarget("monitor_value", name, s.outputs)
	if err != nil {
		return nil, err
	}
	sub := &subscription{kind: monitorValue, cell: idx, name: name, onValue: fn}
	conn := s.connect(sub)
	s.safeCall(sub, func() { fn(s.cells[idx].state) })
	return conn, nil
}

// MonitorContributing calls fn now and after every update with the cells
// that contributed to the named output and are new or changed relative to
// mark. Callers are expected to diff successive results themselves.
func (s *Sheet) MonitorContributing(name value.Name, mark value.Dictionary, fn func(value.Dictionary)) (*Connection, error) {
	idx, err := s.monitorTarget("monitor_contributing", name, s.outputs)
	if err != nil {
		return nil, err
	}
	sub := &subscription{kind: monitorContributing, cell: idx, name: name, mark: mark, onContributing: fn}
	conn := s.connect(sub)
	s.safeCall(sub, func() { fn(s.contributingSet(mark, s.cells[idx].contributing)) })
	return conn, nil
}

// MonitorEnabled reports whether an input is relevant.
//
// Description:
//
//	An input is enabled when the last update read it, or consulted its
//	priority, or consulted the priority of any input in watch. fn is
//	called now and then only when the result changes.
//
// Inputs:
//
//	name - A settable cell.
//	watch - Settable cells whose priority use also enables name.
//	fn - Callback.
//
// Outputs:
//
//	*Connection - Handle to stop notifications.
//	error - ErrNotUpdated, or ErrVariableNotFound for unknown names.
func (s *Sheet) MonitorEnabled(name value.Name, watch []value.Name, fn func(bool)) (*Connection, error) {
	idx, err := s.monitorTarget("monitor_enabled", name, s.inputs)
	if err != nil {
		return nil, err
	}
	touch := bitset.New(uint(len(s.cells)))
	for _, w := range watch {
		wi, err := s.monitorTarget("monitor_enabled", w, s.inputs)
		if err != nil {
			return nil, err
		}
		touch.Set(uint(wi))
	}
	sub := &subscription{kind: monitorEnabled, cell: idx, name: name, touch: touch, onBool: fn}
	sub.last = s.enabled(sub)
	conn := s.connect(sub)
	s.safeCall(sub, func() { fn(sub.last) })
	return conn, nil
}

// MonitorInvariantDependent calls fn now with whether the named output is
// free of false invariants, and again whenever that flips.
func (s *Sheet) MonitorInvariantDependent(name value.Name, fn func(bool)) (*Connection, error) {
	idx, err := s.monitorTarget("monitor_invariant_dependent", name, s.outputs)
	if err != nil {
		return nil, err
	}
	sub := &subscription{kind: monitorInvariant, cell: idx, name: name, onBool: fn}
	sub.last = s.invariantSatisfied(idx)
	conn := s.connect(sub)
	s.safeCall(sub, func() { fn(sub.last) })
	return conn, nil
}

func (s *Sheet) enabled(sub *subscription) bool {
	return s.active.Test(uint(sub.cell)) || s.priorityAccessed.IntersectionCardinality(sub.touch) > 0
}

// notify delivers callbacks for the update that just finished. For each
// output in declaration order invariant monitors fire first, then value
// monitors, then contributing monitors; enabled monitors fire last.
func (s *Sheet) notify() {
	for _, idx := range s.outputCells {
		subs := slices.Clone(s.monitors.byCell[idx])
		if len(subs) == 0 {
			continue
		}
		c := &s.cells[idx]

		satisfied := s.invariantSatisfied(idx)
		for _, sub := range subs {
			if sub.kind == monitorInvariant && sub.last != satisfied {
				sub.last = satisfied
				s.safeCall(sub, func() { sub.onBool(satisfied) })
			}
		}
		if c.dirty {
			state := c.state
			for _, sub := range subs {
				if sub.kind == monitorValue {
					s.safeCall(sub, func() { sub.onValue(state) })
				}
			}
		}
		for _, sub := range subs {
			if sub.kind == monitorContributing {
				set := s.contributingSet(sub.mark, c.contributing)
				s.safeCall(sub, func() { sub.onContributing(set) })
			}
		}
	}

	for _, sub := range slices.Clone(s.monitors.enabled) {
		if on := s.enabled(sub); on != sub.last {
			sub.last = on
			s.safeCall(sub, func() { sub.onBool(on) })
		}
	}
}
