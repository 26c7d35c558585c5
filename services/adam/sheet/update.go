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
	"context"
	"time"

	"github.com/bits-and-blooms/bitset"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
)

// Update recomputes the sheet.
//
// Description:
//
//	Update runs these phases in order:
//	  1. Reset per-update bookkeeping.
//	  2. Evaluate relate guards; a false guard removes its clause.
//	  3. Flow: choose the live term of each remaining clause.
//	  4. Evaluate every output, interface output and invariant.
//	  5. Collect the cells read by false invariants into the poison set.
//	  6. Notify monitors.
//
//	A failed update is not rolled back: cells evaluated before the
//	failure keep their new state.
//
// Inputs:
//
//	ctx - Context used for tracing and metrics.
//
// Outputs:
//
//	error - ErrReentrant when called from inside an update, or any
//	        evaluation error. The error names the cell that failed.
func (s *Sheet) Update(ctx context.Context) (err error) {
	if s.updating {
		return adamerr.Wrap(adamerr.New(adamerr.KindReentrant, "update during update"), "update", "", adamerr.Position{})
	}

	ctx, span := startSpan(ctx, "Update", len(s.cells))
	start := time.Now()
	dirty := 0
	s.updating = true
	defer func() {
		s.updating = false
		span.SetAttributes(
			attribute.Int("sheet.dirty", dirty),
			attribute.Int("sheet.relations", len(s.relations)),
		)
		recordUpdate(ctx, time.Since(start), dirty, err)
		endSpan(span, err)
	}()

	s.reset()
	if err = s.resolveGuards(); err != nil {
		return adamerr.Wrap(err, "update", "", adamerr.Position{})
	}
	if err = s.flow(); err != nil {
		return adamerr.Wrap(err, "update", "", adamerr.Position{})
	}
	for _, idx := range s.outputCells {
		if _, err = s.calculate(idx); err != nil {
			return adamerr.Wrap(err, "update", "", adamerr.Position{})
		}
	}
	dirty = s.markDirty()
	if err = s.checkInvariants(); err != nil {
		return adamerr.Wrap(err, "update", "", adamerr.Position{})
	}
	s.computeActive()
	s.updated = true

	s.logger.Debug("sheet updated",
		"cells", len(s.cells),
		"dirty", dirty,
		"duration", time.Since(start),
	)
	s.notify()
	return nil
}

func (s *Sheet) reset() {
	s.conditionalIndirect.ClearAll()
	s.valueAccessed.ClearAll()
	s.priorityAccessed.ClearAll()
	s.accumulate = bitset.New(uint(len(s.cells)))
	s.getStack = s.getStack[:0]
	s.getCount = 0
	s.machine.Reset()

	for i := range s.cells {
		c := &s.cells[i]
		c.dirty = false
		c.resolved = false
		c.hasTerm = false
		c.relationCount = c.initialRelationCount
		if c.calc == calcExpression {
			c.evaluated = false
		}
	}
	for i := range s.relations {
		s.relations[i].reset()
	}
}

// resolveGuards evaluates every relate guard. Cells read by any guard
// contribute to every relation-derived cell this update.
func (s *Sheet) resolveGuards() error {
	s.guardPhase = true
	defer func() { s.guardPhase = false }()

	for ri := range s.relations {
		r := &s.relations[ri]
		if len(r.guard) == 0 {
			continue
		}
		saved := s.accumulate
		s.accumulate = bitset.New(uint(len(s.cells)))
		v, err := s.machine.Run(r.guard)
		acc := s.accumulate
		s.accumulate = saved
		if err != nil {
			return adamerr.Wrap(err, "", r.names(), r.pos)
		}
		ok, err := v.Bool()
		if err != nil {
			return adamerr.Wrap(err, "", r.names(), r.pos)
		}
		s.conditionalIndirect.InPlaceUnion(acc)
		if !ok {
			r.resolved = true
			for _, e := range r.edges {
				s.cells[e].relationCount--
			}
		}
	}

	// Guards ran before any term was bound, so cached values may not hold.
	for i := range s.cells {
		if s.cells[i].calc == calcExpression {
			s.cells[i].evaluated = false
		}
	}
	return nil
}

// markDirty compares every cell evaluated this update with its value at
// the end of the previous successful update.
func (s *Sheet) markDirty() int {
	n := 0
	for i := range s.cells {
		c := &s.cells[i]
		if c.calc != calcExpression || !c.evaluated {
			continue
		}
		c.dirty = !c.prior.Same(c.state)
		c.prior = c.state
		if c.dirty {
			n++
		}
	}
	return n
}

func (s *Sheet) checkInvariants() error {
	s.poison.ClearAll()
	for _, idx := range s.invariants {
		c := &s.cells[idx]
		ok, err := c.state.Bool()
		if err != nil {
			return adamerr.Wrap(err, "", string(c.name), c.pos)
		}
		if !ok {
			s.poison.InPlaceUnion(c.contributing)
		}
	}
	return nil
}

func (s *Sheet) computeActive() {
	for _, idx := range s.outputCells {
		c := &s.cells[idx]
		if c.kind == AccessInvariant {
			continue
		}
		s.valueAccessed.InPlaceUnion(c.contributing)
	}
	s.active = s.priorityAccessed.Union(s.valueAccessed)
}

// invariantSatisfied reports whether no false invariant read any cell that
// contributed to the cell at idx.
func (s *Sheet) invariantSatisfied(idx int) bool {
	return s.poison.IntersectionCardinality(s.cells[idx].contributing) == 0
}

// Reinitialize re-runs interface initializers whose inputs changed.
//
// Description:
//
//	An interface input is re-initialized when a cell its initializer read
//	was Set, or was itself re-initialized to a different value, since the
//	last Reinitialize. Interfaces are visited in declaration order so a
//	change cascades forward. Re-initialization does not raise priority.
func (s *Sheet) Reinitialize(ctx context.Context) (err error) {
	if s.updating {
		return adamerr.Wrap(adamerr.New(adamerr.KindReentrant, "reinitialize during update"), "reinitialize", "", adamerr.Position{})
	}
	_, span := startSpan(ctx, "Reinitialize", len(s.cells))
	defer func() { endSpan(span, err) }()

	// Initializers must see current inputs, not values cached by the last
	// update.
	for i := range s.cells {
		if s.cells[i].calc == calcExpression {
			s.cells[i].evaluated = false
		}
	}
	for i := range s.relations {
		s.relations[i].cached = false
	}

	changed := 0
	for _, idx := range s.interfaces {
		c := &s.cells[idx]
		if len(c.init) == 0 || c.initContributing.IntersectionCardinality(s.initDirty) == 0 {
			continue
		}
		v, acc, err := s.initialize(c.init)
		if err != nil {
			return adamerr.Wrap(err, "reinitialize", string(c.name), c.pos)
		}
		c = &s.cells[idx]
		c.initContributing = acc
		if !c.state.Same(v) {
			c.state = v
			s.initDirty.Set(uint(idx))
			changed++
		}
		s.logger.Debug("interface reinitialized",
			"cell", string(c.name),
			"value", v.String(),
		)
	}
	s.initDirty.ClearAll()
	span.SetAttributes(attribute.Int("sheet.reinitialized", changed))
	return nil
}
