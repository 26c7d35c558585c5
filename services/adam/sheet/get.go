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
	"github.com/bits-and-blooms/bitset"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

// get is the evaluator's variable lookup.
//
// Description:
//
//	Stored cells return their state. Expression cells are evaluated at
//	most once per update. An interface output that reads its own name
//	while being evaluated gets the live relation term, if one is bound,
//	and the input half's state otherwise. The term is evaluated on the
//	first self-read and later self-reads in the same evaluation see the
//	same value. Every lookup
//	merges the read cell's contributing bits into the current
//	accumulation.
//
//	Nesting deeper than the number of cells can only come from a cycle.
func (s *Sheet) get(name value.Name) (value.Value, error) {
	if s.getCount > len(s.cells) {
		return value.Empty, adamerr.New(adamerr.KindCycle, "while reading %s", name)
	}
	s.getCount++
	defer func() { s.getCount-- }()

	idx, ok := s.byName[name]
	if !ok {
		return value.Empty, adamerr.New(adamerr.KindVariableNotFound, "%s", name)
	}
	c := &s.cells[idx]

	switch c.kind {
	case AccessInput, AccessInterfaceInput, AccessConstant:
		s.accumulate.InPlaceUnion(c.contributing)
		return c.state, nil
	case AccessInterfaceOutput:
		if n := len(s.getStack); n > 0 && s.getStack[n-1].name == name {
			top := &s.getStack[n-1]
			switch {
			case c.hasTerm && top.termSet:
				s.accumulate.InPlaceUnion(s.relations[c.term.relation].resultContributing)
				return top.term, nil
			case c.hasTerm && !top.applied:
				top.applied = true
				v, err := s.applyTerm(idx)
				if err != nil {
					return value.Empty, err
				}
				// applyTerm may grow getStack.
				top = &s.getStack[n-1]
				top.term = v
				top.termSet = true
				return v, nil
			}
			in := &s.cells[c.interfaceInput]
			s.accumulate.InPlaceUnion(in.contributing)
			return in.state, nil
		}
	}
	return s.calculate(idx)
}

// calculate evaluates an expression cell once per update.
func (s *Sheet) calculate(idx int) (value.Value, error) {
	c := &s.cells[idx]
	if c.evaluated {
		s.accumulate.InPlaceUnion(c.contributing)
		return c.state, nil
	}

	saved := s.accumulate
	s.accumulate = bitset.New(uint(len(s.cells)))
	s.getStack = append(s.getStack, getFrame{name: c.name})
	v, err := s.machine.Run(c.expr)
	s.getStack = s.getStack[:len(s.getStack)-1]
	acc := s.accumulate
	s.accumulate = saved
	if err != nil {
		return value.Empty, adamerr.Wrap(err, "", string(c.name), c.pos)
	}

	if c.hasTerm {
		acc.InPlaceUnion(s.conditionalIndirect)
	}
	c.contributing = acc
	c.state = v
	c.evaluated = true
	if c.kind == AccessInterfaceOutput && c.linked && s.updating && !s.guardPhase {
		s.cells[c.interfaceInput].state = v
	}
	s.accumulate.InPlaceUnion(acc)
	return v, nil
}

// applyTerm returns the value a live relation term assigns to the cell at
// idx. A term naming several cells is evaluated once per update and each
// cell takes its element of the resulting array.
func (s *Sheet) applyTerm(idx int) (value.Value, error) {
	c := &s.cells[idx]
	ref := c.term
	r := &s.relations[ref.relation]
	t := &r.terms[ref.term]

	if !r.cached {
		saved := s.accumulate
		s.accumulate = bitset.New(uint(len(s.cells)))
		v, err := s.machine.Run(t.expr)
		acc := s.accumulate
		s.accumulate = saved
		if err != nil {
			return value.Empty, adamerr.Wrap(err, "", r.names(), t.pos)
		}
		r.cached = true
		r.result = v
		r.resultContributing = acc
	}
	s.accumulate.InPlaceUnion(r.resultContributing)

	if ref.element < 0 {
		return r.result, nil
	}
	arr, err := r.result.Array()
	if err != nil {
		return value.Empty, adamerr.Wrap(err, "", string(c.name), t.pos)
	}
	if ref.element >= len(arr) {
		e := adamerr.New(adamerr.KindIndexOutOfRange, "term for %s yields %d value(s)", r.names(), len(arr))
		return value.Empty, adamerr.Wrap(e, "", string(c.name), t.pos)
	}
	return arr[ref.element], nil
}
