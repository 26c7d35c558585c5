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
	"sort"

	"github.com/bits-and-blooms/bitset"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
)

// inputPriority is the priority of the input half paired with the
// interface output at idx.
func (s *Sheet) inputPriority(idx int) int64 {
	return s.cells[s.cells[idx].interfaceInput].priority
}

// flow picks the live term of every relate clause still unresolved after
// guard pruning.
//
// Description:
//
//	Edge cells are processed highest input priority first; ties go to the
//	cell declared later. A processed cell becomes a driver. Any term
//	naming a driver is dead, and once a clause has exactly one term left
//	that term is live: its cells are derived from it and, if they still
//	sit in other unresolved clauses, are processed in turn. A clause whose
//	terms all die is over-constrained. Every edge of an unresolved clause
//	is eventually processed, so flow ends with each clause either resolved
//	or reported.
//
// Outputs:
//
//	error - ErrOverConstrained.
func (s *Sheet) flow() error {
	var work []int
	seen := bitset.New(uint(len(s.cells)))
	for ri := range s.relations {
		r := &s.relations[ri]
		if r.resolved {
			continue
		}
		for _, e := range r.edges {
			if !seen.Test(uint(e)) {
				seen.Set(uint(e))
				work = append(work, e)
			}
		}
	}
	sort.Ints(work)
	sort.SliceStable(work, func(i, j int) bool {
		return s.inputPriority(work[i]) < s.inputPriority(work[j])
	})

	for len(work) > 0 {
		idx := work[len(work)-1]
		work = work[:len(work)-1]

		c := &s.cells[idx]
		if c.relationCount == 0 {
			continue
		}
		s.priorityAccessed.Set(uint(c.interfaceInput))
		c.resolved = true

		for _, ri := range c.relationIndex {
			r := &s.relations[ri]
			if r.resolved {
				continue
			}
			alive, count := noIndex, 0
			for ti := range r.terms {
				if s.termAlive(&r.terms[ti]) {
					alive = ti
					count++
				}
			}
			switch {
			case count == 0:
				e := adamerr.New(adamerr.KindOverConstrained, "no term of relate { %s } can be applied", r.names())
				return adamerr.Wrap(e, "", "", r.pos)
			case count > 1:
				continue
			}

			r.resolved = true
			r.live = alive
			for _, e := range r.edges {
				s.cells[e].relationCount--
			}
			t := &r.terms[alive]
			for el, di := range t.cells {
				d := &s.cells[di]
				element := el
				if len(t.cells) == 1 {
					element = noIndex
				}
				d.hasTerm = true
				d.term = termRef{relation: ri, term: alive, element: element}
				d.resolved = true
				if in := &s.cells[d.interfaceInput]; in.linked {
					s.priorityLow--
					in.priority = s.priorityLow
				}
				if d.relationCount > 0 {
					work = append(work, di)
				}
			}
		}
	}
	return nil
}
