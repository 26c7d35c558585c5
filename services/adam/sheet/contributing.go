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

// contributingSet reports the cells in bits that a client holding mark has
// not seen yet.
//
// Description:
//
//	A cell is included when its name is missing from mark or its value
//	differs from the one in mark. If anything was included, cells whose
//	priority was consulted by the last flow are added as well, even when
//	unchanged, so a client tracking diffs learns that their ordering
//	moved.
func (s *Sheet) contributingSet(mark value.Dictionary, bits *bitset.BitSet) value.Dictionary {
	out := make(value.Dictionary)
	includeTouched := false
	var touched []int

	for i, ok := bits.NextSet(0); ok; i, ok = bits.NextSet(i + 1) {
		if int(i) >= len(s.cells) {
			break
		}
		c := &s.cells[i]
		prev, present := mark[c.name]
		switch {
		case !present || !prev.Same(c.state):
			out[c.name] = c.state
			includeTouched = true
		case s.priorityAccessed.Test(i):
			touched = append(touched, int(i))
		}
	}
	if includeTouched {
		for _, i := range touched {
			out[s.cells[i].name] = s.cells[i].state
		}
	}
	return out
}

// Contributing returns the cells that contributed to any output during the
// last update, filtered against mark.
func (s *Sheet) Contributing(mark value.Dictionary) (value.Dictionary, error) {
	if !s.updated {
		return nil, adamerr.Wrap(adamerr.New(adamerr.KindNotUpdated, "contributing"), "contributing", "", adamerr.Position{})
	}
	return s.contributingSet(mark, s.valueAccessed), nil
}

// ContributingToCell returns every cell that contributed to the named
// output during the last update.
func (s *Sheet) ContributingToCell(name value.Name) (value.Dictionary, error) {
	const op = "contributing_to_cell"
	if !s.updated {
		return nil, adamerr.Wrap(adamerr.New(adamerr.KindNotUpdated, "%s", name), op, string(name), adamerr.Position{})
	}
	idx, ok := s.outputs[name]
	if !ok {
		return nil, adamerr.Wrap(adamerr.New(adamerr.KindVariableNotFound, "%s", name), op, string(name), adamerr.Position{})
	}
	return s.contributingSet(nil, s.cells[idx].contributing), nil
}
