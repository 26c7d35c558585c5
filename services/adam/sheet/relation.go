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
	"github.com/AleutianAI/adamsheet/services/adam/vm"
)

// Term is one alternative of a relate clause: the cells it derives and the
// expression that derives them. With more than one name the expression must
// produce an array whose elements are assigned positionally.
type Term struct {
	Names []value.Name
	Expr  vm.Program
	Pos   adamerr.Position
}

type term struct {
	names []value.Name
	cells []int
	expr  vm.Program
	pos   adamerr.Position
}

// relation is one relate clause.
type relation struct {
	guard vm.Program
	terms []term
	edges []int
	pos   adamerr.Position

	resolved bool
	live     int

	// Per-update cache of the live term's result so a multi-cell term is
	// evaluated once.
	cached             bool
	result             value.Value
	resultContributing *bitset.BitSet
}

func (r *relation) reset() {
	r.resolved = false
	r.live = noIndex
	r.cached = false
	r.result = value.Empty
	r.resultContributing = nil
}

// termAlive reports whether no cell named by t is resolved yet.
func (s *Sheet) termAlive(t *term) bool {
	for _, ci := range t.cells {
		if s.cells[ci].resolved {
			return false
		}
	}
	return true
}

func (r *relation) names() string {
	var out []byte
	seen := make(map[value.Name]bool)
	for _, t := range r.terms {
		for _, n := range t.names {
			if seen[n] {
				continue
			}
			seen[n] = true
			if len(out) > 0 {
				out = append(out, ',')
			}
			out = append(out, n...)
		}
	}
	return string(out)
}
