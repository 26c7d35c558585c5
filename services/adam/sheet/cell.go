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

// AccessKind is how a cell is declared and who may write it.
type AccessKind uint8

const (
	AccessInput AccessKind = iota
	AccessInterfaceInput
	AccessInterfaceOutput
	AccessOutput
	AccessLogic
	AccessConstant
	AccessInvariant
)

var accessNames = [...]string{
	AccessInput:           "input",
	AccessInterfaceInput:  "interface_input",
	AccessInterfaceOutput: "interface_output",
	AccessOutput:          "output",
	AccessLogic:           "logic",
	AccessConstant:        "constant",
	AccessInvariant:       "invariant",
}

func (k AccessKind) String() string {
	if int(k) < len(accessNames) {
		return accessNames[k]
	}
	return "access(?)"
}

// settable reports whether Set and Touch may address the kind.
func (k AccessKind) settable() bool {
	return k == AccessInput || k == AccessInterfaceInput
}

// outputLike reports whether the kind is evaluated in the output phase.
func (k AccessKind) outputLike() bool {
	return k == AccessOutput || k == AccessInterfaceOutput || k == AccessInvariant
}

// calcKind is the cell's calculator variant.
type calcKind uint8

const (
	// calcStored cells (inputs, constants) hold authoritative state.
	calcStored calcKind = iota
	// calcExpression cells evaluate expr on demand, once per update.
	calcExpression
)

// termRef binds an interface-output cell to a live relation term for the
// current update. element is -1 when the term names a single cell and its
// whole result is the cell's value.
type termRef struct {
	relation int
	term     int
	element  int
}

// noIndex marks an absent cell reference.
const noIndex = -1

// cell is one storage slot. Cells live in Sheet.cells and refer to each
// other by index only; the slice is append-only during declaration and is
// never appended to while an update runs.
type cell struct {
	name value.Name
	kind AccessKind
	pos  adamerr.Position
	calc calcKind

	init vm.Program
	expr vm.Program

	linked   bool
	priority int64

	state value.Value
	prior value.Value

	dirty     bool
	evaluated bool
	resolved  bool

	relationCount        int
	initialRelationCount int
	relationIndex        []int

	hasTerm bool
	term    termRef

	contributing     *bitset.BitSet
	initContributing *bitset.BitSet

	// interfaceInput is set on both halves of an interface pair. On the
	// input half it points at itself.
	interfaceInput int
}

func newCell(name value.Name, kind AccessKind, pos adamerr.Position) cell {
	return cell{
		name:             name,
		kind:             kind,
		pos:              pos,
		contributing:     bitset.New(0),
		initContributing: bitset.New(0),
		interfaceInput:   noIndex,
	}
}

// CellInfo is a read-only view of a cell for introspection.
type CellInfo struct {
	Name     value.Name
	Kind     AccessKind
	Priority int64
	Linked   bool
	Derived  bool
	State    value.Value
}
