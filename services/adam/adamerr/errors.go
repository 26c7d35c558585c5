// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adamerr defines the error taxonomy shared by the value, vm and
// sheet packages.
//
// Every engine failure is an *Error carrying a Kind. Callers match on the
// sentinel errors with errors.Is, or switch on KindOf(err).
package adamerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an engine error.
type Kind int

const (
	KindUnknown Kind = iota

	// Declaration-time.
	KindDuplicateCell
	KindNonInterfaceRelation
	KindInvalidDeclaration

	// Evaluation-time.
	KindVariableNotFound
	KindUndefinedFunction
	KindBadCast
	KindIndexOutOfRange
	KindKeyNotFound
	KindOverConstrained
	KindCycle
	KindStackUnderflow
	KindNoLookup
	KindInvalidProgram

	// API misuse.
	KindReentrant
	KindNotUpdated
	KindNotSettable
)

var kindNames = map[Kind]string{
	KindUnknown:              "unknown",
	KindDuplicateCell:        "duplicate_cell",
	KindNonInterfaceRelation: "non_interface_relation",
	KindInvalidDeclaration:   "invalid_declaration",
	KindVariableNotFound:     "variable_not_found",
	KindUndefinedFunction:    "undefined_function",
	KindBadCast:              "bad_cast",
	KindIndexOutOfRange:      "index_out_of_range",
	KindKeyNotFound:          "key_not_found",
	KindOverConstrained:      "over_constrained",
	KindCycle:                "cycle",
	KindStackUnderflow:       "stack_underflow",
	KindNoLookup:             "no_lookup",
	KindInvalidProgram:       "invalid_program",
	KindReentrant:            "reentrant",
	KindNotUpdated:           "not_updated",
	KindNotSettable:          "not_settable",
}

// String returns the snake_case name of the kind.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Sentinel errors, one per Kind.
var (
	ErrDuplicateCell        = errors.New("duplicate cell name")
	ErrNonInterfaceRelation = errors.New("relation references a non-interface cell")
	ErrInvalidDeclaration   = errors.New("invalid declaration")
	ErrVariableNotFound     = errors.New("variable not found")
	ErrUndefinedFunction    = errors.New("undefined function")
	ErrBadCast              = errors.New("bad cast")
	ErrIndexOutOfRange      = errors.New("index out of range")
	ErrKeyNotFound          = errors.New("key not found")
	ErrOverConstrained      = errors.New("relation is over-constrained")
	ErrCycle                = errors.New("cycle detected, consider using a relate { } clause")
	ErrStackUnderflow       = errors.New("stack underflow")
	ErrNoLookup             = errors.New("no lookup installed")
	ErrInvalidProgram       = errors.New("invalid program")
	ErrReentrant            = errors.New("reentrant call during update")
	ErrNotUpdated           = errors.New("sheet has not been updated")
	ErrNotSettable          = errors.New("cell is not settable")
)

var sentinels = map[Kind]error{
	KindDuplicateCell:        ErrDuplicateCell,
	KindNonInterfaceRelation: ErrNonInterfaceRelation,
	KindInvalidDeclaration:   ErrInvalidDeclaration,
	KindVariableNotFound:     ErrVariableNotFound,
	KindUndefinedFunction:    ErrUndefinedFunction,
	KindBadCast:              ErrBadCast,
	KindIndexOutOfRange:      ErrIndexOutOfRange,
	KindKeyNotFound:          ErrKeyNotFound,
	KindOverConstrained:      ErrOverConstrained,
	KindCycle:                ErrCycle,
	KindStackUnderflow:       ErrStackUnderflow,
	KindNoLookup:             ErrNoLookup,
	KindInvalidProgram:       ErrInvalidProgram,
	KindReentrant:            ErrReentrant,
	KindNotUpdated:           ErrNotUpdated,
	KindNotSettable:          ErrNotSettable,
}

// Sentinel returns the sentinel error for a kind, or nil for KindUnknown.
func (k Kind) Sentinel() error {
	return sentinels[k]
}

// Position locates a declaration in its source.
type Position struct {
	File string
	Line int
}

// IsZero reports whether the position is unset.
func (p Position) IsZero() bool {
	return p.File == "" && p.Line == 0
}

func (p Position) String() string {
	switch {
	case p.IsZero():
		return ""
	case p.File == "":
		return fmt.Sprintf("line %d", p.Line)
	default:
		return fmt.Sprintf("%s:%d", p.File, p.Line)
	}
}

// Error is the concrete error type returned by the engine.
//
// Description:
//
//	Error preserves which operation failed, which cell (if any) triggered
//	it, where that cell was declared, and a human-readable message. The
//	sentinel for Kind is always reachable through errors.Is, and Err (when
//	set) through errors.Unwrap chains.
type Error struct {
	Kind Kind
	Op   string
	Cell string
	Pos  Position
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Pos.String() != "" {
		b.WriteString(e.Pos.String())
		b.WriteString(": ")
	}
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Cell != "" {
		b.WriteString("cell ")
		b.WriteString(e.Cell)
		b.WriteString(": ")
	}
	if s := e.Kind.Sentinel(); s != nil {
		b.WriteString(s.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && target == s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with an operation, cell and position.
//
// Description:
//
//	If err is already an *Error its kind is kept and only empty context
//	fields are filled in, so the innermost cell that failed stays on the
//	error as it propagates out through nested evaluations. Any other error
//	becomes the cause of a new KindUnknown error.
func Wrap(err error, op, cell string, pos Position) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		if ae.Op == "" {
			ae.Op = op
		}
		if ae.Cell == "" {
			ae.Cell = cell
			if ae.Pos.IsZero() {
				ae.Pos = pos
			}
		}
		return ae
	}
	return &Error{Kind: KindUnknown, Op: op, Cell: cell, Pos: pos, Err: err}
}

// KindOf returns the kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}
