// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vm implements the postfix expression evaluator.
//
// A Machine walks a Program left to right over a LIFO operand stack. Name
// lookups, function calls and container indexing are delegated to hooks so
// the sheet can resolve cells re-entrantly while a program is running.
//
// Thread Safety:
//
//	A Machine is NOT safe for concurrent use. Nested evaluation (a hook
//	that calls back into Run on the same Machine) is supported.
package vm

import (
	"math"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

// VariableLookup resolves a name for the .variable operator.
type VariableLookup func(name value.Name) (value.Value, error)

// ArrayFunctionLookup resolves a call with positional arguments.
type ArrayFunctionLookup func(name value.Name, args value.Array) (value.Value, error)

// DictionaryFunctionLookup resolves a call with named arguments.
type DictionaryFunctionLookup func(name value.Name, args value.Dictionary) (value.Value, error)

// NamedIndexLookup replaces dictionary-key indexing.
type NamedIndexLookup func(container value.Value, key value.Name) (value.Value, error)

// NumericIndexLookup replaces array-position indexing.
type NumericIndexLookup func(container value.Value, index int) (value.Value, error)

// BinaryFunc fully replaces the default semantics of a binary operator.
type BinaryFunc func(lhs, rhs value.Value) (value.Value, error)

// Localizer translates strings for the localize built-in.
type Localizer func(s string) (string, error)

// Option configures a Machine.
type Option func(*Machine)

// WithVariableLookup installs the .variable hook.
func WithVariableLookup(fn VariableLookup) Option {
	return func(m *Machine) { m.variable = fn }
}

// WithArrayFunctions installs the fallback for positional calls.
func WithArrayFunctions(fn ArrayFunctionLookup) Option {
	return func(m *Machine) { m.arrayFunction = fn }
}

// WithDictionaryFunctions installs the fallback for named-argument calls.
func WithDictionaryFunctions(fn DictionaryFunctionLookup) Option {
	return func(m *Machine) { m.dictionaryFunction = fn }
}

// WithIndexLookups installs index hooks. Either may be nil.
func WithIndexLookups(named NamedIndexLookup, numeric NumericIndexLookup) Option {
	return func(m *Machine) {
		m.namedIndex = named
		m.numericIndex = numeric
	}
}

// WithBinaryOverride replaces the semantics of a binary operator.
func WithBinaryOverride(op value.Name, fn BinaryFunc) Option {
	return func(m *Machine) { m.overrides[op] = fn }
}

// WithLocalizer installs the translation hook used by localize.
func WithLocalizer(fn Localizer) Option {
	return func(m *Machine) { m.localizer = fn }
}

// Machine is the stack evaluator.
type Machine struct {
	stack []value.Value

	variable           VariableLookup
	arrayFunction      ArrayFunctionLookup
	dictionaryFunction DictionaryFunctionLookup
	namedIndex         NamedIndexLookup
	numericIndex       NumericIndexLookup
	localizer          Localizer
	overrides          map[value.Name]BinaryFunc
}

// NewMachine creates a Machine with the given hooks.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		stack:     make([]value.Value, 0, 32),
		overrides: make(map[value.Name]BinaryFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply installs additional options on an existing machine.
func (m *Machine) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(m)
	}
}

// Depth returns the number of operands on the stack.
func (m *Machine) Depth() int {
	return len(m.stack)
}

// Push places v on the stack.
func (m *Machine) Push(v value.Value) {
	m.stack = append(m.stack, v)
}

// Pop removes and returns the top of the stack.
func (m *Machine) Pop() (value.Value, error) {
	n := len(m.stack)
	if n == 0 {
		return value.Empty, adamerr.New(adamerr.KindStackUnderflow, "pop from empty stack")
	}
	v := m.stack[n-1]
	m.stack[n-1] = value.Empty
	m.stack = m.stack[:n-1]
	return v, nil
}

// Evaluate executes p against the current stack.
//
// Description:
//
//	Each element that decodes as an operator tag is dispatched to its
//	handler; everything else is pushed as-is. On error the stack may hold
//	partial results; use Run when the caller needs the stack restored.
func (m *Machine) Evaluate(p Program) error {
	for _, e := range p {
		if e.Kind() == value.KindName {
			n, _ := e.Name()
			if IsOperator(n) {
				if err := m.dispatch(n); err != nil {
					return err
				}
				continue
			}
		}
		m.Push(e)
	}
	return nil
}

// Run evaluates p and pops its result.
//
// Description:
//
//	Run records the stack depth, evaluates p, and returns the single value
//	p left on top. On failure, or when p leaves nothing behind, the stack
//	is truncated back to its original depth so a failed nested evaluation
//	cannot leak operands into the caller's frame.
//
// Inputs:
//
//	p - The program. Must leave at least one value on the stack.
//
// Outputs:
//
//	value.Value - The result.
//	error - Non-nil on any evaluation failure, or ErrStackUnderflow when p
//	        produced no result.
func (m *Machine) Run(p Program) (value.Value, error) {
	depth := len(m.stack)
	if err := m.Evaluate(p); err != nil {
		m.truncate(depth)
		return value.Empty, err
	}
	if len(m.stack) <= depth {
		m.truncate(depth)
		return value.Empty, adamerr.New(adamerr.KindStackUnderflow, "program produced no result")
	}
	v := m.stack[len(m.stack)-1]
	m.truncate(depth)
	return v, nil
}

func (m *Machine) truncate(depth int) {
	if depth > len(m.stack) {
		return
	}
	for i := depth; i < len(m.stack); i++ {
		m.stack[i] = value.Empty
	}
	m.stack = m.stack[:depth]
}

// Reset clears the operand stack.
func (m *Machine) Reset() {
	m.truncate(0)
}

func (m *Machine) popN(n int) (value.Array, error) {
	if n < 0 || n > len(m.stack) {
		return nil, adamerr.New(adamerr.KindStackUnderflow, "need %d operands, have %d", n, len(m.stack))
	}
	out := make(value.Array, n)
	copy(out, m.stack[len(m.stack)-n:])
	m.truncate(len(m.stack) - n)
	return out, nil
}

func (m *Machine) popProgram() (Program, error) {
	v, err := m.Pop()
	if err != nil {
		return nil, err
	}
	arr, err := v.Array()
	if err != nil {
		return nil, err
	}
	return Program(arr), nil
}

func (m *Machine) popBool() (bool, error) {
	v, err := m.Pop()
	if err != nil {
		return false, err
	}
	return v.Bool()
}

// popCount pops an element count for a constructor whose elements take
// width stack slots each.
func (m *Machine) popCount(width int) (int, error) {
	v, err := m.Pop()
	if err != nil {
		return 0, err
	}
	f, err := v.Number()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0, adamerr.New(adamerr.KindInvalidProgram, "invalid element count %v", f)
	}
	if f > float64(len(m.stack)/width) {
		return 0, adamerr.New(adamerr.KindInvalidProgram, "element count %v exceeds stack depth %d", f, len(m.stack))
	}
	return int(f), nil
}
