// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vm

import (
	"math"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

type binaryOp func(lhs, rhs value.Value) (value.Value, error)

// binaryOps is the default table for operators that take two plain
// operands. Only these can be replaced with WithBinaryOverride.
var binaryOps = map[value.Name]binaryOp{
	OpAdd:      numeric(func(a, b float64) float64 { return a + b }),
	OpSubtract: numeric(func(a, b float64) float64 { return a - b }),
	OpMultiply: numeric(func(a, b float64) float64 { return a * b }),
	OpDivide:   numeric(func(a, b float64) float64 { return a / b }),
	OpModulus:  numeric(math.Mod),

	OpLess:         compare(func(a, b float64) bool { return a < b }),
	OpGreater:      compare(func(a, b float64) bool { return a > b }),
	OpLessEqual:    compare(func(a, b float64) bool { return a <= b }),
	OpGreaterEqual: compare(func(a, b float64) bool { return a >= b }),

	OpEqual: func(lhs, rhs value.Value) (value.Value, error) {
		return value.Bool(lhs.Equal(rhs)), nil
	},
	OpNotEqual: func(lhs, rhs value.Value) (value.Value, error) {
		return value.Bool(!lhs.Equal(rhs)), nil
	},

	OpBitwiseAnd:    bitwise(func(a, b uint32) uint32 { return a & b }),
	OpBitwiseOr:     bitwise(func(a, b uint32) uint32 { return a | b }),
	OpBitwiseXor:    bitwise(func(a, b uint32) uint32 { return a ^ b }),
	OpBitwiseLshift: bitwise(func(a, b uint32) uint32 { return a << b }),
	OpBitwiseRshift: bitwise(func(a, b uint32) uint32 { return a >> b }),
}

func numbers(lhs, rhs value.Value) (float64, float64, error) {
	a, err := lhs.Number()
	if err != nil {
		return 0, 0, err
	}
	b, err := rhs.Number()
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func numeric(fn func(a, b float64) float64) binaryOp {
	return func(lhs, rhs value.Value) (value.Value, error) {
		a, b, err := numbers(lhs, rhs)
		if err != nil {
			return value.Empty, err
		}
		return value.Number(fn(a, b)), nil
	}
}

func compare(fn func(a, b float64) bool) binaryOp {
	return func(lhs, rhs value.Value) (value.Value, error) {
		a, b, err := numbers(lhs, rhs)
		if err != nil {
			return value.Empty, err
		}
		return value.Bool(fn(a, b)), nil
	}
}

// toUint32 truncates toward zero through int64; out-of-range inputs wrap.
func toUint32(f float64) uint32 {
	return uint32(int64(f))
}

func bitwise(fn func(a, b uint32) uint32) binaryOp {
	return func(lhs, rhs value.Value) (value.Value, error) {
		a, b, err := numbers(lhs, rhs)
		if err != nil {
			return value.Empty, err
		}
		return value.Number(float64(fn(toUint32(a), toUint32(b)))), nil
	}
}

func (m *Machine) dispatch(op value.Name) error {
	if fn, ok := m.overrides[op]; ok {
		return m.binary(fn)
	}
	if fn, ok := binaryOps[op]; ok {
		return m.binary(fn)
	}

	switch op {
	case OpUnaryNegate:
		return m.unaryNumber(func(f float64) value.Value { return value.Number(-f) })
	case OpBitwiseNegate:
		return m.unaryNumber(func(f float64) value.Value { return value.Number(float64(^toUint32(f))) })
	case OpNot:
		b, err := m.popBool()
		if err != nil {
			return err
		}
		m.Push(value.Bool(!b))
		return nil
	case OpAnd:
		return m.shortCircuit(false)
	case OpOr:
		return m.shortCircuit(true)
	case OpIfElse:
		return m.ifElse()
	case OpIndex:
		return m.index()
	case OpVariable:
		return m.variableOp()
	case OpFunction:
		return m.function()
	case OpArray:
		return m.array()
	case OpDictionary:
		return m.dictionary()
	}
	return adamerr.New(adamerr.KindInvalidProgram, "unknown operator %s", op)
}

func (m *Machine) binary(fn func(lhs, rhs value.Value) (value.Value, error)) error {
	rhs, err := m.Pop()
	if err != nil {
		return err
	}
	lhs, err := m.Pop()
	if err != nil {
		return err
	}
	r, err := fn(lhs, rhs)
	if err != nil {
		return err
	}
	m.Push(r)
	return nil
}

func (m *Machine) unaryNumber(fn func(f float64) value.Value) error {
	v, err := m.Pop()
	if err != nil {
		return err
	}
	f, err := v.Number()
	if err != nil {
		return err
	}
	m.Push(fn(f))
	return nil
}

// shortCircuit implements .and (decisive=false) and .or (decisive=true).
// The right-hand sub-program runs only when the left operand is not
// decisive, and must itself yield a boolean.
func (m *Machine) shortCircuit(decisive bool) error {
	rhs, err := m.popProgram()
	if err != nil {
		return err
	}
	lhs, err := m.popBool()
	if err != nil {
		return err
	}
	if lhs == decisive {
		m.Push(value.Bool(decisive))
		return nil
	}
	r, err := m.Run(rhs)
	if err != nil {
		return err
	}
	b, err := r.Bool()
	if err != nil {
		return err
	}
	m.Push(value.Bool(b))
	return nil
}

// ifElse pops the predicate, then the then-branch, then the else-branch,
// and runs exactly one branch.
func (m *Machine) ifElse() error {
	pred, err := m.popBool()
	if err != nil {
		return err
	}
	thenBranch, err := m.popProgram()
	if err != nil {
		return err
	}
	elseBranch, err := m.popProgram()
	if err != nil {
		return err
	}
	branch := elseBranch
	if pred {
		branch = thenBranch
	}
	r, err := m.Run(branch)
	if err != nil {
		return err
	}
	m.Push(r)
	return nil
}

func (m *Machine) index() error {
	idx, err := m.Pop()
	if err != nil {
		return err
	}
	container, err := m.Pop()
	if err != nil {
		return err
	}

	var r value.Value
	switch idx.Kind() {
	case value.KindName:
		key, _ := idx.Name()
		r, err = m.indexNamed(container, key)
	case value.KindNumber:
		f, _ := idx.Number()
		r, err = m.indexNumeric(container, f)
	default:
		err = adamerr.New(adamerr.KindBadCast, "index must be a name or number, got %s", idx.Kind())
	}
	if err != nil {
		return err
	}
	m.Push(r)
	return nil
}

func (m *Machine) indexNamed(container value.Value, key value.Name) (value.Value, error) {
	if m.namedIndex != nil {
		return m.namedIndex(container, key)
	}
	d, err := container.Dictionary()
	if err != nil {
		return value.Empty, err
	}
	v, ok := d[key]
	if !ok {
		return value.Empty, adamerr.New(adamerr.KindKeyNotFound, "key %s", key)
	}
	return v, nil
}

func (m *Machine) indexNumeric(container value.Value, f float64) (value.Value, error) {
	if f < 0 || math.IsNaN(f) {
		return value.Empty, adamerr.New(adamerr.KindIndexOutOfRange, "index %v", f)
	}
	i := int(f)
	if m.numericIndex != nil {
		return m.numericIndex(container, i)
	}
	arr, err := container.Array()
	if err != nil {
		return value.Empty, err
	}
	if i >= len(arr) {
		return value.Empty, adamerr.New(adamerr.KindIndexOutOfRange, "index %d, size %d", i, len(arr))
	}
	return arr[i], nil
}

func (m *Machine) variableOp() error {
	v, err := m.Pop()
	if err != nil {
		return err
	}
	name, err := v.Name()
	if err != nil {
		return err
	}
	if m.variable == nil {
		return adamerr.New(adamerr.KindNoLookup, "variable %s", name)
	}
	r, err := m.variable(name)
	if err != nil {
		return err
	}
	m.Push(r)
	return nil
}

func (m *Machine) array() error {
	n, err := m.popCount(1)
	if err != nil {
		return err
	}
	elems, err := m.popN(n)
	if err != nil {
		return err
	}
	m.Push(value.FromArray(elems))
	return nil
}

func (m *Machine) dictionary() error {
	n, err := m.popCount(2)
	if err != nil {
		return err
	}
	pairs, err := m.popN(2 * n)
	if err != nil {
		return err
	}
	d := make(value.Dictionary, n)
	for i := 0; i < len(pairs); i += 2 {
		key, err := pairs[i].Name()
		if err != nil {
			return err
		}
		d[key] = pairs[i+1]
	}
	m.Push(value.FromDictionary(d))
	return nil
}
