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
	"strings"

	"github.com/AleutianAI/adamsheet/services/adam/value"
)

// Program is a flat postfix sequence. Entries that decode as operator tags
// are dispatched; every other entry is pushed verbatim.
type Program []value.Value

// Operator tags. A tag is a Name with a leading '.', which no cell or
// dictionary key produced by a parser may start with.
const (
	OpAdd         value.Name = ".add"
	OpSubtract    value.Name = ".subtract"
	OpMultiply    value.Name = ".multiply"
	OpDivide      value.Name = ".divide"
	OpModulus     value.Name = ".modulus"
	OpUnaryNegate value.Name = ".unary_negate"

	OpLess         value.Name = ".less"
	OpGreater      value.Name = ".greater"
	OpLessEqual    value.Name = ".less_equal"
	OpGreaterEqual value.Name = ".greater_equal"
	OpEqual        value.Name = ".equal"
	OpNotEqual     value.Name = ".not_equal"

	OpNot value.Name = ".not"
	OpAnd value.Name = ".and"
	OpOr  value.Name = ".or"

	OpBitwiseAnd    value.Name = ".bitwise_and"
	OpBitwiseOr     value.Name = ".bitwise_or"
	OpBitwiseXor    value.Name = ".bitwise_xor"
	OpBitwiseLshift value.Name = ".bitwise_lshift"
	OpBitwiseRshift value.Name = ".bitwise_rshift"
	OpBitwiseNegate value.Name = ".bitwise_negate"

	OpIfElse     value.Name = ".ifelse"
	OpIndex      value.Name = ".index"
	OpVariable   value.Name = ".variable"
	OpFunction   value.Name = ".function"
	OpArray      value.Name = ".array"
	OpDictionary value.Name = ".dictionary"
)

// IsOperator reports whether n is shaped like an operator tag.
func IsOperator(n value.Name) bool {
	return strings.HasPrefix(string(n), ".")
}

// Value returns the program as an array value, for embedding as a nested
// sub-program.
func (p Program) Value() value.Value {
	return value.FromArray(value.Array(p))
}

// Builder assembles programs with a fluent API.
//
// Example:
//
//	// a + 1
//	p := vm.NewBuilder().Variable("a").Number(1).Op(vm.OpAdd).Program()
//
// Thread Safety: Builder is NOT safe for concurrent use.
type Builder struct {
	prog Program
}

// NewBuilder creates an empty program builder.
func NewBuilder() *Builder {
	return &Builder{prog: make(Program, 0, 8)}
}

// Literal pushes any value verbatim.
func (b *Builder) Literal(v value.Value) *Builder {
	b.prog = append(b.prog, v)
	return b
}

func (b *Builder) Number(f float64) *Builder { return b.Literal(value.Number(f)) }
func (b *Builder) Bool(v bool) *Builder { return b.Literal(value.Bool(v)) }
func (b *Builder) String(s string) *Builder { return b.Literal(value.String(s)) }
func (b *Builder) Name(n value.Name) *Builder { return b.Literal(value.NameValue(n)) }

// Op appends an operator tag.
func (b *Builder) Op(op value.Name) *Builder {
	return b.Literal(value.NameValue(op))
}

// Variable appends a variable reference.
func (b *Builder) Variable(n value.Name) *Builder {
	return b.Name(n).Op(OpVariable)
}

// Sub appends a nested sub-program, as consumed by .and, .or and .ifelse.
func (b *Builder) Sub(p Program) *Builder {
	return b.Literal(p.Value())
}

// Array collects the preceding n entries into an array.
func (b *Builder) Array(n int) *Builder {
	return b.Number(float64(n)).Op(OpArray)
}

// Dictionary collects the preceding n name/value pairs into a dictionary.
func (b *Builder) Dictionary(n int) *Builder {
	return b.Number(float64(n)).Op(OpDictionary)
}

// Program returns the assembled program.
func (b *Builder) Program() Program {
	out := make(Program, len(b.prog))
	copy(out, b.prog)
	return out
}
