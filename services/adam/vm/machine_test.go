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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

func vars(env map[value.Name]value.Value) Option {
	return WithVariableLookup(func(n value.Name) (value.Value, error) {
		v, ok := env[n]
		if !ok {
			return value.Empty, adamerr.New(adamerr.KindVariableNotFound, "%s", n)
		}
		return v, nil
	})
}

func run(t *testing.T, m *Machine, p Program) value.Value {
	t.Helper()
	v, err := m.Run(p)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Depth(), "stack should be balanced after Run")
	return v
}

func TestMachine_Arithmetic(t *testing.T) {
	m := NewMachine()
	tests := []struct {
		name string
		prog Program
		want value.Value
	}{
		{"add", NewBuilder().Number(2).Number(3).Op(OpAdd).Program(), value.Number(5)},
		{"subtract order", NewBuilder().Number(2).Number(3).Op(OpSubtract).Program(), value.Number(-1)},
		{"multiply", NewBuilder().Number(4).Number(2.5).Op(OpMultiply).Program(), value.Number(10)},
		{"divide", NewBuilder().Number(1).Number(4).Op(OpDivide).Program(), value.Number(0.25)},
		{"modulus", NewBuilder().Number(7).Number(3).Op(OpModulus).Program(), value.Number(1)},
		{"negate", NewBuilder().Number(7).Op(OpUnaryNegate).Program(), value.Number(-7)},
		{"divide by zero is infinity", NewBuilder().Number(1).Number(0).Op(OpDivide).Program(), value.Number(math.Inf(1))},
		{"less", NewBuilder().Number(1).Number(2).Op(OpLess).Program(), value.Bool(true)},
		{"greater_equal", NewBuilder().Number(2).Number(2).Op(OpGreaterEqual).Program(), value.Bool(true)},
		{"equal across types", NewBuilder().Number(1).String("1").Op(OpEqual).Program(), value.Bool(false)},
		{"not_equal", NewBuilder().String("a").String("b").Op(OpNotEqual).Program(), value.Bool(true)},
		{"not", NewBuilder().Bool(false).Op(OpNot).Program(), value.Bool(true)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := run(t, m, tt.prog)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}

	t.Run("modulus by zero is NaN", func(t *testing.T) {
		got := run(t, m, NewBuilder().Number(1).Number(0).Op(OpModulus).Program())
		f, err := got.Number()
		require.NoError(t, err)
		assert.True(t, math.IsNaN(f))
	})

	t.Run("arithmetic on a string fails", func(t *testing.T) {
		_, err := m.Run(NewBuilder().String("a").Number(1).Op(OpAdd).Program())
		assert.ErrorIs(t, err, adamerr.ErrBadCast)
		assert.Equal(t, 0, m.Depth())
	})
}

func TestMachine_Bitwise(t *testing.T) {
	m := NewMachine()
	tests := []struct {
		name string
		prog Program
		want float64
	}{
		{"and", NewBuilder().Number(12).Number(10).Op(OpBitwiseAnd).Program(), 8},
		{"or", NewBuilder().Number(12).Number(10).Op(OpBitwiseOr).Program(), 14},
		{"xor", NewBuilder().Number(12).Number(10).Op(OpBitwiseXor).Program(), 6},
		{"lshift", NewBuilder().Number(1).Number(4).Op(OpBitwiseLshift).Program(), 16},
		{"rshift", NewBuilder().Number(16).Number(2).Op(OpBitwiseRshift).Program(), 4},
		{"truncates fractions", NewBuilder().Number(5.9).Number(1).Op(OpBitwiseAnd).Program(), 1},
		{"negate", NewBuilder().Number(0).Op(OpBitwiseNegate).Program(), math.MaxUint32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := run(t, m, tt.prog)
			assert.True(t, value.Number(tt.want).Equal(got), "got %s", got)
		})
	}
}

func TestMachine_ShortCircuit(t *testing.T) {
	calls := 0
	m := NewMachine(WithVariableLookup(func(n value.Name) (value.Value, error) {
		calls++
		return value.Bool(true), nil
	}))
	rhs := NewBuilder().Variable("probe").Program()

	t.Run("and stops on false", func(t *testing.T) {
		calls = 0
		got := run(t, m, NewBuilder().Bool(false).Sub(rhs).Op(OpAnd).Program())
		assert.True(t, value.Bool(false).Equal(got))
		assert.Zero(t, calls)
	})

	t.Run("and evaluates rhs on true", func(t *testing.T) {
		calls = 0
		got := run(t, m, NewBuilder().Bool(true).Sub(rhs).Op(OpAnd).Program())
		assert.True(t, value.Bool(true).Equal(got))
		assert.Equal(t, 1, calls)
	})

	t.Run("or stops on true", func(t *testing.T) {
		calls = 0
		got := run(t, m, NewBuilder().Bool(true).Sub(rhs).Op(OpOr).Program())
		assert.True(t, value.Bool(true).Equal(got))
		assert.Zero(t, calls)
	})

	t.Run("rhs must be boolean", func(t *testing.T) {
		_, err := m.Run(NewBuilder().Bool(true).Sub(NewBuilder().Number(1).Program()).Op(OpAnd).Program())
		assert.ErrorIs(t, err, adamerr.ErrBadCast)
	})
}

func TestMachine_IfElse(t *testing.T) {
	var touched []value.Name
	m := NewMachine(WithVariableLookup(func(n value.Name) (value.Value, error) {
		touched = append(touched, n)
		return value.String(string(n)), nil
	}))
	prog := func(pred bool) Program {
		return NewBuilder().
			Sub(NewBuilder().Variable("else_side").Program()).
			Sub(NewBuilder().Variable("then_side").Program()).
			Bool(pred).
			Op(OpIfElse).
			Program()
	}

	touched = nil
	got := run(t, m, prog(true))
	assert.True(t, value.String("then_side").Equal(got))
	assert.Equal(t, []value.Name{"then_side"}, touched)

	touched = nil
	got = run(t, m, prog(false))
	assert.True(t, value.String("else_side").Equal(got))
	assert.Equal(t, []value.Name{"else_side"}, touched)

	_, err := m.Run(NewBuilder().Sub(nil).Sub(nil).Number(1).Op(OpIfElse).Program())
	assert.ErrorIs(t, err, adamerr.ErrBadCast)
}

func TestMachine_Index(t *testing.T) {
	m := NewMachine()
	arr := NewBuilder().Number(10).Number(20).Number(30).Array(3).Program()

	t.Run("numeric", func(t *testing.T) {
		p := append(append(Program{}, arr...), NewBuilder().Number(1).Op(OpIndex).Program()...)
		assert.True(t, value.Number(20).Equal(run(t, m, p)))
	})

	t.Run("out of range", func(t *testing.T) {
		p := append(append(Program{}, arr...), NewBuilder().Number(3).Op(OpIndex).Program()...)
		_, err := m.Run(p)
		assert.ErrorIs(t, err, adamerr.ErrIndexOutOfRange)
		assert.Equal(t, 0, m.Depth())
	})

	t.Run("named", func(t *testing.T) {
		p := NewBuilder().Name("w").Number(3).Name("h").Number(4).Dictionary(2).Name("h").Op(OpIndex).Program()
		assert.True(t, value.Number(4).Equal(run(t, m, p)))
	})

	t.Run("missing key", func(t *testing.T) {
		p := NewBuilder().Name("w").Number(3).Dictionary(1).Name("h").Op(OpIndex).Program()
		_, err := m.Run(p)
		assert.ErrorIs(t, err, adamerr.ErrKeyNotFound)
	})

	t.Run("hooks take precedence", func(t *testing.T) {
		hooked := NewMachine(WithIndexLookups(
			func(c value.Value, k value.Name) (value.Value, error) { return value.String("named:" + string(k)), nil },
			func(c value.Value, i int) (value.Value, error) { return value.Number(float64(i * 100)), nil },
		))
		got := run(t, hooked, NewBuilder().Bool(true).Name("k").Op(OpIndex).Program())
		assert.True(t, value.String("named:k").Equal(got))
		got = run(t, hooked, NewBuilder().Bool(true).Number(2).Op(OpIndex).Program())
		assert.True(t, value.Number(200).Equal(got))
	})
}

func TestMachine_Variable(t *testing.T) {
	t.Run("requires a lookup", func(t *testing.T) {
		_, err := NewMachine().Run(NewBuilder().Variable("a").Program())
		assert.ErrorIs(t, err, adamerr.ErrNoLookup)
	})

	t.Run("resolves through the hook", func(t *testing.T) {
		m := NewMachine(vars(map[value.Name]value.Value{"a": value.Number(2)}))
		got := run(t, m, NewBuilder().Variable("a").Number(1).Op(OpAdd).Program())
		assert.True(t, value.Number(3).Equal(got))
	})

	t.Run("hook errors propagate", func(t *testing.T) {
		m := NewMachine(vars(nil))
		_, err := m.Run(NewBuilder().Variable("missing").Program())
		assert.ErrorIs(t, err, adamerr.ErrVariableNotFound)
	})
}

func TestMachine_Functions(t *testing.T) {
	m := NewMachine()
	call := func(name value.Name, args ...float64) Program {
		b := NewBuilder().Name(name)
		for _, a := range args {
			b.Number(a)
		}
		return b.Array(len(args)).Op(OpFunction).Program()
	}

	assert.True(t, value.Number(1).Equal(run(t, m, call("min", 3, 1, 2))))
	assert.True(t, value.Number(3).Equal(run(t, m, call("max", 3, 1, 2))))
	assert.True(t, value.Number(3).Equal(run(t, m, call("round", 2.5))))
	assert.True(t, value.Number(-3).Equal(run(t, m, call("round", -2.5))))
	assert.True(t, value.NameValue("number").Equal(run(t, m, call("typeof", 1))))

	escaped := run(t, m, NewBuilder().Name("xml_escape").String(`a<b & "c"`).Array(1).Op(OpFunction).Program())
	assert.True(t, value.String("a&lt;b &amp; &quot;c&quot;").Equal(escaped))
	unescaped := run(t, m, NewBuilder().Name("xml_unescape").Literal(escaped).Array(1).Op(OpFunction).Program())
	assert.True(t, value.String(`a<b & "c"`).Equal(unescaped))

	scaled := run(t, m, NewBuilder().
		Name("scale").
		Name("m").Number(2).Name("x").Number(5).Name("b").Number(1).Dictionary(3).
		Op(OpFunction).Program())
	assert.True(t, value.Number(11).Equal(scaled))

	_, err := m.Run(call("nope", 1))
	assert.ErrorIs(t, err, adamerr.ErrUndefinedFunction)

	t.Run("external fallback", func(t *testing.T) {
		ext := NewMachine(WithArrayFunctions(func(n value.Name, args value.Array) (value.Value, error) {
			if n != "count" {
				return value.Empty, adamerr.New(adamerr.KindUndefinedFunction, "%s", n)
			}
			return value.Number(float64(len(args))), nil
		}))
		assert.True(t, value.Number(2).Equal(run(t, ext, call("count", 7, 8))))
	})

	t.Run("localizer", func(t *testing.T) {
		loc := NewMachine(WithLocalizer(func(s string) (string, error) { return "<" + s + ">", nil }))
		got := run(t, loc, NewBuilder().Name("localize").String("hi").Array(1).Op(OpFunction).Program())
		assert.True(t, value.String("<hi>").Equal(got))
	})
}

func TestMachine_BinaryOverride(t *testing.T) {
	m := NewMachine(WithBinaryOverride(OpAdd, func(lhs, rhs value.Value) (value.Value, error) {
		a, _ := lhs.Str()
		b, _ := rhs.Str()
		return value.String(a + b), nil
	}))
	got := run(t, m, NewBuilder().String("foo").String("bar").Op(OpAdd).Program())
	assert.True(t, value.String("foobar").Equal(got))
}

func TestMachine_Errors(t *testing.T) {
	m := NewMachine()

	_, err := m.Run(NewBuilder().Op(OpAdd).Program())
	assert.ErrorIs(t, err, adamerr.ErrStackUnderflow)

	_, err = m.Run(Program{})
	assert.ErrorIs(t, err, adamerr.ErrStackUnderflow)

	_, err = m.Run(NewBuilder().Op(".bogus").Program())
	assert.ErrorIs(t, err, adamerr.ErrInvalidProgram)

	_, err = m.Run(NewBuilder().Number(1).Array(2).Program())
	assert.ErrorIs(t, err, adamerr.ErrInvalidProgram)

	_, err = m.Run(NewBuilder().String("k").Number(1).Dictionary(1).Program())
	assert.ErrorIs(t, err, adamerr.ErrBadCast)
	assert.Equal(t, 0, m.Depth())
}

func TestMachine_InvalidCounts(t *testing.T) {
	tests := []struct {
		name  string
		count float64
		op    value.Name
	}{
		{"nan dictionary", math.NaN(), OpDictionary},
		{"inf dictionary", math.Inf(1), OpDictionary},
		{"huge dictionary", 1e19, OpDictionary},
		{"nan array", math.NaN(), OpArray},
		{"negative array", -1, OpArray},
		{"huge array", 1e19, OpArray},
		{"dictionary wider than stack", 2, OpDictionary},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine()
			p := NewBuilder().Name("k").Number(1).Number(tt.count).Op(tt.op).Program()
			_, err := m.Run(p)
			assert.ErrorIs(t, err, adamerr.ErrInvalidProgram)
			assert.Equal(t, 0, m.Depth())
		})
	}
}

func TestMachine_ArrayPreservesOrder(t *testing.T) {
	got := run(t, NewMachine(), NewBuilder().Number(1).String("two").Bool(true).Array(3).Program())
	assert.True(t, value.ArrayOf(value.Number(1), value.String("two"), value.Bool(true)).Equal(got))
}
