// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package value implements the discriminated value type used by expression
// programs and sheet cells.
//
// A Value holds exactly one of: number (float64), boolean, string, name,
// empty, array (ordered sequence of Value) or dictionary (Name to Value).
// Values are treated as immutable; arrays and dictionaries returned by
// accessors must not be modified by callers.
package value

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
)

// Name is a symbol used for cell identifiers and dictionary keys.
type Name string

// Kind identifies the active variant of a Value.
type Kind uint8

const (
	KindEmpty Kind = iota
	KindNumber
	KindBool
	KindString
	KindName
	KindArray
	KindDictionary
)

var kindNames = [...]string{
	KindEmpty:      "empty",
	KindNumber:     "number",
	KindBool:       "boolean",
	KindString:     "string",
	KindName:       "name",
	KindArray:      "array",
	KindDictionary: "dictionary",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Array is an ordered sequence of values.
type Array []Value

// Dictionary maps names to values.
type Dictionary map[Name]Value

// Value is the closed union. The zero Value is empty.
type Value struct {
	kind Kind
	num  float64
	b    bool
	str  string
	arr  Array
	dict Dictionary
}

// Empty is the empty value.
var Empty = Value{}

func Number(f float64) Value { return Value{kind: KindNumber, num: f} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func NameValue(n Name) Value { return Value{kind: KindName, str: string(n)} }
func ArrayOf(vs ...Value) Value { return Value{kind: KindArray, arr: Array(vs)} }

// FromArray wraps an existing array without copying.
func FromArray(a Array) Value {
	return Value{kind: KindArray, arr: a}
}

// FromDictionary wraps an existing dictionary without copying.
func FromDictionary(d Dictionary) Value {
	if d == nil {
		d = Dictionary{}
	}
	return Value{kind: KindDictionary, dict: d}
}

// Kind returns the active variant.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether v is the empty value.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

func castError(want Kind, got Value) error {
	return adamerr.New(adamerr.KindBadCast, "expected %s, got %s", want, got.kind)
}

// Number returns the numeric variant or a bad-cast error.
func (v Value) Number() (float64, error) {
	if v.kind != KindNumber {
		return 0, castError(KindNumber, v)
	}
	return v.num, nil
}

// Bool returns the boolean variant or a bad-cast error.
func (v Value) Bool() (bool, error) {
	if v.kind != KindBool {
		return false, castError(KindBool, v)
	}
	return v.b, nil
}

// Str returns the string variant or a bad-cast error.
func (v Value) Str() (string, error) {
	if v.kind != KindString {
		return "", castError(KindString, v)
	}
	return v.str, nil
}

// Name returns the name variant or a bad-cast error.
func (v Value) Name() (Name, error) {
	if v.kind != KindName {
		return "", castError(KindName, v)
	}
	return Name(v.str), nil
}

// Array returns the array variant or a bad-cast error.
func (v Value) Array() (Array, error) {
	if v.kind != KindArray {
		return nil, castError(KindArray, v)
	}
	return v.arr, nil
}

// Dictionary returns the dictionary variant or a bad-cast error.
func (v Value) Dictionary() (Dictionary, error) {
	if v.kind != KindDictionary {
		return nil, castError(KindDictionary, v)
	}
	return v.dict, nil
}

// Equal reports deep equality. Values of different kinds are never equal.
// Numbers compare with ==, so NaN is not equal to itself.
func (v Value) Equal(o Value) bool {
	return v.equal(o, false)
}

// Same is Equal except that NaN matches NaN. Change detection uses it so
// a NaN result is not reported as a change on every update.
func (v Value) Same(o Value) bool {
	return v.equal(o, true)
}

func (v Value) equal(o Value, nanSame bool) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindEmpty:
		return true
	case KindNumber:
		return v.num == o.num || (nanSame && math.IsNaN(v.num) && math.IsNaN(o.num))
	case KindBool:
		return v.b == o.b
	case KindString, KindName:
		return v.str == o.str
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].equal(o.arr[i], nanSame) {
				return false
			}
		}
		return true
	case KindDictionary:
		if len(v.dict) != len(o.dict) {
			return false
		}
		for k, a := range v.dict {
			b, ok := o.dict[k]
			if !ok || !a.equal(b, nanSame) {
				return false
			}
		}
		return true
	}
	return false
}

// String renders the value in a compact, Adam-like literal syntax.
func (v Value) String() string {
	var b strings.Builder
	v.write(&b)
	return b.String()
}

func (v Value) write(b *strings.Builder) {
	switch v.kind {
	case KindEmpty:
		b.WriteString("empty")
	case KindNumber:
		b.WriteString(formatNumber(v.num))
	case KindBool:
		b.WriteString(strconv.FormatBool(v.b))
	case KindString:
		b.WriteString(strconv.Quote(v.str))
	case KindName:
		b.WriteByte('@')
		b.WriteString(v.str)
	case KindArray:
		b.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				b.WriteString(", ")
			}
			e.write(b)
		}
		b.WriteByte(']')
	case KindDictionary:
		b.WriteByte('{')
		for i, k := range v.dict.Keys() {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(string(k))
			b.WriteString(": ")
			v.dict[k].write(b)
		}
		b.WriteByte('}')
	}
}

func formatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Keys returns the dictionary keys in sorted order.
func (d Dictionary) Keys() []Name {
	keys := make([]Name, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// GoString makes %#v output readable in test failures.
func (v Value) GoString() string {
	return fmt.Sprintf("value.Value(%s)", v.String())
}
