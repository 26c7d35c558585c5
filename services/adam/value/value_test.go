// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package value

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
)

var valueComparer = cmp.Comparer(func(a, b Value) bool { return a.Equal(b) })

func TestValue_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"empty", Empty, Value{}, true},
		{"numbers", Number(1), Number(1), true},
		{"different numbers", Number(1), Number(2), false},
		{"nan is not equal to itself", Number(math.NaN()), Number(math.NaN()), false},
		{"cross type never equal", Number(1), Bool(true), false},
		{"string vs name", String("a"), NameValue("a"), false},
		{"arrays", ArrayOf(Number(1), String("x")), ArrayOf(Number(1), String("x")), true},
		{"array length", ArrayOf(Number(1)), ArrayOf(Number(1), Number(1)), false},
		{
			"dictionaries",
			FromDictionary(Dictionary{"a": Number(1), "b": ArrayOf(Bool(true))}),
			FromDictionary(Dictionary{"b": ArrayOf(Bool(true)), "a": Number(1)}),
			true,
		},
		{
			"dictionary values differ",
			FromDictionary(Dictionary{"a": Number(1)}),
			FromDictionary(Dictionary{"a": Number(2)}),
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Equal(tt.b))
			assert.Equal(t, tt.want, tt.b.Equal(tt.a))
		})
	}
}

func TestValue_Same(t *testing.T) {
	nan := Number(math.NaN())
	assert.True(t, nan.Same(nan))
	assert.True(t, ArrayOf(nan, Number(1)).Same(ArrayOf(nan, Number(1))))
	assert.True(t, FromDictionary(Dictionary{"r": nan}).Same(FromDictionary(Dictionary{"r": nan})))
	assert.False(t, nan.Same(Number(0)))
	assert.False(t, Number(1).Same(String("1")))
	assert.True(t, Number(2).Same(Number(2)))
}

func TestValue_CastFailsLoudly(t *testing.T) {
	_, err := String("3").Number()
	require.Error(t, err)
	assert.True(t, errors.Is(err, adamerr.ErrBadCast))
	assert.Equal(t, adamerr.KindBadCast, adamerr.KindOf(err))

	n, err := Number(3).Number()
	require.NoError(t, err)
	assert.Equal(t, 3.0, n)

	_, err = Number(0).Bool()
	assert.ErrorIs(t, err, adamerr.ErrBadCast)
}

func TestValue_String(t *testing.T) {
	v := FromDictionary(Dictionary{
		"b": ArrayOf(Number(1.5), Bool(false), Empty),
		"a": NameValue("x"),
		"c": String("hi"),
	})
	assert.Equal(t, `{a: @x, b: [1.5, false, empty], c: "hi"}`, v.String())
	assert.Equal(t, "inf", Number(math.Inf(1)).String())
}

func TestValue_JSON(t *testing.T) {
	t.Run("nested document", func(t *testing.T) {
		in := FromDictionary(Dictionary{
			"n":     Number(2),
			"sym":   NameValue("width"),
			"list":  ArrayOf(String("a"), Empty, Bool(true)),
			"inner": FromDictionary(Dictionary{"k": Number(-1)}),
		})
		data, err := json.Marshal(in)
		require.NoError(t, err)

		out, err := ParseJSON(string(data))
		require.NoError(t, err)
		if diff := cmp.Diff(in, out, valueComparer); diff != "" {
			t.Errorf("decoded value mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("rejects non-finite numbers", func(t *testing.T) {
		_, err := json.Marshal(Number(math.NaN()))
		assert.Error(t, err)
	})

	t.Run("parses scalars", func(t *testing.T) {
		v, err := ParseJSON(" 42 ")
		require.NoError(t, err)
		assert.True(t, v.Equal(Number(42)))

		v, err = ParseJSON(`"42"`)
		require.NoError(t, err)
		assert.True(t, v.Equal(String("42")))

		v, err = ParseJSON(`null`)
		require.NoError(t, err)
		assert.True(t, v.IsEmpty())
	})
}
