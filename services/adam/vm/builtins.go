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
	"html"
	"math"
	"strings"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

type arrayBuiltin func(m *Machine, args value.Array) (value.Value, error)

type dictionaryBuiltin func(m *Machine, args value.Dictionary) (value.Value, error)

var arrayBuiltins = map[value.Name]arrayBuiltin{
	"typeof":       builtinTypeOf,
	"min":          extremum(math.Min),
	"max":          extremum(math.Max),
	"round":        builtinRound,
	"localize":     builtinLocalize,
	"xml_escape":   stringBuiltin(xmlEscaper.Replace),
	"xml_unescape": stringBuiltin(html.UnescapeString),
}

var dictionaryBuiltins = map[value.Name]dictionaryBuiltin{
	"scale": builtinScale,
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func (m *Machine) function() error {
	args, err := m.Pop()
	if err != nil {
		return err
	}
	fv, err := m.Pop()
	if err != nil {
		return err
	}
	name, err := fv.Name()
	if err != nil {
		return err
	}

	var r value.Value
	switch args.Kind() {
	case value.KindArray:
		arr, _ := args.Array()
		r, err = m.callArray(name, arr)
	case value.KindDictionary:
		dict, _ := args.Dictionary()
		r, err = m.callDictionary(name, dict)
	default:
		err = adamerr.New(adamerr.KindBadCast, "arguments to %s must be an array or dictionary, got %s", name, args.Kind())
	}
	if err != nil {
		return err
	}
	m.Push(r)
	return nil
}

func (m *Machine) callArray(name value.Name, args value.Array) (value.Value, error) {
	if fn, ok := arrayBuiltins[name]; ok {
		return fn(m, args)
	}
	if m.arrayFunction != nil {
		return m.arrayFunction(name, args)
	}
	return value.Empty, adamerr.New(adamerr.KindUndefinedFunction, "%s", name)
}

func (m *Machine) callDictionary(name value.Name, args value.Dictionary) (value.Value, error) {
	if fn, ok := dictionaryBuiltins[name]; ok {
		return fn(m, args)
	}
	if m.dictionaryFunction != nil {
		return m.dictionaryFunction(name, args)
	}
	return value.Empty, adamerr.New(adamerr.KindUndefinedFunction, "%s", name)
}

func arity(name string, args value.Array, n int) error {
	if len(args) != n {
		return adamerr.New(adamerr.KindInvalidProgram, "%s expects %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func builtinTypeOf(_ *Machine, args value.Array) (value.Value, error) {
	if err := arity("typeof", args, 1); err != nil {
		return value.Empty, err
	}
	return value.NameValue(value.Name(args[0].Kind().String())), nil
}

func extremum(pick func(a, b float64) float64) arrayBuiltin {
	return func(_ *Machine, args value.Array) (value.Value, error) {
		if len(args) == 0 {
			return value.Empty, adamerr.New(adamerr.KindInvalidProgram, "min/max need at least one argument")
		}
		acc, err := args[0].Number()
		if err != nil {
			return value.Empty, err
		}
		for _, a := range args[1:] {
			f, err := a.Number()
			if err != nil {
				return value.Empty, err
			}
			acc = pick(acc, f)
		}
		return value.Number(acc), nil
	}
}

func builtinRound(_ *Machine, args value.Array) (value.Value, error) {
	if err := arity("round", args, 1); err != nil {
		return value.Empty, err
	}
	f, err := args[0].Number()
	if err != nil {
		return value.Empty, err
	}
	return value.Number(math.Round(f)), nil
}

func builtinLocalize(m *Machine, args value.Array) (value.Value, error) {
	if err := arity("localize", args, 1); err != nil {
		return value.Empty, err
	}
	s, err := args[0].Str()
	if err != nil {
		return value.Empty, err
	}
	if m.localizer == nil {
		return value.String(s), nil
	}
	out, err := m.localizer(s)
	if err != nil {
		return value.Empty, err
	}
	return value.String(out), nil
}

func stringBuiltin(fn func(string) string) arrayBuiltin {
	return func(_ *Machine, args value.Array) (value.Value, error) {
		if err := arity("string function", args, 1); err != nil {
			return value.Empty, err
		}
		s, err := args[0].Str()
		if err != nil {
			return value.Empty, err
		}
		return value.String(fn(s)), nil
	}
}

// builtinScale computes m*x + b. m defaults to 1 and b to 0.
func builtinScale(_ *Machine, args value.Dictionary) (value.Value, error) {
	get := func(key value.Name, def float64, required bool) (float64, error) {
		v, ok := args[key]
		if !ok {
			if required {
				return 0, adamerr.New(adamerr.KindKeyNotFound, "scale requires %s", key)
			}
			return def, nil
		}
		return v.Number()
	}
	mul, err := get("m", 1, false)
	if err != nil {
		return value.Empty, err
	}
	x, err := get("x", 0, true)
	if err != nil {
		return value.Empty, err
	}
	add, err := get("b", 0, false)
	if err != nil {
		return value.Empty, err
	}
	return value.Number(mul*x + add), nil
}
