// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package decl

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
	"github.com/AleutianAI/adamsheet/services/adam/value"
	"github.com/AleutianAI/adamsheet/services/adam/vm"
)

// String prefixes understood inside a program.
const (
	prefixOperator = "."
	prefixName     = "@"
	prefixVariable = "$"
	prefixEscape   = `\`
)

// program converts a YAML node into a postfix program.
//
// A scalar is a one-entry program. In a sequence every element becomes
// one entry, except "$x" which expands to [@x .variable]. Nested
// sequences are sub-programs and mappings are dictionary literals.
func (l *loader) program(n *yaml.Node) (vm.Program, error) {
	n = resolveAlias(n)
	if n == nil {
		return nil, nil
	}
	b := vm.NewBuilder()
	if n.Kind != yaml.SequenceNode {
		if err := l.entry(b, n); err != nil {
			return nil, err
		}
		return b.Program(), nil
	}
	for _, e := range n.Content {
		if err := l.entry(b, e); err != nil {
			return nil, err
		}
	}
	return b.Program(), nil
}

func (l *loader) entry(b *vm.Builder, n *yaml.Node) error {
	n = resolveAlias(n)
	switch n.Kind {
	case yaml.SequenceNode:
		sub, err := l.program(n)
		if err != nil {
			return err
		}
		b.Sub(sub)
		return nil
	case yaml.MappingNode:
		v, err := l.literal(n)
		if err != nil {
			return err
		}
		b.Literal(v)
		return nil
	case yaml.ScalarNode:
		if n.ShortTag() == "!!str" && strings.HasPrefix(n.Value, prefixVariable) && len(n.Value) > 1 {
			b.Variable(value.Name(n.Value[1:]))
			return nil
		}
		v, err := l.scalar(n)
		if err != nil {
			return err
		}
		b.Literal(v)
		return nil
	}
	return l.errorf(n, "unexpected %s in program", kindName(n.Kind))
}

// literal converts a node into a single value. Sequences become arrays.
func (l *loader) literal(n *yaml.Node) (value.Value, error) {
	n = resolveAlias(n)
	switch n.Kind {
	case yaml.ScalarNode:
		if n.ShortTag() == "!!str" && strings.HasPrefix(n.Value, prefixVariable) && len(n.Value) > 1 {
			return value.Empty, l.errorf(n, "variable reference %q is not allowed in a literal", n.Value)
		}
		return l.scalar(n)
	case yaml.SequenceNode:
		arr := make(value.Array, 0, len(n.Content))
		for _, e := range n.Content {
			v, err := l.literal(e)
			if err != nil {
				return value.Empty, err
			}
			arr = append(arr, v)
		}
		return value.FromArray(arr), nil
	case yaml.MappingNode:
		d := make(value.Dictionary, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if k.Kind != yaml.ScalarNode {
				return value.Empty, l.errorf(k, "dictionary keys must be scalars")
			}
			e, err := l.literal(v)
			if err != nil {
				return value.Empty, err
			}
			d[value.Name(k.Value)] = e
		}
		return value.FromDictionary(d), nil
	}
	return value.Empty, l.errorf(n, "unexpected %s in literal", kindName(n.Kind))
}

func (l *loader) scalar(n *yaml.Node) (value.Value, error) {
	switch n.ShortTag() {
	case "!!null":
		return value.Empty, nil
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err != nil {
			return value.Empty, l.errorf(n, "%v", err)
		}
		return value.Bool(b), nil
	case "!!int", "!!float":
		var f float64
		if err := n.Decode(&f); err != nil {
			return value.Empty, l.errorf(n, "%v", err)
		}
		return value.Number(f), nil
	case "!!str":
		s := n.Value
		switch {
		case strings.HasPrefix(s, prefixEscape):
			return value.String(s[1:]), nil
		case strings.HasPrefix(s, prefixOperator) && len(s) > 1:
			return value.NameValue(value.Name(s)), nil
		case strings.HasPrefix(s, prefixName) && len(s) > 1:
			return value.NameValue(value.Name(s[1:])), nil
		}
		return value.String(s), nil
	}
	return value.Empty, l.errorf(n, "unsupported scalar tag %s", n.ShortTag())
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "node"
}

func (l *loader) pos(n *yaml.Node) adamerr.Position {
	if n == nil {
		return adamerr.Position{File: l.file}
	}
	return adamerr.Position{File: l.file, Line: n.Line}
}

func (l *loader) errorf(n *yaml.Node, format string, args ...any) error {
	err := adamerr.New(adamerr.KindInvalidDeclaration, format, args...)
	return adamerr.Wrap(err, "load", "", l.pos(n))
}
