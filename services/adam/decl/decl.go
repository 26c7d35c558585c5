// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package decl loads sheet declarations from YAML.
//
// A declaration file lists cells in order. Programs are written in postfix
// form directly, one YAML element per entry:
//
//	name: mortgage
//	sheet:
//	  - input: rate
//	    init: 0.05
//	  - interface: principal
//	    init: 1000
//	  - interface: payment
//	    init: 0
//	  - output: total
//	    expr: [$principal, $rate, .multiply]
//	  - relate:
//	      when: [$enabled]
//	      terms:
//	        - names: [payment]
//	          expr: [$principal, 12, .divide]
//	        - names: [principal]
//	          expr: [$payment, 12, .multiply]
//
// Strings starting with "." are operator tags, "@x" is the name x and
// "$x" reads the variable x. A leading backslash escapes any of these.
// Nested sequences are sub-programs and mappings are dictionary literals.
//
// Every declaration is tagged with its file and line, and all errors in a
// file are reported together.
package decl

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/adamsheet/services/adam/sheet"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

// MaxFileSize is the largest declaration file Load accepts (4MB).
const MaxFileSize = 4 * 1024 * 1024

var (
	declLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adam_decl_loads_total",
		Help: "Total declaration file loads by result",
	}, []string{"result"})

	declDeclarations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "adam_decl_declarations_total",
		Help: "Total cells and relations declared from files",
	})

	declLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "adam_decl_load_duration_seconds",
		Help:    "Duration of declaration file loading",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("adam.decl")

// Summary describes a loaded file.
type Summary struct {
	// Name is the optional top-level name.
	Name string

	// Declarations counts successful Add calls.
	Declarations int
}

type loader struct {
	file  string
	sheet *sheet.Sheet
	errs  *multierror.Error
	sum   Summary
}

// Load reads path and declares its contents on s.
func Load(ctx context.Context, path string, s *sheet.Sheet) (Summary, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Summary{}, fmt.Errorf("stat declarations: %w", err)
	}
	if info.Size() > MaxFileSize {
		return Summary{}, fmt.Errorf("declaration file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("reading declarations: %w", err)
	}
	return Parse(ctx, path, data, s)
}

// Parse declares the contents of data on s.
//
// Description:
//
//	Declarations are applied in file order. A failing declaration is
//	recorded and loading continues with the next one, so a single call
//	reports every problem in the file. Declarations that succeeded stay
//	on s.
//
// Inputs:
//
//	ctx - Context for tracing.
//	file - Name used in error positions.
//	data - YAML document.
//	s - Sheet to declare on.
//
// Outputs:
//
//	Summary - Name and number of declarations applied.
//	error - A *multierror.Error of positioned errors, or nil.
func Parse(ctx context.Context, file string, data []byte, s *sheet.Sheet) (sum Summary, err error) {
	_, span := tracer.Start(ctx, "decl.Parse")
	start := time.Now()
	defer func() {
		declLoadDuration.Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, "declarations failed")
		}
		declLoads.WithLabelValues(result).Inc()
		span.SetAttributes(
			attribute.String("file", file),
			attribute.Int("declarations", sum.Declarations),
		)
		span.End()
	}()

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Summary{}, fmt.Errorf("%s: %w", file, err)
	}
	l := &loader{file: file, sheet: s}
	l.document(&doc)
	declDeclarations.Add(float64(l.sum.Declarations))
	return l.sum, l.errs.ErrorOrNil()
}

func (l *loader) fail(err error) {
	l.errs = multierror.Append(l.errs, err)
}

func (l *loader) document(doc *yaml.Node) {
	if doc.Kind == 0 {
		return
	}
	root := doc
	if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root = doc.Content[0]
	}
	fields, err := l.fields(root, "name", "sheet")
	if err != nil {
		l.fail(err)
		return
	}
	if n := fields["name"]; n != nil {
		l.sum.Name = n.Value
	}
	cells := fields["sheet"]
	if cells == nil {
		return
	}
	if cells.Kind != yaml.SequenceNode {
		l.fail(l.errorf(cells, "sheet must be a sequence of declarations"))
		return
	}
	for _, d := range cells.Content {
		if err := l.declaration(d); err != nil {
			l.fail(err)
			continue
		}
		l.sum.Declarations++
	}
}

// fields indexes a mapping node by key, rejecting keys not in allowed.
func (l *loader) fields(n *yaml.Node, allowed ...string) (map[string]*yaml.Node, error) {
	n = resolveAlias(n)
	if n.Kind != yaml.MappingNode {
		return nil, l.errorf(n, "expected a mapping, got %s", kindName(n.Kind))
	}
	out := make(map[string]*yaml.Node, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		k := n.Content[i]
		known := false
		for _, a := range allowed {
			if k.Value == a {
				known = true
				break
			}
		}
		if !known {
			return nil, l.errorf(k, "unknown key %q", k.Value)
		}
		if _, dup := out[k.Value]; dup {
			return nil, l.errorf(k, "duplicate key %q", k.Value)
		}
		out[k.Value] = n.Content[i+1]
	}
	return out, nil
}

var declKeys = map[string][]string{
	"input":     {"input", "init"},
	"constant":  {"constant", "init"},
	"output":    {"output", "expr"},
	"logic":     {"logic", "expr"},
	"invariant": {"invariant", "expr"},
	"interface": {"interface", "linked", "init", "expr"},
	"relate":    {"relate"},
}

func (l *loader) declaration(n *yaml.Node) error {
	n = resolveAlias(n)
	if n.Kind != yaml.MappingNode || len(n.Content) == 0 {
		return l.errorf(n, "declaration must be a mapping")
	}
	kind := n.Content[0].Value
	keys, ok := declKeys[kind]
	if !ok {
		return l.errorf(n.Content[0], "unknown declaration %q", kind)
	}
	f, err := l.fields(n, keys...)
	if err != nil {
		return err
	}
	at := sheet.At(l.pos(n))
	if kind == "relate" {
		return l.relation(f["relate"], at)
	}

	name, err := l.name(f[kind])
	if err != nil {
		return err
	}
	init, err := l.program(f["init"])
	if err != nil {
		return err
	}
	expr, err := l.program(f["expr"])
	if err != nil {
		return err
	}

	switch kind {
	case "input":
		return l.sheet.AddInput(name, init, at)
	case "constant":
		return l.sheet.AddConstant(name, init, at)
	case "output":
		return l.sheet.AddOutput(name, expr, at)
	case "logic":
		return l.sheet.AddLogic(name, expr, at)
	case "invariant":
		return l.sheet.AddInvariant(name, expr, at)
	}

	linked := false
	if ln := f["linked"]; ln != nil {
		if err := ln.Decode(&linked); err != nil {
			return l.errorf(ln, "linked must be a boolean")
		}
	}
	return l.sheet.AddInterface(name, linked, init, expr, at)
}

func (l *loader) name(n *yaml.Node) (value.Name, error) {
	n = resolveAlias(n)
	if n == nil || n.Kind != yaml.ScalarNode || n.ShortTag() != "!!str" || n.Value == "" {
		return "", l.errorf(n, "cell name must be a non-empty string")
	}
	return value.Name(n.Value), nil
}

func (l *loader) names(n *yaml.Node) ([]value.Name, error) {
	n = resolveAlias(n)
	if n == nil {
		return nil, nil
	}
	if n.Kind == yaml.ScalarNode {
		name, err := l.name(n)
		if err != nil {
			return nil, err
		}
		return []value.Name{name}, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, l.errorf(n, "names must be a name or a sequence of names")
	}
	out := make([]value.Name, 0, len(n.Content))
	for _, e := range n.Content {
		name, err := l.name(e)
		if err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, nil
}

func (l *loader) relation(n *yaml.Node, at sheet.DeclOption) error {
	f, err := l.fields(n, "when", "terms")
	if err != nil {
		return err
	}
	guard, err := l.program(f["when"])
	if err != nil {
		return err
	}
	tn := resolveAlias(f["terms"])
	if tn == nil || tn.Kind != yaml.SequenceNode {
		return l.errorf(n, "relate needs a terms sequence")
	}
	terms := make([]sheet.Term, 0, len(tn.Content))
	for _, t := range tn.Content {
		tf, err := l.fields(t, "names", "expr")
		if err != nil {
			return err
		}
		names, err := l.names(tf["names"])
		if err != nil {
			return err
		}
		expr, err := l.program(tf["expr"])
		if err != nil {
			return err
		}
		terms = append(terms, sheet.Term{Names: names, Expr: expr, Pos: l.pos(t)})
	}
	return l.sheet.AddRelation(guard, terms, at)
}
