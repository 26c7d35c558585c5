// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sheet implements the constraint-sheet engine.
//
// A Sheet holds named cells and relate clauses. Callers declare cells with
// the Add* methods, assign inputs with Set and Touch, and call Update to
// resolve relations, evaluate outputs, check invariants and notify
// monitors.
//
// Thread Safety:
//
//	A Sheet is NOT safe for concurrent use. Calls are synchronous and the
//	only re-entry permitted is the evaluator resolving cells through the
//	sheet while Update, Inspect or Get is running. Set and Update return
//	ErrReentrant when called from inside an update, including from a
//	monitor callback.
package sheet

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/AleutianAI/adamsheet/services/adam/adamerr"
	"github.com/AleutianAI/adamsheet/services/adam/value"
	"github.com/AleutianAI/adamsheet/services/adam/vm"
)

// Option configures a Sheet.
type Option func(*Sheet)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sheet) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxCells caps the number of cells a sheet may declare. Zero means
// unbounded. Each interface declaration counts as two cells.
func WithMaxCells(n int) Option {
	return func(s *Sheet) { s.maxCells = n }
}

// WithMachineOptions installs evaluator hooks such as function lookups,
// index lookups, binary overrides and a localizer. The variable lookup is
// always owned by the sheet and cannot be replaced.
func WithMachineOptions(opts ...vm.Option) Option {
	return func(s *Sheet) { s.machineOpts = append(s.machineOpts, opts...) }
}

// DeclOption configures a single declaration.
type DeclOption func(*declConfig)

type declConfig struct {
	pos adamerr.Position
}

// At tags a declaration with its source position. Errors raised for the
// declared cell, at declaration or evaluation time, carry this position.
func At(pos adamerr.Position) DeclOption {
	return func(c *declConfig) { c.pos = pos }
}

func declOptions(opts []DeclOption) declConfig {
	var c declConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// getFrame is an interface output under evaluation. Once its relation
// term has been applied, term holds the value later self-reads return.
type getFrame struct {
	name    value.Name
	applied bool
	term    value.Value
	termSet bool
}

// Sheet is the constraint solver.
type Sheet struct {
	logger      *slog.Logger
	maxCells    int
	machineOpts []vm.Option
	machine     *vm.Machine

	cells     []cell
	relations []relation

	// byName resolves every name; an interface name maps to its output half.
	byName map[value.Name]int
	// inputs holds settable cells: inputs and interface input halves.
	inputs map[value.Name]int
	// outputs holds outputs, interface output halves and invariants.
	outputs map[value.Name]int

	outputCells []int
	invariants  []int
	interfaces  []int

	priorityHigh int64
	priorityLow  int64

	priorityAccessed    *bitset.BitSet
	valueAccessed       *bitset.BitSet
	active              *bitset.BitSet
	initDirty           *bitset.BitSet
	accumulate          *bitset.BitSet
	conditionalIndirect *bitset.BitSet
	poison              *bitset.BitSet

	getCount   int
	getStack   []getFrame
	guardPhase bool
	updating   bool
	updated    bool

	monitors monitors
}

// New creates an empty sheet.
func New(opts ...Option) *Sheet {
	s := &Sheet{
		logger:              slog.Default(),
		byName:              make(map[value.Name]int),
		inputs:              make(map[value.Name]int),
		outputs:             make(map[value.Name]int),
		priorityAccessed:    bitset.New(0),
		valueAccessed:       bitset.New(0),
		active:              bitset.New(0),
		initDirty:           bitset.New(0),
		accumulate:          bitset.New(0),
		conditionalIndirect: bitset.New(0),
		poison:              bitset.New(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.machine = vm.NewMachine(s.machineOpts...)
	s.machine.Apply(vm.WithVariableLookup(s.get))
	return s
}

// Len returns the number of cells, counting both halves of an interface.
func (s *Sheet) Len() int {
	return len(s.cells)
}

func (s *Sheet) checkDeclaration(op string, name value.Name, n int, pos adamerr.Position) error {
	if s.updating {
		return s.declError(adamerr.KindReentrant, op, name, pos, "declaration during update")
	}
	if name == "" || strings.HasPrefix(string(name), ".") {
		return s.declError(adamerr.KindInvalidDeclaration, op, name, pos, "invalid cell name %q", name)
	}
	if _, ok := s.byName[name]; ok {
		return s.declError(adamerr.KindDuplicateCell, op, name, pos, "%s", name)
	}
	if s.maxCells > 0 && len(s.cells)+n > s.maxCells {
		return s.declError(adamerr.KindInvalidDeclaration, op, name, pos, "sheet is limited to %d cells", s.maxCells)
	}
	return nil
}

func (s *Sheet) declError(kind adamerr.Kind, op string, name value.Name, pos adamerr.Position, format string, args ...any) error {
	e := adamerr.New(kind, format, args...)
	e.Op = op
	e.Cell = string(name)
	e.Pos = pos
	return e
}

// initialize evaluates an initializer with a fresh accumulation and
// returns the value and the cells it read.
func (s *Sheet) initialize(p vm.Program) (value.Value, *bitset.BitSet, error) {
	if len(p) == 0 {
		return value.Empty, bitset.New(0), nil
	}
	saved := s.accumulate
	s.accumulate = bitset.New(uint(len(s.cells)))
	v, err := s.machine.Run(p)
	acc := s.accumulate
	s.accumulate = saved
	return v, acc, err
}

func (s *Sheet) appendCell(c cell) int {
	idx := len(s.cells)
	s.cells = append(s.cells, c)
	return idx
}

// AddInput declares an input cell whose initial value is the result of
// init. An empty init leaves the cell empty.
func (s *Sheet) AddInput(name value.Name, init vm.Program, opts ...DeclOption) error {
	dc := declOptions(opts)
	if err := s.checkDeclaration("add_input", name, 1, dc.pos); err != nil {
		return err
	}
	v, _, err := s.initialize(init)
	if err != nil {
		return adamerr.Wrap(err, "add_input", string(name), dc.pos)
	}

	c := newCell(name, AccessInput, dc.pos)
	c.init = init
	c.state = v
	s.priorityHigh++
	c.priority = s.priorityHigh
	idx := s.appendCell(c)
	s.cells[idx].contributing.Set(uint(idx))

	s.byName[name] = idx
	s.inputs[name] = idx
	return nil
}

// AddOutput declares an output cell computed from expr.
func (s *Sheet) AddOutput(name value.Name, expr vm.Program, opts ...DeclOption) error {
	return s.addExpression("add_output", AccessOutput, name, expr, opts)
}

// AddLogic declares an internal cell computed from expr. Logic cells are
// evaluated only when another expression reads them.
func (s *Sheet) AddLogic(name value.Name, expr vm.Program, opts ...DeclOption) error {
	return s.addExpression("add_logic", AccessLogic, name, expr, opts)
}

// AddInvariant declares a cell whose expression must evaluate to a
// boolean. A false invariant poisons every cell it reads.
func (s *Sheet) AddInvariant(name value.Name, expr vm.Program, opts ...DeclOption) error {
	return s.addExpression("add_invariant", AccessInvariant, name, expr, opts)
}

func (s *Sheet) addExpression(op string, kind AccessKind, name value.Name, expr vm.Program, opts []DeclOption) error {
	dc := declOptions(opts)
	if err := s.checkDeclaration(op, name, 1, dc.pos); err != nil {
		return err
	}
	if len(expr) == 0 {
		return s.declError(adamerr.KindInvalidDeclaration, op, name, dc.pos, "empty expression")
	}

	c := newCell(name, kind, dc.pos)
	c.calc = calcExpression
	c.expr = expr
	idx := s.appendCell(c)

	s.byName[name] = idx
	switch kind {
	case AccessOutput:
		s.outputs[name] = idx
		s.outputCells = append(s.outputCells, idx)
	case AccessInvariant:
		s.outputs[name] = idx
		s.outputCells = append(s.outputCells, idx)
		s.invariants = append(s.invariants, idx)
	}
	return nil
}

// AddConstant declares a constant whose value is the result of init,
// evaluated once now.
func (s *Sheet) AddConstant(name value.Name, init vm.Program, opts ...DeclOption) error {
	dc := declOptions(opts)
	if err := s.checkDeclaration("add_constant", name, 1, dc.pos); err != nil {
		return err
	}
	v, _, err := s.initialize(init)
	if err != nil {
		return adamerr.Wrap(err, "add_constant", string(name), dc.pos)
	}
	return s.addConstant(name, v, dc.pos)
}

// AddConstantValue declares a constant holding v.
func (s *Sheet) AddConstantValue(name value.Name, v value.Value, opts ...DeclOption) error {
	dc := declOptions(opts)
	if err := s.checkDeclaration("add_constant", name, 1, dc.pos); err != nil {
		return err
	}
	return s.addConstant(name, v, dc.pos)
}

func (s *Sheet) addConstant(name value.Name, v value.Value, pos adamerr.Position) error {
	c := newCell(name, AccessConstant, pos)
	c.state = v
	c.evaluated = true
	idx := s.appendCell(c)
	s.cells[idx].contributing.Set(uint(idx))
	s.byName[name] = idx
	return nil
}

// AddInterface declares an interface cell: a settable input half and an
// output half computed from expr.
//
// Description:
//
//	The input half is initialized from init, evaluated now; the cells it
//	reads are remembered for Reinitialize. An empty expr makes the output
//	half mirror the input half, unless a relate clause derives it. When
//	linked is true the output half's value is written back into the input
//	half every update.
//
// Inputs:
//
//	name - Cell name. Must be unique and must not start with '.'.
//	linked - Whether the output writes back to the input.
//	init - Initializer program. May be empty.
//	expr - Output expression. May be empty.
//
// Outputs:
//
//	error - ErrDuplicateCell, ErrInvalidDeclaration, or an evaluation
//	        error raised by init.
func (s *Sheet) AddInterface(name value.Name, linked bool, init, expr vm.Program, opts ...DeclOption) error {
	dc := declOptions(opts)
	if err := s.checkDeclaration("add_interface", name, 2, dc.pos); err != nil {
		return err
	}
	v, acc, err := s.initialize(init)
	if err != nil {
		return adamerr.Wrap(err, "add_interface", string(name), dc.pos)
	}

	in := newCell(name, AccessInterfaceInput, dc.pos)
	in.init = init
	in.linked = linked
	in.state = v
	in.initContributing = acc
	s.priorityHigh++
	in.priority = s.priorityHigh
	inIdx := s.appendCell(in)
	s.cells[inIdx].interfaceInput = inIdx
	s.cells[inIdx].contributing.Set(uint(inIdx))

	if len(expr) == 0 {
		expr = vm.NewBuilder().Variable(name).Program()
	}
	out := newCell(name, AccessInterfaceOutput, dc.pos)
	out.calc = calcExpression
	out.expr = expr
	out.linked = linked
	out.interfaceInput = inIdx
	outIdx := s.appendCell(out)

	s.byName[name] = outIdx
	s.inputs[name] = inIdx
	s.outputs[name] = outIdx
	s.outputCells = append(s.outputCells, outIdx)
	s.interfaces = append(s.interfaces, inIdx)
	return nil
}

// AddRelation declares a relate clause.
//
// Description:
//
//	Each term names one or more interface cells and the expression that
//	derives them. Every update at most one term is live: the flow
//	algorithm picks it from the priorities of the named cells. When guard
//	is non-empty and evaluates false the clause is skipped for that
//	update.
//
// Inputs:
//
//	guard - Boolean program. May be empty.
//	terms - At least two alternatives. Every name must be an interface.
//
// Outputs:
//
//	error - ErrInvalidDeclaration, ErrVariableNotFound or
//	        ErrNonInterfaceRelation.
func (s *Sheet) AddRelation(guard vm.Program, terms []Term, opts ...DeclOption) error {
	const op = "add_relation"
	dc := declOptions(opts)
	if s.updating {
		return s.declError(adamerr.KindReentrant, op, "", dc.pos, "declaration during update")
	}
	if len(terms) < 2 {
		return s.declError(adamerr.KindInvalidDeclaration, op, "", dc.pos, "relate clause needs at least two terms, got %d", len(terms))
	}

	r := relation{guard: guard, pos: dc.pos, live: noIndex}
	seen := make(map[int]bool)
	for _, t := range terms {
		pos := t.Pos
		if pos.IsZero() {
			pos = dc.pos
		}
		if len(t.Names) == 0 {
			return s.declError(adamerr.KindInvalidDeclaration, op, "", pos, "relation term names no cells")
		}
		if len(t.Expr) == 0 {
			return s.declError(adamerr.KindInvalidDeclaration, op, "", pos, "relation term has no expression")
		}
		rt := term{names: t.Names, expr: t.Expr, pos: pos}
		for _, n := range t.Names {
			idx, ok := s.byName[n]
			if !ok {
				return s.declError(adamerr.KindVariableNotFound, op, n, pos, "%s", n)
			}
			if s.cells[idx].kind != AccessInterfaceOutput {
				return s.declError(adamerr.KindNonInterfaceRelation, op, n, pos, "%s is %s", n, s.cells[idx].kind)
			}
			rt.cells = append(rt.cells, idx)
			if !seen[idx] {
				seen[idx] = true
				r.edges = append(r.edges, idx)
			}
		}
		r.terms = append(r.terms, rt)
	}

	ri := len(s.relations)
	s.relations = append(s.relations, r)
	for _, e := range r.edges {
		c := &s.cells[e]
		c.relationIndex = append(c.relationIndex, ri)
		c.initialRelationCount++
	}
	return nil
}

// Set assigns an input and raises its priority above every other input.
func (s *Sheet) Set(name value.Name, v value.Value) error {
	if s.updating {
		return adamerr.Wrap(adamerr.New(adamerr.KindReentrant, "set during update"), "set", string(name), adamerr.Position{})
	}
	idx, err := s.settable("set", name)
	if err != nil {
		return err
	}
	c := &s.cells[idx]
	c.state = v
	s.priorityHigh++
	c.priority = s.priorityHigh
	s.initDirty.Set(uint(idx))
	return nil
}

// SetAll assigns every entry of values, in key order.
func (s *Sheet) SetAll(values value.Dictionary) error {
	for _, k := range values.Keys() {
		if err := s.Set(k, values[k]); err != nil {
			return err
		}
	}
	return nil
}

// Touch raises the priority of each named input without changing its
// value. Later names end up with higher priority.
func (s *Sheet) Touch(names ...value.Name) error {
	if s.updating {
		return adamerr.Wrap(adamerr.New(adamerr.KindReentrant, "touch during update"), "touch", "", adamerr.Position{})
	}
	for _, name := range names {
		idx, err := s.settable("touch", name)
		if err != nil {
			return err
		}
		s.priorityHigh++
		s.cells[idx].priority = s.priorityHigh
	}
	return nil
}

func (s *Sheet) settable(op string, name value.Name) (int, error) {
	if idx, ok := s.inputs[name]; ok {
		return idx, nil
	}
	kind := adamerr.KindVariableNotFound
	if _, ok := s.byName[name]; ok {
		kind = adamerr.KindNotSettable
	}
	e := adamerr.New(kind, "%s", name)
	e.Op = op
	e.Cell = string(name)
	return 0, e
}

// Priority returns the current priority of a settable cell.
func (s *Sheet) Priority(name value.Name) (int64, error) {
	idx, err := s.settable("priority", name)
	if err != nil {
		return 0, err
	}
	return s.cells[idx].priority, nil
}

// Get resolves name against the current state, evaluating it if it has
// not been evaluated during the last update.
func (s *Sheet) Get(name value.Name) (value.Value, error) {
	saved := s.accumulate
	s.accumulate = bitset.New(uint(len(s.cells)))
	defer func() { s.accumulate = saved }()
	v, err := s.get(name)
	if err != nil {
		return value.Empty, adamerr.Wrap(err, "get", string(name), adamerr.Position{})
	}
	return v, nil
}

// At returns the stored state of a cell without evaluating anything. It
// requires a prior Update.
func (s *Sheet) At(name value.Name) (value.Value, error) {
	if !s.updated {
		return value.Empty, adamerr.Wrap(adamerr.New(adamerr.KindNotUpdated, "at %s", name), "at", string(name), adamerr.Position{})
	}
	idx, ok := s.byName[name]
	if !ok {
		return value.Empty, adamerr.Wrap(adamerr.New(adamerr.KindVariableNotFound, "%s", name), "at", string(name), adamerr.Position{})
	}
	return s.cells[idx].state, nil
}

// Inspect evaluates p against the current state without changing any
// input. Cells p reads that were not evaluated by the last update are
// evaluated and cached until the next update, exactly as Get does;
// linked interfaces are only written back by Update.
func (s *Sheet) Inspect(ctx context.Context, p vm.Program) (v value.Value, err error) {
	_, span := startSpan(ctx, "Inspect", len(s.cells))
	defer func() { endSpan(span, err) }()

	saved := s.accumulate
	s.accumulate = bitset.New(uint(len(s.cells)))
	defer func() { s.accumulate = saved }()

	v, err = s.machine.Run(p)
	if err != nil {
		return value.Empty, adamerr.Wrap(err, "inspect", "", adamerr.Position{})
	}
	return v, nil
}

// HasInput reports whether name is a settable cell.
func (s *Sheet) HasInput(name value.Name) bool {
	_, ok := s.inputs[name]
	return ok
}

// HasOutput reports whether name is an output, interface or invariant.
func (s *Sheet) HasOutput(name value.Name) bool {
	_, ok := s.outputs[name]
	return ok
}

// Inputs returns the current value of every settable cell.
func (s *Sheet) Inputs() value.Dictionary {
	out := make(value.Dictionary, len(s.inputs))
	for name, idx := range s.inputs {
		out[name] = s.cells[idx].state
	}
	return out
}

// Cells lists every cell in declaration order. Interfaces appear twice,
// once per half.
func (s *Sheet) Cells() []CellInfo {
	out := make([]CellInfo, 0, len(s.cells))
	for i := range s.cells {
		c := &s.cells[i]
		info := CellInfo{
			Name:     c.name,
			Kind:     c.kind,
			Priority: c.priority,
			Linked:   c.linked,
			Derived:  c.hasTerm,
			State:    c.state,
		}
		if c.kind == AccessInterfaceOutput {
			info.Priority = s.cells[c.interfaceInput].priority
		}
		out = append(out, info)
	}
	return out
}
