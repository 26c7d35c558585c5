// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package snapshot persists the settable cells of a sheet so a session can
// be resumed later.
//
// A snapshot records each input and interface value together with its
// priority. Restore replays the values in ascending priority order, so the
// restored sheet resolves relations the same way the saved one did.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/adamsheet/services/adam/sheet"
	"github.com/AleutianAI/adamsheet/services/adam/storage/badger"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

const keyPrefix = "snapshot/"

// ErrNotFound is returned when no snapshot has the requested ID.
var ErrNotFound = errors.New("snapshot not found")

var tracer = otel.Tracer("adam.snapshot")

// Entry is one saved cell.
type Entry struct {
	Name     value.Name  `json:"name"`
	Value    value.Value `json:"value"`
	Priority int64       `json:"priority"`
}

// Snapshot is a stored set of cell values.
type Snapshot struct {
	ID      string    `json:"id"`
	SavedAt time.Time `json:"saved_at"`
	Entries []Entry   `json:"entries"`
}

// Values returns the entries as a dictionary.
func (s *Snapshot) Values() value.Dictionary {
	out := make(value.Dictionary, len(s.Entries))
	for _, e := range s.Entries {
		out[e.Name] = e.Value
	}
	return out
}

// Store saves and restores snapshots.
//
// Thread Safety:
//
//	Store is safe for concurrent use. The sheets passed to it are not.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStore wraps an open database. The caller keeps ownership of db.
func NewStore(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger, now: time.Now}
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

// Save records every settable cell of s.
//
// Description:
//
//	An empty id is replaced with a fresh UUID. Saving under an existing id
//	overwrites it.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	id - Snapshot ID, or empty.
//	s - The sheet to read. It does not need to be updated.
//
// Outputs:
//
//	string - The ID the snapshot was stored under.
//	error - Non-nil if a value cannot be encoded or the write fails.
func (st *Store) Save(ctx context.Context, id string, s *sheet.Sheet) (_ string, err error) {
	ctx, span := tracer.Start(ctx, "Store.Save")
	defer func() { endSpan(span, err) }()

	if id == "" {
		id = uuid.NewString()
	}
	if strings.Contains(id, "/") {
		return "", fmt.Errorf("invalid snapshot id %q", id)
	}

	values := s.Inputs()
	snap := Snapshot{ID: id, SavedAt: st.now().UTC(), Entries: make([]Entry, 0, len(values))}
	for _, name := range values.Keys() {
		p, err := s.Priority(name)
		if err != nil {
			return "", err
		}
		snap.Entries = append(snap.Entries, Entry{Name: name, Value: values[name], Priority: p})
	}
	data, err := json.Marshal(&snap)
	if err != nil {
		return "", fmt.Errorf("encode snapshot %s: %w", id, err)
	}
	if err := st.db.Put(ctx, key(id), data); err != nil {
		return "", fmt.Errorf("store snapshot %s: %w", id, err)
	}
	span.SetAttributes(attribute.String("snapshot.id", id), attribute.Int("snapshot.entries", len(snap.Entries)))
	st.logger.Info("snapshot saved", slog.String("id", id), slog.Int("entries", len(snap.Entries)))
	return id, nil
}

// Load returns the snapshot stored under id.
func (st *Store) Load(ctx context.Context, id string) (*Snapshot, error) {
	data, err := st.db.Get(ctx, key(id))
	if errors.Is(err, badger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// Restore applies the snapshot stored under id to s.
//
// Description:
//
//	Values are Set in ascending saved priority, ties broken by name.
//	Entries naming cells that s does not have as settable cells are
//	skipped with a warning, so a snapshot survives edits to the sheet.
//	The caller must Update s afterwards.
//
// Outputs:
//
//	int - The number of cells restored.
//	error - ErrNotFound, a decode failure, or the first Set error.
func (st *Store) Restore(ctx context.Context, id string, s *sheet.Sheet) (n int, err error) {
	ctx, span := tracer.Start(ctx, "Store.Restore")
	defer func() { endSpan(span, err) }()

	snap, err := st.Load(ctx, id)
	if err != nil {
		return 0, err
	}
	entries := append([]Entry(nil), snap.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority < entries[j].Priority
		}
		return entries[i].Name < entries[j].Name
	})
	for _, e := range entries {
		if !s.HasInput(e.Name) {
			st.logger.Warn("snapshot entry has no matching cell",
				slog.String("id", id),
				slog.String("cell", string(e.Name)),
			)
			continue
		}
		if err := s.Set(e.Name, e.Value); err != nil {
			return n, err
		}
		n++
	}
	span.SetAttributes(attribute.String("snapshot.id", id), attribute.Int("snapshot.restored", n))
	return n, nil
}

// List returns the stored snapshot IDs in lexical order.
func (st *Store) List(ctx context.Context) ([]string, error) {
	keys, err := st.db.Keys(ctx, []byte(keyPrefix))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(string(k), keyPrefix))
	}
	return ids, nil
}

// Delete removes a snapshot. Deleting an unknown ID is not an error.
func (st *Store) Delete(ctx context.Context, id string) error {
	return st.db.Delete(ctx, key(id))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
