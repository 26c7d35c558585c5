// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/adamsheet/services/adam/snapshot"
	"github.com/AleutianAI/adamsheet/services/adam/storage/badger"
)

func (a *app) snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Save and restore sheet inputs",
	}
	cmd.AddCommand(a.snapshotSaveCmd(), a.snapshotRestoreCmd(), a.snapshotListCmd(), a.snapshotDeleteCmd())
	return cmd
}

// withStore opens the configured snapshot store for the duration of fn.
func (a *app) withStore(fn func(*snapshot.Store) error) (err error) {
	db, err := badger.Open(a.cfg.Badger(a.logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(snapshot.NewStore(db, a.logger))
}

func (a *app) snapshotSaveCmd() *cobra.Command {
	var (
		in inputFlags
		id string
	)
	cmd := &cobra.Command{
		Use:   "save FILE",
		Short: "Apply inputs to a sheet, update it and save its inputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.load(ctx, args[0])
			if err != nil {
				return err
			}
			if err := in.apply(s); err != nil {
				return err
			}
			if err := s.Update(ctx); err != nil {
				return err
			}
			return a.withStore(func(st *snapshot.Store) error {
				saved, err := st.Save(ctx, id, s)
				if err != nil {
					return err
				}
				fmt.Fprintln(a.out, saved)
				return nil
			})
		},
	}
	in.register(cmd)
	cmd.Flags().StringVar(&id, "id", "", "snapshot id (default: a new UUID)")
	return cmd
}

func (a *app) snapshotRestoreCmd() *cobra.Command {
	var contributing bool
	cmd := &cobra.Command{
		Use:   "restore FILE ID",
		Short: "Load a sheet, restore saved inputs, update it and print the outputs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.restore(cmd.Context(), args[0], args[1], contributing)
			if err != nil {
				return err
			}
			return a.print(r)
		},
	}
	cmd.Flags().BoolVar(&contributing, "contributing", false, "include the inputs that contributed to the outputs")
	return cmd
}

func (a *app) restore(ctx context.Context, path, id string, contributing bool) (r *report, err error) {
	s, err := a.load(ctx, path)
	if err != nil {
		return nil, err
	}
	err = a.withStore(func(st *snapshot.Store) error {
		_, err := st.Restore(ctx, id, s)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := s.Update(ctx); err != nil {
		return nil, err
	}
	return buildReport(s, contributing)
}

func (a *app) snapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved snapshot ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *snapshot.Store) error {
				ids, err := st.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, id := range ids {
					fmt.Fprintln(a.out, id)
				}
				return nil
			})
		},
	}
}

func (a *app) snapshotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a saved snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(func(st *snapshot.Store) error {
				return st.Delete(cmd.Context(), args[0])
			})
		},
	}
}
