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

	"github.com/spf13/cobra"
)

func (a *app) evalCmd() *cobra.Command {
	var (
		in           inputFlags
		contributing bool
	)
	cmd := &cobra.Command{
		Use:   "eval FILE",
		Short: "Load a sheet, apply inputs, update once and print the outputs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.evaluate(cmd.Context(), args[0], &in, contributing)
			if err != nil {
				return err
			}
			return a.print(r)
		},
	}
	in.register(cmd)
	cmd.Flags().BoolVar(&contributing, "contributing", false, "include the inputs that contributed to the outputs")
	return cmd
}

func (a *app) evaluate(ctx context.Context, path string, in *inputFlags, contributing bool) (*report, error) {
	s, err := a.load(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := in.apply(s); err != nil {
		return nil, err
	}
	if err := s.Update(ctx); err != nil {
		return nil, err
	}
	return buildReport(s, contributing)
}
