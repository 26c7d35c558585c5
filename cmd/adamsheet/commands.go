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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/adamsheet/pkg/logging"
	"github.com/AleutianAI/adamsheet/services/adam/config"
	"github.com/AleutianAI/adamsheet/services/adam/decl"
	"github.com/AleutianAI/adamsheet/services/adam/sheet"
	"github.com/AleutianAI/adamsheet/services/adam/telemetry"
	"github.com/AleutianAI/adamsheet/services/adam/value"
)

const telemetryShutdownTimeout = 5 * time.Second

// app is the state shared by every command.
type app struct {
	out    io.Writer
	errOut io.Writer

	configPath string
	logLevel   string

	cfg       *config.Config
	log       *logging.Logger
	logger    *slog.Logger
	telemetry *telemetry.Providers
}

// inputFlags are the flags that assign inputs before an update.
type inputFlags struct {
	sets    []string
	touches []string
}

func (f *inputFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&f.sets, "set", nil, "assign an input, name=json (repeatable, applied in order)")
	cmd.Flags().StringArrayVar(&f.touches, "touch", nil, "raise the priority of an input without changing it (repeatable)")
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "adamsheet",
		Short:         "Evaluate constraint sheets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(a.evalCmd(), a.watchCmd(), a.snapshotCmd())
	return root
}

func (a *app) setup(ctx context.Context) error {
	cfg, err := config.Load(ctx, a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	log, err := logging.New(cfg.Logging(a.errOut))
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	a.logger = log.Slog()

	// Exporter output shares stderr with logs so stdout stays parseable.
	p, err := telemetry.Init(ctx, cfg.Exporters(a.errOut))
	if err != nil {
		return errors.Join(err, a.log.Close())
	}
	a.telemetry = p
	return nil
}

func (a *app) close() error {
	var errs []error
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
	}
	return errors.Join(errs...)
}

// load builds a sheet from a declaration file.
func (a *app) load(ctx context.Context, path string) (*sheet.Sheet, error) {
	s := sheet.New(a.cfg.SheetOptions(a.logger)...)
	sum, err := decl.Load(ctx, path, s)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("declarations loaded",
		slog.String("file", path),
		slog.String("name", sum.Name),
		slog.Int("declarations", sum.Declarations),
	)
	return s, nil
}

// apply assigns --set values in order, then touches.
func (f *inputFlags) apply(s *sheet.Sheet) error {
	for _, a := range f.sets {
		name, v, err := parseAssignment(a)
		if err != nil {
			return err
		}
		if err := s.Set(name, v); err != nil {
			return err
		}
	}
	if len(f.touches) == 0 {
		return nil
	}
	names := make([]value.Name, len(f.touches))
	for i, t := range f.touches {
		names[i] = value.Name(t)
	}
	return s.Touch(names...)
}

// parseAssignment splits name=json. A right-hand side that is not valid
// JSON is taken as a plain string.
func parseAssignment(arg string) (value.Name, value.Value, error) {
	name, raw, ok := strings.Cut(arg, "=")
	if !ok || name == "" {
		return "", value.Empty, fmt.Errorf("invalid assignment %q, want name=value", arg)
	}
	v, err := value.ParseJSON(raw)
	if err != nil {
		v = value.String(raw)
	}
	return value.Name(name), v, nil
}

// report is the printed result of an update.
type report struct {
	Values       map[string]value.Value `json:"values"`
	Derived      []string               `json:"derived,omitempty"`
	Contributing value.Dictionary       `json:"contributing,omitempty"`
}

func buildReport(s *sheet.Sheet, contributing bool) (*report, error) {
	r := &report{Values: make(map[string]value.Value)}
	for _, c := range s.Cells() {
		switch c.Kind {
		case sheet.AccessOutput, sheet.AccessInvariant, sheet.AccessInterfaceOutput:
			r.Values[string(c.Name)] = c.State
			if c.Derived {
				r.Derived = append(r.Derived, string(c.Name))
			}
		}
	}
	if contributing {
		d, err := s.Contributing(nil)
		if err != nil {
			return nil, err
		}
		r.Contributing = d
	}
	return r, nil
}

// print writes r as JSON, indented when out is a terminal.
func (a *app) print(r *report) error {
	enc := json.NewEncoder(a.out)
	if isTerminal(a.out) {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(r)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
