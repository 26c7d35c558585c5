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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"
)

const (
	watchDebounce   = 100 * time.Millisecond
	metricsShutdown = 5 * time.Second
)

func (a *app) watchCmd() *cobra.Command {
	var (
		in           inputFlags
		contributing bool
	)
	cmd := &cobra.Command{
		Use:   "watch FILE",
		Short: "Re-evaluate a sheet every time its declaration file changes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			g, ctx := errgroup.WithContext(cmd.Context())
			if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
				lis, err := net.Listen("tcp", addr)
				if err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
				g.Go(func() error {
					return a.serveMetrics(ctx, lis)
				})
			}
			g.Go(func() error {
				return a.watch(ctx, args[0], func() {
					r, err := a.evaluate(ctx, args[0], &in, contributing)
					if err != nil {
						// Keep watching; the next save may fix it.
						fmt.Fprintln(a.errOut, "error:", err)
						return
					}
					if err := a.print(r); err != nil {
						a.logger.Warn("print failed", slog.String("error", err.Error()))
					}
				})
			})
			return g.Wait()
		},
	}
	in.register(cmd)
	cmd.Flags().BoolVar(&contributing, "contributing", false, "include the inputs that contributed to the outputs")
	return cmd
}

// watch calls run once, then again after each debounced change to path,
// until ctx is done.
//
// The parent directory is watched rather than the file because editors
// commonly save by renaming a new file over the old one.
func (a *app) watch(ctx context.Context, path string, run func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	run()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			a.logger.Debug("declaration file changed", slog.String("file", abs), slog.String("op", ev.Op.String()))
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			run()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// metricsRouter exposes /metrics and a /healthz probe.
func metricsRouter(metrics http.Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("adamsheet"))
	router.GET("/metrics", gin.WrapH(metrics))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return router
}

// serveMetrics serves metricsRouter on lis until ctx is done.
func (a *app) serveMetrics(ctx context.Context, lis net.Listener) error {
	handler := a.telemetry.MetricsHandler()
	if handler == nil {
		lis.Close()
		return errors.New("metrics_addr set but the prometheus exporter is not active")
	}
	srv := &http.Server{Handler: metricsRouter(handler), ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("serving metrics", slog.String("addr", lis.Addr().String()))
		errc <- srv.Serve(lis)
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdown)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
