// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sheet

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for sheet operations.
var (
	tracer = otel.Tracer("adam.sheet")
	meter  = otel.Meter("adam.sheet")
)

var (
	updatesTotal      metric.Int64Counter
	updateErrorsTotal metric.Int64Counter
	dirtyCellsTotal   metric.Int64Counter
	updateDuration    metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		updatesTotal, err = meter.Int64Counter(
			"sheet_updates_total",
			metric.WithDescription("Total number of sheet updates"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		updateErrorsTotal, err = meter.Int64Counter(
			"sheet_update_errors_total",
			metric.WithDescription("Total number of failed sheet updates"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		dirtyCellsTotal, err = meter.Int64Counter(
			"sheet_dirty_cells_total",
			metric.WithDescription("Total number of cells whose value changed during an update"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		updateDuration, err = meter.Float64Histogram(
			"sheet_update_duration_seconds",
			metric.WithDescription("Duration of sheet updates"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordUpdate records the outcome of one update.
func recordUpdate(ctx context.Context, duration time.Duration, dirty int, err error) {
	if initMetrics() != nil {
		return
	}
	updatesTotal.Add(ctx, 1)
	if err != nil {
		updateErrorsTotal.Add(ctx, 1)
	}
	dirtyCellsTotal.Add(ctx, int64(dirty))
	updateDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.Bool("success", err == nil)),
	)
}

func startSpan(ctx context.Context, operation string, cells int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Sheet."+operation,
		trace.WithAttributes(attribute.Int("sheet.cells", cells)),
	)
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
