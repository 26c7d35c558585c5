// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command adamsheet evaluates constraint sheets from declaration files.
//
// Usage:
//
//	adamsheet eval sheet.yaml --set rate=0.07 --touch principal
//	adamsheet watch sheet.yaml
//	adamsheet snapshot save sheet.yaml --id monday --set rate=0.07
//	adamsheet snapshot restore sheet.yaml monday
//	adamsheet snapshot list
//
// Configuration is read from --config, then $ADAMSHEET_CONFIG, then the
// built-in defaults.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
