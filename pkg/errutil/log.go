// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

// Package errutil turns oops-decorated errors into structured log output
// and test assertions, so the code and context attached at the failure
// site survive to wherever the error is reported.
package errutil

import (
	"log/slog"

	"github.com/samber/oops"
)

// Attrs flattens an error into slog attributes. Oops errors contribute
// their code and context alongside the message; any other error yields
// just the message.
func Attrs(err error) []any {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return []any{"error", err}
	}
	attrs := []any{"error", oopsErr.Error()}
	if code := oopsErr.Code(); code != "" {
		attrs = append(attrs, "code", code)
	}
	if ctx := oopsErr.Context(); len(ctx) > 0 {
		attrs = append(attrs, "context", ctx)
	}
	return attrs
}

// LogError reports err at error level with its code and context attached.
func LogError(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, Attrs(err)...)
}
