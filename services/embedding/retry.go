// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"context"
	"log/slog"
	"time"
)

const (
	maxAttempts    = 3
	retryBaseDelay = 2 * time.Second
)

// withBackoff runs fn up to maxAttempts times with exponential backoff.
// fn reports whether its error is retryable; the request deadline caps the
// total time spent waiting.
func withBackoff(ctx context.Context, label string, fn func() (retryable bool, err error)) error {
	var err error
	var retryable bool
	delay := retryBaseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		retryable, err = fn()
		if err == nil {
			return nil
		}
		if !retryable || attempt == maxAttempts {
			return err
		}
		slog.Warn("transient embedding failure, retrying",
			"op", label,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
