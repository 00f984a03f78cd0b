// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Retry policy for outbound completion calls. Transient upstream faults are
// retried with exponential backoff; the request deadline always wins.
const (
	maxAttempts  = 3
	retryBaseDelay = 2 * time.Second
)

// withRetries runs fn up to maxAttempts times, doubling the delay between
// attempts starting at retryBaseDelay. Non-transient errors and context
// cancellation stop the loop immediately.
func withRetries(ctx context.Context, label string, fn func() error) error {
	var err error
	delay := retryBaseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == maxAttempts {
			return err
		}
		slog.Warn("transient upstream failure, retrying",
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

// isTransient reports whether err looks like a recoverable upstream fault.
//
// 5xx statuses, 429 rate limiting, and network-level timeouts are retried.
// Auth failures, bad requests, and unknown models are not.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= http.StatusInternalServerError ||
			apiErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= http.StatusInternalServerError ||
			reqErr.HTTPStatusCode == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	// Connection resets and refused dials arrive as *net.OpError.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
