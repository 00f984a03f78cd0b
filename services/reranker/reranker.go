// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reranker scores (query, passage) pairs with a cross-encoder.
//
// Reranking is the second retrieval pass: slower and more accurate than
// embedding similarity. The model runs in a sidecar service; this package
// is its HTTP client. Scoring is deterministic for identical input, which
// the retrieval tests rely on.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutianmed.reranker")

// =============================================================================
// Interface Definition
// =============================================================================

// Reranker scores passages by relevance to a query.
//
// Scores are returned index-aligned with the input passages; higher means
// more relevant. The scale is model-defined (logits or [0,1]) and only the
// ordering is meaningful.
type Reranker interface {
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
}

// =============================================================================
// Struct Definition
// =============================================================================

// HTTPReranker calls a cross-encoder sidecar over HTTP.
//
// Design target: scoring 20 passages within ~2 seconds, so the client
// timeout leaves headroom for model warm-up without eating the whole
// request deadline.
type HTTPReranker struct {
	serviceURL string
	httpClient *http.Client
}

var _ Reranker = (*HTTPReranker)(nil)

type rerankRequest struct {
	Query    string   `json:"query"`
	Passages []string `json:"passages"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// =============================================================================
// Constructor
// =============================================================================

// NewHTTPReranker builds a client for the cross-encoder sidecar.
//
// The endpoint comes from serviceURL or RERANKER_SERVICE_URL.
func NewHTTPReranker(serviceURL string) (*HTTPReranker, error) {
	if serviceURL == "" {
		serviceURL = os.Getenv("RERANKER_SERVICE_URL")
	}
	if serviceURL == "" {
		return nil, fmt.Errorf("RERANKER_SERVICE_URL not set")
	}
	slog.Info("Initializing reranker client", "url", serviceURL)
	return &HTTPReranker{
		serviceURL: strings.TrimSuffix(serviceURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// Rerank implements Reranker.
//
// An empty passage list short-circuits to an empty score list without a
// network call. A score count that does not match the passage count is
// treated as a protocol error.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, passages []string) ([]float64, error) {
	ctx, span := tracer.Start(ctx, "HTTPReranker.Rerank")
	defer span.End()
	span.SetAttributes(attribute.Int("rerank.passage_count", len(passages)))

	if len(passages) == 0 {
		return []float64{}, nil
	}

	var result rerankResponse
	err := r.withRetries(ctx, func() (bool, error) {
		reqBody, err := json.Marshal(rerankRequest{Query: query, Passages: passages})
		if err != nil {
			return false, fmt.Errorf("failed to marshal rerank request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.serviceURL+"/rerank", bytes.NewBuffer(reqBody))
		if err != nil {
			return false, fmt.Errorf("failed to build rerank request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return true, fmt.Errorf("reranker unreachable: %w", err)
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				slog.Warn("failed to close reranker response body", "error", closeErr)
			}
		}()

		bodyBytes, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			retryable := resp.StatusCode >= http.StatusInternalServerError
			return retryable, fmt.Errorf("reranker returned %d: %s", resp.StatusCode, string(bodyBytes))
		}
		if err := json.Unmarshal(bodyBytes, &result); err != nil {
			return false, fmt.Errorf("failed to parse reranker response: %w", err)
		}
		return false, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rerank failed")
		return nil, err
	}

	if len(result.Scores) != len(passages) {
		err := fmt.Errorf("reranker returned %d scores for %d passages", len(result.Scores), len(passages))
		span.RecordError(err)
		return nil, err
	}
	return result.Scores, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

func (r *HTTPReranker) withRetries(ctx context.Context, fn func() (bool, error)) error {
	const attempts = 3
	delay := 2 * time.Second
	var err error
	var retryable bool
	for attempt := 1; attempt <= attempts; attempt++ {
		retryable, err = fn()
		if err == nil {
			return nil
		}
		if !retryable || attempt == attempts {
			return err
		}
		slog.Warn("transient reranker failure, retrying",
			"attempt", attempt, "delay", delay.String(), "error", err)
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
