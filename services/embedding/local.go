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

var localTracer = otel.Tracer("aleutianmed.embedding.local")

// =============================================================================
// Struct Definition
// =============================================================================

// LocalProvider calls a sidecar embedding service over HTTP.
//
// The sidecar exposes a single /embed endpoint that embeds one text per
// call, so batches are processed sequentially. This keeps the sidecar
// simple; throughput-sensitive deployments should prefer a remote provider.
type LocalProvider struct {
	serviceURL string
	httpClient *http.Client
	guard      dimGuard
}

var _ Provider = (*LocalProvider)(nil)

type embedRequest struct {
	Text string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
	Dim    int       `json:"dim"`
}

// =============================================================================
// Constructor
// =============================================================================

// NewLocalProvider builds a provider for the sidecar embedding service.
//
// The endpoint comes from cfg.ServiceURL or EMBEDDING_SERVICE_URL.
func NewLocalProvider(cfg Config) (*LocalProvider, error) {
	serviceURL := cfg.ServiceURL
	if serviceURL == "" {
		serviceURL = os.Getenv("EMBEDDING_SERVICE_URL")
	}
	if serviceURL == "" {
		return nil, fmt.Errorf("EMBEDDING_SERVICE_URL not set for local embedding provider")
	}
	slog.Info("Initializing local embedding provider", "url", serviceURL)
	return &LocalProvider{
		serviceURL: strings.TrimSuffix(serviceURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// Encode implements Provider.
func (p *LocalProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := localTracer.Start(ctx, "LocalProvider.Encode")
	defer span.End()
	span.SetAttributes(attribute.Int("embedding.batch_size", len(texts)))

	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := p.embedOne(ctx, text)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "embed failed")
			return nil, err
		}
		vectors = append(vectors, vec)
	}

	if err := p.guard.check(vectors); err != nil {
		span.RecordError(err)
		return nil, err
	}
	for _, v := range vectors {
		l2Normalize(v)
	}
	return vectors, nil
}

// EncodeOne implements Provider.
func (p *LocalProvider) EncodeOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension implements Provider.
func (p *LocalProvider) Dimension() int { return p.guard.dimension() }

// =============================================================================
// Helper Functions
// =============================================================================

func (p *LocalProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	var result embedResponse
	err := withBackoff(ctx, "local_embed", func() (bool, error) {
		reqBody, err := json.Marshal(embedRequest{Text: text})
		if err != nil {
			return false, fmt.Errorf("failed to marshal embed request: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serviceURL, bytes.NewBuffer(reqBody))
		if err != nil {
			return false, fmt.Errorf("failed to build embed request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return true, fmt.Errorf("embedding service unreachable: %w", err)
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				slog.Warn("failed to close embedding response body", "error", closeErr)
			}
		}()

		bodyBytes, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			retryable := resp.StatusCode >= http.StatusInternalServerError
			return retryable, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(bodyBytes))
		}

		if err := json.Unmarshal(bodyBytes, &result); err != nil {
			return false, fmt.Errorf("failed to parse embedding response: %w", err)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if len(result.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return result.Vector, nil
}
