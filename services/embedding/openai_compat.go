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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var remoteTracer = otel.Tracer("aleutianmed.embedding.remote")

// remoteBatchSize caps texts per embeddings call. Some OpenAI-compatible
// gateways reject batches above 10 inputs.
const remoteBatchSize = 10

// Default endpoints for the supported OpenAI-compatible gateways.
const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	aliyunBaseURL     = "https://dashscope.aliyuncs.com/compatible-mode/v1"
)

// =============================================================================
// Struct Definition
// =============================================================================

// RemoteProvider embeds text through an OpenAI-compatible embeddings API.
//
// One implementation covers both OpenRouter and Aliyun DashScope; only the
// base URL, key variable, and default model differ between the two.
type RemoteProvider struct {
	client *openai.Client
	model  string
	name   string
	guard  dimGuard
}

var _ Provider = (*RemoteProvider)(nil)

// =============================================================================
// Constructors
// =============================================================================

// NewOpenRouterProvider builds a provider backed by OpenRouter.
//
// The key comes from cfg.APIKey or OPENROUTER_API_KEY; the model from
// cfg.Model or EMBEDDING_MODEL.
func NewOpenRouterProvider(cfg Config) (*RemoteProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	return newRemoteProvider(ProviderOpenRouter, apiKey, baseURL, cfg.Model, "openai/text-embedding-3-small")
}

// NewAliyunProvider builds a provider backed by Aliyun DashScope.
//
// The key comes from cfg.APIKey or ALIYUN_API_KEY; the model from
// cfg.Model or EMBEDDING_MODEL.
func NewAliyunProvider(cfg Config) (*RemoteProvider, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ALIYUN_API_KEY")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = aliyunBaseURL
	}
	return newRemoteProvider(ProviderAliyun, apiKey, baseURL, cfg.Model, "text-embedding-v3")
}

func newRemoteProvider(name, apiKey, baseURL, model, defaultModel string) (*RemoteProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("no API key configured for %s embedding provider", name)
	}
	if model == "" {
		model = os.Getenv("EMBEDDING_MODEL")
	}
	if model == "" {
		model = defaultModel
		slog.Warn("EMBEDDING_MODEL not set, using provider default", "provider", name, "model", model)
	}

	clientCfg := openai.DefaultConfig(apiKey)
	clientCfg.BaseURL = strings.TrimSuffix(baseURL, "/")

	slog.Info("Initializing remote embedding provider",
		"provider", name, "model", model, "base_url", clientCfg.BaseURL)
	return &RemoteProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		name:   name,
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// Encode implements Provider. Large inputs are split into batches of
// remoteBatchSize and the results reassembled in input order.
func (p *RemoteProvider) Encode(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := remoteTracer.Start(ctx, "RemoteProvider.Encode")
	defer span.End()
	span.SetAttributes(
		attribute.String("embedding.provider", p.name),
		attribute.Int("embedding.batch_size", len(texts)),
	)

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += remoteBatchSize {
		end := start + remoteBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := p.encodeBatch(ctx, texts[start:end])
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "embeddings call failed")
			return nil, err
		}
		vectors = append(vectors, batch...)
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
func (p *RemoteProvider) EncodeOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := p.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// Dimension implements Provider.
func (p *RemoteProvider) Dimension() int { return p.guard.dimension() }

// =============================================================================
// Helper Functions
// =============================================================================

func (p *RemoteProvider) encodeBatch(ctx context.Context, batch []string) ([][]float32, error) {
	var resp openai.EmbeddingResponse
	err := withBackoff(ctx, "remote_embed", func() (bool, error) {
		var callErr error
		resp, callErr = p.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: batch,
			Model: openai.EmbeddingModel(p.model),
		})
		return isTransientAPIError(callErr), callErr
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings call to %s failed: %w", p.name, err)
	}
	if len(resp.Data) != len(batch) {
		return nil, fmt.Errorf("embeddings call to %s returned %d vectors for %d inputs",
			p.name, len(resp.Data), len(batch))
	}

	vectors := make([][]float32, len(batch))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(batch) {
			return nil, fmt.Errorf("embeddings call to %s returned out-of-range index %d", p.name, item.Index)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}

// isTransientAPIError reports whether an embeddings call failure is worth
// retrying. Auth and validation failures are permanent.
func isTransientAPIError(err error) bool {
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
	// Anything else is a transport-level failure.
	return true
}
