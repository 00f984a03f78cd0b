// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embedding turns text into dense vectors for retrieval.
//
// Three providers are supported, selected by EMBEDDING_PROVIDER:
//
//   - local: a sidecar embedding service reachable over HTTP
//   - openrouter: OpenAI-compatible embeddings via OpenRouter
//   - aliyun: OpenAI-compatible embeddings via Aliyun DashScope
//
// All providers L2-normalise their output so downstream cosine similarity
// reduces to a dot product, batch large inputs to respect provider limits,
// and retry transient upstream faults with bounded backoff.
//
// The vector dimension is not configured anywhere. It is learned from the
// first successful encode and every later result is validated against it;
// a mismatch indicates a model swap mid-flight and is fatal.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

// Provider names accepted by NewProvider.
const (
	ProviderLocal      = "local"
	ProviderOpenRouter = "openrouter"
	ProviderAliyun     = "aliyun"
)

// ErrDimensionMismatch is returned when a provider emits vectors whose
// dimension differs from the one learned on the first encode.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// =============================================================================
// Interface Definition
// =============================================================================

// Provider is the contract for all embedding backends.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; they are shared as
// process-lifetime singletons.
type Provider interface {
	// Encode embeds a batch of texts. The result has the same arity and
	// order as the input. Vectors are L2-normalised.
	Encode(ctx context.Context, texts []string) ([][]float32, error)

	// EncodeOne embeds a single text.
	EncodeOne(ctx context.Context, text string) ([]float32, error)

	// Dimension reports the learned vector dimension, or 0 before the
	// first successful encode.
	Dimension() int
}

// =============================================================================
// Configuration
// =============================================================================

// Config selects and parameterises an embedding provider.
type Config struct {
	// Provider is one of local, openrouter, aliyun.
	Provider string
	// Model is the provider-specific embedding model name.
	Model string
	// ServiceURL is the local sidecar endpoint (local provider only).
	ServiceURL string
	// APIKey authenticates remote providers.
	APIKey string
	// BaseURL overrides the remote provider endpoint.
	BaseURL string
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Provider {
	case ProviderLocal, "":
		return NewLocalProvider(cfg)
	case ProviderOpenRouter:
		return NewOpenRouterProvider(cfg)
	case ProviderAliyun:
		return NewAliyunProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// =============================================================================
// Dimension Guard
// =============================================================================

// dimGuard learns the vector dimension from the first result and enforces
// it on every subsequent one.
type dimGuard struct {
	mu  sync.Mutex
	dim int
}

func (g *dimGuard) check(vectors [][]float32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range vectors {
		if g.dim == 0 {
			if len(v) == 0 {
				return fmt.Errorf("%w: provider returned an empty vector", ErrDimensionMismatch)
			}
			g.dim = len(v)
			continue
		}
		if len(v) != g.dim {
			return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, g.dim, len(v))
		}
	}
	return nil
}

func (g *dimGuard) dimension() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dim
}

// =============================================================================
// Helper Functions
// =============================================================================

// l2Normalize scales v to unit length in place. Zero vectors pass through
// unchanged rather than dividing by zero.
func l2Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}
