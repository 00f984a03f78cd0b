// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval selects corpus chunks relevant to a conversation.
//
// Three strategies share one interface:
//
//   - simple: embed the last user message, dense search, done.
//   - rerank: dense search over an inflated candidate set, then
//     cross-encoder reranking down to top-k.
//   - advanced: LLM query expansion over a history window, parallel
//     dense + sparse search per variation, reciprocal rank fusion,
//     then reranking.
//
// Strategies report their phase transitions through StageHooks so the
// streaming layer can emit retrieval_start/complete and
// reranking_start/complete events in order.
package retrieval

import (
	"context"
	"fmt"

	"github.com/AleutianAI/AleutianMed/services/embedding"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/reranker"
	"github.com/AleutianAI/AleutianMed/services/vectorstore"
)

// Strategy names accepted by New.
const (
	StrategySimple   = "simple"
	StrategyRerank   = "rerank"
	StrategyAdvanced = "advanced"
)

// =============================================================================
// Data Types
// =============================================================================

// RetrievedChunk is one corpus chunk with its per-request scores attached.
// Rank is the position after final ordering, starting at 1.
type RetrievedChunk struct {
	Chunk       vectorstore.Chunk
	DenseScore  float64
	SparseScore float64
	RerankScore float64
	Rank        int
}

// StageHooks receives phase notifications during a retrieve call. Any
// field may be nil; the fire helpers are nil-safe.
type StageHooks struct {
	RetrievalStart    func()
	RetrievalComplete func(docCount int)
	RerankingStart    func()
	RerankingComplete func(selected int)
}

func (h *StageHooks) retrievalStart() {
	if h != nil && h.RetrievalStart != nil {
		h.RetrievalStart()
	}
}

func (h *StageHooks) retrievalComplete(docCount int) {
	if h != nil && h.RetrievalComplete != nil {
		h.RetrievalComplete(docCount)
	}
}

func (h *StageHooks) rerankingStart() {
	if h != nil && h.RerankingStart != nil {
		h.RerankingStart()
	}
}

func (h *StageHooks) rerankingComplete(selected int) {
	if h != nil && h.RerankingComplete != nil {
		h.RerankingComplete(selected)
	}
}

// =============================================================================
// Interface Definition
// =============================================================================

// Retriever returns chunks relevant to the tail of a transcript, ordered
// by final relevance.
//
// Strategies decide how much of the transcript they consume: simple and
// rerank look only at the last user message, advanced formats a history
// window. Single-message callers pass a one-element slice.
type Retriever interface {
	Retrieve(ctx context.Context, messages []datatypes.Message, hooks *StageHooks) ([]RetrievedChunk, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config selects and tunes a strategy.
type Config struct {
	// Strategy is one of simple, rerank, advanced.
	Strategy string
	// TopK is the number of chunks returned. Default 5.
	TopK int
	// CandidateMultiplier inflates the candidate set before reranking.
	// Default 4.
	CandidateMultiplier int
	// MaxQueries caps expansion variations (advanced only). Default 10.
	MaxQueries int
	// HistoryWindow is how many transcript turns feed expansion
	// (advanced only). Default 5.
	HistoryWindow int
	// KeywordSearch enables the sparse trigram side of hybrid search.
	KeywordSearch bool
	// KeywordThreshold drops sparse matches below this trigram
	// similarity. Default 0.1: raw trigram similarity of short queries
	// against long passages is low.
	KeywordThreshold float64
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyAdvanced
	}
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.CandidateMultiplier <= 0 {
		c.CandidateMultiplier = 4
	}
	if c.MaxQueries <= 0 {
		c.MaxQueries = 10
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 5
	}
	if c.KeywordThreshold <= 0 {
		c.KeywordThreshold = 0.1
	}
}

// =============================================================================
// Constructor
// =============================================================================

// New builds the retriever named by cfg.Strategy.
//
// The reranker may be nil for the simple strategy; the expander is only
// required by advanced.
func New(cfg Config, provider embedding.Provider, store vectorstore.Store, rr reranker.Reranker, expander conversation.QueryExpander) (Retriever, error) {
	cfg.applyDefaults()
	if provider == nil {
		return nil, fmt.Errorf("retrieval: embedding provider is required")
	}
	if store == nil {
		return nil, fmt.Errorf("retrieval: vector store is required")
	}

	switch cfg.Strategy {
	case StrategySimple:
		return &simpleRetriever{cfg: cfg, provider: provider, store: store}, nil
	case StrategyRerank:
		if rr == nil {
			return nil, fmt.Errorf("retrieval: rerank strategy requires a reranker")
		}
		return &rerankRetriever{cfg: cfg, provider: provider, store: store, reranker: rr}, nil
	case StrategyAdvanced:
		if rr == nil {
			return nil, fmt.Errorf("retrieval: advanced strategy requires a reranker")
		}
		if expander == nil {
			return nil, fmt.Errorf("retrieval: advanced strategy requires a query expander")
		}
		return &advancedRetriever{cfg: cfg, provider: provider, store: store, reranker: rr, expander: expander}, nil
	default:
		return nil, fmt.Errorf("retrieval: unknown strategy %q", cfg.Strategy)
	}
}
