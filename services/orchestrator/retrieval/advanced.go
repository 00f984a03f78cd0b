// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianMed/services/embedding"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/reranker"
	"github.com/AleutianAI/AleutianMed/services/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var advancedTracer = otel.Tracer("aleutianmed.retrieval.advanced")

// advancedRetriever runs the full multi-query hybrid pipeline:
//
//  1. Format the recent history window.
//  2. Expand it into query variations with a low-temperature LLM call.
//     Expansion failure or an empty list falls back to the raw message.
//  3. For every variation, run dense and (when enabled and available)
//     sparse search in parallel.
//  4. Fuse all ranked lists with reciprocal rank fusion, truncate to the
//     candidate budget.
//  5. Cross-encoder rerank down to top-k.
//
// A single variation failing its search is logged and skipped; partial
// results still feed the fusion. Only a fully empty fusion with at least
// one hard failure is an error.
type advancedRetriever struct {
	cfg      Config
	provider embedding.Provider
	store    vectorstore.Store
	reranker reranker.Reranker
	expander conversation.QueryExpander
}

var _ Retriever = (*advancedRetriever)(nil)

func (r *advancedRetriever) Retrieve(ctx context.Context, messages []datatypes.Message, hooks *StageHooks) ([]RetrievedChunk, error) {
	ctx, span := advancedTracer.Start(ctx, "advancedRetriever.Retrieve")
	defer span.End()

	rawQuery := conversation.LatestUserMessage(messages)
	if rawQuery == "" {
		return nil, fmt.Errorf("no user message to retrieve for")
	}

	queries := r.expandQueries(ctx, messages, rawQuery)
	span.SetAttributes(attribute.Int("retrieval.query_count", len(queries)))

	hooks.retrievalStart()

	lists, searchErr := r.searchAll(ctx, queries)

	candidateBudget := r.cfg.TopK * r.cfg.CandidateMultiplier
	fused := fuseRRF(lists, candidateBudget)
	if len(fused) == 0 && searchErr != nil {
		span.RecordError(searchErr)
		span.SetStatus(codes.Error, "all searches failed")
		return nil, fmt.Errorf("retrieval produced no candidates: %w", searchErr)
	}
	hooks.retrievalComplete(len(fused))

	selected, err := rerankCandidates(ctx, r.reranker, rawQuery, fused, r.cfg.TopK, hooks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rerank failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.result_count", len(selected)))
	return selected, nil
}

// expandQueries turns the conversation window into search variations.
// Any expansion failure degrades to the raw user message so retrieval
// always has at least one query to run.
func (r *advancedRetriever) expandQueries(ctx context.Context, messages []datatypes.Message, rawQuery string) []string {
	history := conversation.FormatWindow(messages, r.cfg.HistoryWindow)
	queries, err := r.expander.Expand(ctx, history, r.cfg.MaxQueries)
	if err != nil {
		slog.Warn("query expansion failed, falling back to raw query", "error", err)
		return []string{rawQuery}
	}
	if len(queries) == 0 {
		slog.Warn("query expansion produced no usable variations, falling back to raw query")
		return []string{rawQuery}
	}
	return queries
}

// searchAll fans out dense and sparse searches for every query variation
// and gathers the ranked lists. Individual search failures are logged and
// skipped; the last one is returned so the caller can surface it when
// nothing at all came back.
func (r *advancedRetriever) searchAll(ctx context.Context, queries []string) ([]resultList, error) {
	perQueryK := r.cfg.TopK * r.cfg.CandidateMultiplier
	sparseEnabled := r.cfg.KeywordSearch && r.store.SparseSupported()

	var (
		mu      sync.Mutex
		lists   []resultList
		lastErr error
	)
	record := func(list resultList, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			lastErr = err
			return
		}
		if len(list.results) > 0 {
			lists = append(lists, list)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, query := range queries {
		g.Go(func() error {
			vector, err := r.provider.EncodeOne(gctx, query)
			if err != nil {
				slog.Warn("dense search skipped: encoding failed", "query", query, "error", err)
				record(resultList{}, fmt.Errorf("encode %q: %w", query, err))
				return nil
			}
			results, err := r.store.SearchDense(gctx, vector, perQueryK)
			if err != nil {
				slog.Warn("dense search failed", "query", query, "error", err)
				record(resultList{}, fmt.Errorf("dense search %q: %w", query, err))
				return nil
			}
			record(resultList{modality: denseModality, results: results}, nil)
			return nil
		})

		if !sparseEnabled {
			continue
		}
		g.Go(func() error {
			results, err := r.store.SearchSparse(gctx, query, perQueryK, r.cfg.KeywordThreshold)
			if errors.Is(err, vectorstore.ErrSparseUnsupported) {
				slog.Warn("sparse search unavailable, continuing dense-only", "query", query)
				return nil
			}
			if err != nil {
				slog.Warn("sparse search failed", "query", query, "error", err)
				record(resultList{}, fmt.Errorf("sparse search %q: %w", query, err))
				return nil
			}
			record(resultList{modality: sparseModality, results: results}, nil)
			return nil
		})
	}
	// Workers swallow their own errors, so Wait only fails on ctx
	// cancellation propagated through gctx.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return lists, lastErr
}
