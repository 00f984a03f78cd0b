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
	"fmt"
	"sort"

	"github.com/AleutianAI/AleutianMed/services/embedding"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/reranker"
	"github.com/AleutianAI/AleutianMed/services/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var rerankTracer = otel.Tracer("aleutianmed.retrieval.rerank")

// rerankRetriever widens the dense candidate set by CandidateMultiplier,
// then lets the cross-encoder pick the top-k. Both the dense similarity
// and the rerank score stay attached to each chunk.
type rerankRetriever struct {
	cfg      Config
	provider embedding.Provider
	store    vectorstore.Store
	reranker reranker.Reranker
}

var _ Retriever = (*rerankRetriever)(nil)

func (r *rerankRetriever) Retrieve(ctx context.Context, messages []datatypes.Message, hooks *StageHooks) ([]RetrievedChunk, error) {
	ctx, span := rerankTracer.Start(ctx, "rerankRetriever.Retrieve")
	defer span.End()

	query := conversation.LatestUserMessage(messages)
	if query == "" {
		return nil, fmt.Errorf("no user message to retrieve for")
	}

	hooks.retrievalStart()

	vector, err := r.provider.EncodeOne(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	candidateK := r.cfg.TopK * r.cfg.CandidateMultiplier
	results, err := r.store.SearchDense(ctx, vector, candidateK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dense search failed")
		return nil, fmt.Errorf("dense search failed: %w", err)
	}
	hooks.retrievalComplete(len(results))

	candidates := make([]RetrievedChunk, 0, len(results))
	for _, res := range results {
		candidates = append(candidates, RetrievedChunk{Chunk: res.Chunk, DenseScore: res.Similarity})
	}

	selected, err := rerankCandidates(ctx, r.reranker, query, candidates, r.cfg.TopK, hooks)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "rerank failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("retrieval.result_count", len(selected)))
	return selected, nil
}

// rerankCandidates scores candidates against query, sorts by rerank score
// descending with a deterministic id tie-break, and truncates to topK.
// Shared by the rerank and advanced strategies.
func rerankCandidates(ctx context.Context, rr reranker.Reranker, query string, candidates []RetrievedChunk, topK int, hooks *StageHooks) ([]RetrievedChunk, error) {
	hooks.rerankingStart()

	if len(candidates) == 0 {
		hooks.rerankingComplete(0)
		return []RetrievedChunk{}, nil
	}

	passages := make([]string, len(candidates))
	for i, c := range candidates {
		passages[i] = c.Chunk.Text
	}

	scores, err := rr.Rerank(ctx, query, passages)
	if err != nil {
		return nil, fmt.Errorf("reranking failed: %w", err)
	}
	for i := range candidates {
		candidates[i].RerankScore = scores[i]
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].RerankScore != candidates[j].RerankScore {
			return candidates[i].RerankScore > candidates[j].RerankScore
		}
		return candidates[i].Chunk.ID < candidates[j].Chunk.ID
	})

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	for i := range candidates {
		candidates[i].Rank = i + 1
	}

	hooks.rerankingComplete(len(candidates))
	return candidates, nil
}
