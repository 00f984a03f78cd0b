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

	"github.com/AleutianAI/AleutianMed/services/embedding"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var simpleTracer = otel.Tracer("aleutianmed.retrieval.simple")

// simpleRetriever embeds the last user message and returns the top-k
// dense matches unchanged. History window is effectively 1.
type simpleRetriever struct {
	cfg      Config
	provider embedding.Provider
	store    vectorstore.Store
}

var _ Retriever = (*simpleRetriever)(nil)

func (r *simpleRetriever) Retrieve(ctx context.Context, messages []datatypes.Message, hooks *StageHooks) ([]RetrievedChunk, error) {
	ctx, span := simpleTracer.Start(ctx, "simpleRetriever.Retrieve")
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

	results, err := r.store.SearchDense(ctx, vector, r.cfg.TopK)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dense search failed")
		return nil, fmt.Errorf("dense search failed: %w", err)
	}
	hooks.retrievalComplete(len(results))

	chunks := make([]RetrievedChunk, 0, len(results))
	for i, res := range results {
		chunks = append(chunks, RetrievedChunk{
			Chunk:      res.Chunk,
			DenseScore: res.Similarity,
			Rank:       i + 1,
		})
	}
	span.SetAttributes(attribute.Int("retrieval.result_count", len(chunks)))
	return chunks, nil
}
