// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/AleutianAI/AleutianMed/services/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var expansionTracer = otel.Tracer("aleutianmed.conversation.expansion")

// =============================================================================
// Interface Definition
// =============================================================================

// QueryExpander turns a formatted conversation window into search query
// variations.
//
// The returned slice is already filtered: trimmed, no empties, no
// punctuation-only entries, deduplicated preserving first occurrence, and
// capped at maxQueries. An empty slice means the caller should fall back
// to the raw user query.
type QueryExpander interface {
	Expand(ctx context.Context, history string, maxQueries int) ([]string, error)
}

// =============================================================================
// Struct Definition
// =============================================================================

// LLMQueryExpander implements QueryExpander with a low-temperature LLM
// call that emits a JSON object of query strings.
type LLMQueryExpander struct {
	llmClient llm.LLMClient
}

var _ QueryExpander = (*LLMQueryExpander)(nil)

// NewLLMQueryExpander builds an expander over the given LLM client.
// Panics on a nil client: the expander is wired at startup and a nil
// dependency there is a programming error.
func NewLLMQueryExpander(llmClient llm.LLMClient) *LLMQueryExpander {
	if llmClient == nil {
		panic("conversation: NewLLMQueryExpander requires a non-nil LLM client")
	}
	return &LLMQueryExpander{llmClient: llmClient}
}

// =============================================================================
// Methods
// =============================================================================

const expansionPromptTemplate = `You generate search queries for a medical knowledge base.

Given the conversation below, produce up to %d search query variations for the user's latest question.

Rules:
- If the question mentions multiple drugs, conditions, or entities, write one sub-query per entity.
- Cover the distinct aspects of the question (mechanism, dosing, interactions, side effects) when they apply.
- Translate non-English terms into English, but keep Latin medical terminology as-is.
- Never output an empty query or a query made only of punctuation.
- Output only a JSON object of the form {"queries": ["...", "..."]} with no other text.

Conversation:
%s`

// Expand implements QueryExpander.
//
// # Description
//
// Asks the model for up to maxQueries variations and post-filters the
// answer. LLM output is hostile input: the response may wrap the JSON in
// prose, repeat entries, or include junk queries, so the parse is lenient
// and the filter strict. Filter and dedup counts are logged for tuning.
func (e *LLMQueryExpander) Expand(ctx context.Context, history string, maxQueries int) ([]string, error) {
	ctx, span := expansionTracer.Start(ctx, "LLMQueryExpander.Expand")
	defer span.End()

	if maxQueries <= 0 {
		maxQueries = 1
	}
	span.SetAttributes(attribute.Int("expansion.max_queries", maxQueries))

	prompt := fmt.Sprintf(expansionPromptTemplate, maxQueries, history)
	raw, err := e.llmClient.Generate(ctx, prompt, llm.GenerationParams{
		Temperature: llm.Float32Ptr(0.1),
		MaxTokens:   llm.IntPtr(512),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expansion generation failed")
		return nil, fmt.Errorf("query expansion failed: %w", err)
	}

	parsed, err := parseExpansionResponse(raw)
	if err != nil {
		span.RecordError(err)
		slog.Warn("unparseable expansion response, falling back to raw query", "error", err)
		return nil, nil
	}

	queries, dropped, duplicates := filterQueries(parsed, maxQueries)
	span.SetAttributes(
		attribute.Int("expansion.generated", len(parsed)),
		attribute.Int("expansion.kept", len(queries)),
	)
	slog.Debug("expanded query variations",
		"generated", len(parsed),
		"kept", len(queries),
		"dropped", dropped,
		"duplicates", duplicates,
	)
	return queries, nil
}

// =============================================================================
// Helper Functions
// =============================================================================

type expansionPayload struct {
	Queries []string `json:"queries"`
}

// parseExpansionResponse extracts the JSON object from a model response
// that may carry surrounding prose or code fences.
func parseExpansionResponse(raw string) ([]string, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object in expansion response")
	}

	var payload expansionPayload
	if err := json.Unmarshal([]byte(raw[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("invalid expansion JSON: %w", err)
	}
	return payload.Queries, nil
}

// filterQueries trims, drops empty and punctuation-only entries,
// deduplicates case-insensitively preserving first occurrence, and
// truncates to max.
func filterQueries(queries []string, max int) (kept []string, dropped, duplicates int) {
	seen := make(map[string]struct{}, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		if q == "" || isPunctuationOnly(q) {
			dropped++
			continue
		}
		key := strings.ToLower(q)
		if _, dup := seen[key]; dup {
			duplicates++
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, q)
		if len(kept) == max {
			break
		}
	}
	return kept, dropped, duplicates
}

// isPunctuationOnly reports whether s contains no letters or digits.
func isPunctuationOnly(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
