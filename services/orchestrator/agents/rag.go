// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianMed/services/llm"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/retrieval"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ragTracer = otel.Tracer("aleutianmed.agents.rag")

// Internal routing actions for a RAG turn.
const (
	actionRetrieve = "retrieve"
	actionRespond  = "respond"
)

// =============================================================================
// Struct Definition
// =============================================================================

// RAGAgent answers clinical-knowledge questions from the indexed corpus.
//
// Each turn is first classified as retrieve or respond on the latest user
// message alone. Retrieve turns run the configured retrieval pipeline and
// ground the answer in a numbered source list. Respond turns (greetings,
// thanks) skip retrieval entirely. Both conclude with the educational
// disclaimer.
type RAGAgent struct {
	client    llm.LLMClient
	retriever retrieval.Retriever
}

var _ Agent = (*RAGAgent)(nil)

// NewRAGAgent builds a RAGAgent over the given chat client and retriever.
func NewRAGAgent(client llm.LLMClient, retriever retrieval.Retriever) *RAGAgent {
	if client == nil {
		panic("agents: rag agent requires an llm client")
	}
	if retriever == nil {
		panic("agents: rag agent requires a retriever")
	}
	return &RAGAgent{client: client, retriever: retriever}
}

// =============================================================================
// Methods
// =============================================================================

// Respond implements Agent.
func (a *RAGAgent) Respond(ctx context.Context, messages []datatypes.Message, sink datatypes.EventSink) (*Result, error) {
	ctx, span := ragTracer.Start(ctx, "RAGAgent.Respond")
	defer span.End()

	latest := conversation.LatestUserMessage(messages)
	if latest == "" {
		return nil, fmt.Errorf("no user message to answer")
	}

	action := a.classifyAction(ctx, latest)
	span.SetAttributes(attribute.String("rag.action", action))

	if action == actionRespond {
		content, err := streamChat(ctx, a.client, chatHistory(ragConversationalPrompt, messages), llm.GenerationParams{
			Temperature: llm.Float32Ptr(generationTemperature),
		}, sink)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}
		if content, err = finishWithDisclaimer(content, sink); err != nil {
			return nil, err
		}
		return &Result{Content: content}, nil
	}

	chunks, err := a.retriever.Retrieve(ctx, messages, stageHooksFor(sink))
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrRetrievalFailed, err)
	}
	span.SetAttributes(attribute.Int("rag.chunk_count", len(chunks)))

	system := ragAnswerPrompt
	if len(chunks) > 0 {
		system += "\n\n" + buildContextBlock(passagesFrom(chunks))
	}

	content, err := streamChat(ctx, a.client, chatHistory(system, messages), llm.GenerationParams{
		Temperature: llm.Float32Ptr(generationTemperature),
	}, sink)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	if content, err = finishWithDisclaimer(content, sink); err != nil {
		return nil, err
	}

	return &Result{Content: content, Sources: sourcesFrom(chunks)}, nil
}

// classifyAction decides whether the latest message needs a corpus
// lookup. Anything unparseable, including a transport failure, defaults
// to retrieve: an unnecessary lookup is cheaper than an ungrounded
// answer.
func (a *RAGAgent) classifyAction(ctx context.Context, latest string) string {
	raw, err := a.client.Chat(ctx, []llm.ChatMessage{
		{Role: llm.RoleSystem, Content: ragClassifyPrompt},
		{Role: llm.RoleUser, Content: latest},
	}, llm.GenerationParams{
		Temperature: llm.Float32Ptr(classifyTemperature),
		MaxTokens:   llm.IntPtr(8),
	})
	if err != nil {
		slog.Warn("rag action classification failed, defaulting to retrieve", "error", err)
		return actionRetrieve
	}
	switch normalizeLabel(raw) {
	case actionRespond:
		return actionRespond
	case actionRetrieve:
		return actionRetrieve
	default:
		slog.Warn("rag action classification unparseable, defaulting to retrieve", "label", raw)
		return actionRetrieve
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// stageHooksFor bridges retrieval phase notifications onto the stream.
// Sink errors are dropped here; a disconnected client cancels the
// request context, which stops retrieval on its own.
func stageHooksFor(sink datatypes.EventSink) *retrieval.StageHooks {
	if sink == nil {
		return nil
	}
	emit := func(ev datatypes.StreamEvent) { _ = sink(ev) }
	return &retrieval.StageHooks{
		RetrievalStart:    func() { emit(datatypes.NewRetrievalStartEvent()) },
		RetrievalComplete: func(n int) { emit(datatypes.NewRetrievalCompleteEvent(n)) },
		RerankingStart:    func() { emit(datatypes.NewRerankingStartEvent()) },
		RerankingComplete: func(n int) { emit(datatypes.NewRerankingCompleteEvent(n)) },
	}
}

func passagesFrom(chunks []retrieval.RetrievedChunk) []contextPassage {
	out := make([]contextPassage, 0, len(chunks))
	for _, c := range chunks {
		label := c.Chunk.SourceDocument
		if c.Chunk.ChapterTitle != "" {
			label += ", " + c.Chunk.ChapterTitle
		}
		out = append(out, contextPassage{label: label, text: c.Chunk.Text})
	}
	return out
}

func sourcesFrom(chunks []retrieval.RetrievedChunk) []datatypes.SourceInfo {
	if len(chunks) == 0 {
		return nil
	}
	out := make([]datatypes.SourceInfo, 0, len(chunks))
	for _, c := range chunks {
		out = append(out, datatypes.SourceInfo{
			Source:       c.Chunk.SourceDocument,
			ChapterTitle: c.Chunk.ChapterTitle,
			Distance:     1 - c.DenseScore,
			Score:        c.RerankScore,
		})
	}
	return out
}
