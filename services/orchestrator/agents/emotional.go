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

	"github.com/AleutianAI/AleutianMed/services/llm"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
)

var emotionalTracer = otel.Tracer("aleutianmed.agents.emotional")

// EmotionalAgent handles support conversations with a single empathetic
// streamed completion over the full transcript. No retrieval, no sources.
type EmotionalAgent struct {
	client llm.LLMClient
}

var _ Agent = (*EmotionalAgent)(nil)

// NewEmotionalAgent builds an EmotionalAgent over the given chat client.
func NewEmotionalAgent(client llm.LLMClient) *EmotionalAgent {
	if client == nil {
		panic("agents: emotional agent requires an llm client")
	}
	return &EmotionalAgent{client: client}
}

// Respond implements Agent.
func (a *EmotionalAgent) Respond(ctx context.Context, messages []datatypes.Message, sink datatypes.EventSink) (*Result, error) {
	ctx, span := emotionalTracer.Start(ctx, "EmotionalAgent.Respond")
	defer span.End()

	content, err := streamChat(ctx, a.client, chatHistory(emotionalPrompt, messages), llm.GenerationParams{
		Temperature: llm.Float32Ptr(generationTemperature),
	}, sink)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	content, err = finishWithDisclaimer(content, sink)
	if err != nil {
		return nil, err
	}
	return &Result{Content: content}, nil
}
