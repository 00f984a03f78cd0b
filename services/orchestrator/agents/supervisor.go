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
	"strings"

	"github.com/AleutianAI/AleutianMed/services/llm"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var supervisorTracer = otel.Tracer("aleutianmed.agents.supervisor")

// ClassificationError reports that the supervisor could not map a first
// message onto an agent, including after its retry.
type ClassificationError struct {
	// Raw is the last label the model produced, after normalisation.
	Raw string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("supervisor produced unusable classification %q", e.Raw)
}

// =============================================================================
// Struct Definition
// =============================================================================

// Supervisor assigns a session to exactly one agent based on its first
// user message. The assignment is permanent for the session's lifetime;
// the engine persists it before the chosen agent runs.
type Supervisor struct {
	client llm.LLMClient
}

// NewSupervisor builds a Supervisor over the given chat client.
func NewSupervisor(client llm.LLMClient) *Supervisor {
	if client == nil {
		panic("agents: supervisor requires an llm client")
	}
	return &Supervisor{client: client}
}

// =============================================================================
// Methods
// =============================================================================

// Classify maps the first user message to an agent name.
//
// # Description
//
// Runs one low-temperature completion and normalises the output. An
// invalid label gets exactly one retry; a second invalid label returns a
// ClassificationError. Transport failures are returned as-is, wrapped in
// ErrGenerationFailed.
func (s *Supervisor) Classify(ctx context.Context, message string) (string, error) {
	ctx, span := supervisorTracer.Start(ctx, "Supervisor.Classify")
	defer span.End()

	var lastLabel string
	for attempt := 1; attempt <= 2; attempt++ {
		raw, err := s.client.Chat(ctx, []llm.ChatMessage{
			{Role: llm.RoleSystem, Content: supervisorPrompt},
			{Role: llm.RoleUser, Content: message},
		}, llm.GenerationParams{
			Temperature: llm.Float32Ptr(classifyTemperature),
			MaxTokens:   llm.IntPtr(8),
		})
		if err != nil {
			span.RecordError(err)
			return "", fmt.Errorf("%w: classification call: %w", ErrGenerationFailed, err)
		}

		label := normalizeLabel(raw)
		if datatypes.ValidAgent(label) {
			span.SetAttributes(attribute.String("supervisor.agent", label))
			return label, nil
		}
		lastLabel = label
		slog.Warn("supervisor returned invalid agent label",
			"label", label,
			"attempt", attempt,
		)
	}
	return "", &ClassificationError{Raw: lastLabel}
}

// normalizeLabel lowercases and strips punctuation the model tends to
// wrap single-word answers in.
func normalizeLabel(raw string) string {
	label := strings.ToLower(strings.TrimSpace(raw))
	label = strings.Trim(label, `"'.,:;!`)
	return label
}
