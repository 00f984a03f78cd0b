// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agents implements the conversational agents behind the chat
// endpoint: a supervisor that routes a session to exactly one agent on its
// first turn, an emotional-support agent, and a retrieval-augmented agent
// for clinical-knowledge questions.
package agents

import (
	"context"
	"errors"
	"strings"

	"github.com/AleutianAI/AleutianMed/services/llm"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
)

// Sentinel errors used by the streaming layer to pick a client-facing
// error code.
var (
	// ErrRetrievalFailed wraps vector-store and embedding failures.
	ErrRetrievalFailed = errors.New("retrieval failed")
	// ErrGenerationFailed wraps LLM completion failures.
	ErrGenerationFailed = errors.New("generation failed")
)

// =============================================================================
// Interface Definition
// =============================================================================

// Result is an agent's completed answer for one turn.
type Result struct {
	Content string
	Sources []datatypes.SourceInfo
}

// Agent produces one assistant turn for a session transcript.
//
// # Description
//
// Respond streams progress and token events through sink as it works and
// returns the full assembled answer. Terminal events (done, error,
// cancelled) are the caller's responsibility; agents emit only
// non-terminal events.
//
// # Thread Safety
//
// Implementations are stateless per call and safe for concurrent use.
type Agent interface {
	Respond(ctx context.Context, messages []datatypes.Message, sink datatypes.EventSink) (*Result, error)
}

// =============================================================================
// Helper Functions
// =============================================================================

// streamChat runs one streaming completion, forwarding each token to sink
// and accumulating the full response. The model-level done event is
// swallowed; stream termination is the transport layer's concern.
func streamChat(ctx context.Context, client llm.LLMClient, messages []llm.ChatMessage, params llm.GenerationParams, sink datatypes.EventSink) (string, error) {
	var sb strings.Builder
	err := client.ChatStream(ctx, messages, params, func(ev llm.StreamEvent) error {
		switch ev.Type {
		case llm.StreamEventToken:
			sb.WriteString(ev.Token)
			if sink != nil {
				return sink(datatypes.NewTokenEvent(ev.Token))
			}
			return nil
		case llm.StreamEventError:
			return ev.Err
		default:
			return nil
		}
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}

// finishWithDisclaimer appends the educational disclaimer when the model
// left it out, streaming the appended text as one extra token event so
// the client transcript matches the stored one.
func finishWithDisclaimer(content string, sink datatypes.EventSink) (string, error) {
	content, added := ensureDisclaimer(content)
	if added && sink != nil {
		if err := sink(datatypes.NewTokenEvent("\n\n" + Disclaimer)); err != nil {
			return "", err
		}
	}
	return content, nil
}

// chatHistory converts a transcript to completion messages, prepending
// the system prompt. Tool turns and per-message agent tags are dropped;
// the model only sees user and assistant text.
func chatHistory(system string, messages []datatypes.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(messages)+1)
	out = append(out, llm.ChatMessage{Role: llm.RoleSystem, Content: system})
	for _, m := range messages {
		switch m.Role {
		case datatypes.RoleUser:
			out = append(out, llm.ChatMessage{Role: llm.RoleUser, Content: m.Content})
		case datatypes.RoleAssistant:
			out = append(out, llm.ChatMessage{Role: llm.RoleAssistant, Content: m.Content})
		}
	}
	return out
}
