// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides chat-completion clients for the assistant backend.
//
// The package defines a single LLMClient interface with blocking and
// streaming entry points, plus the parameter and stream-event types shared
// by every implementation. The concrete client speaks the OpenAI-compatible
// chat-completions protocol, which also covers OpenRouter, Aliyun DashScope,
// llama.cpp and vLLM deployments via OPENAI_API_BASE.
package llm

import "context"

// =============================================================================
// Message Types
// =============================================================================

// Chat message roles, matching the OpenAI chat-completions vocabulary.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a chat-completion conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// =============================================================================
// Generation Parameters
// =============================================================================

// GenerationParams holds optional sampling parameters for a completion call.
//
// Pointer fields distinguish "not set" from zero values so that callers only
// override what they need; unset fields fall back to provider defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Float32Ptr returns a pointer to v for use in GenerationParams.
func Float32Ptr(v float32) *float32 { return &v }

// IntPtr returns a pointer to v for use in GenerationParams.
func IntPtr(v int) *int { return &v }

// =============================================================================
// Streaming Types
// =============================================================================

// StreamEventType discriminates events delivered to a StreamCallback.
type StreamEventType string

const (
	// StreamEventToken carries one generated token or short span.
	StreamEventToken StreamEventType = "token"
	// StreamEventDone marks the end of a successful stream.
	StreamEventDone StreamEventType = "done"
	// StreamEventError carries a mid-stream failure. The stream ends after it.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one unit of streamed model output.
type StreamEvent struct {
	Type  StreamEventType
	Token string
	Err   error
}

// StreamCallback receives stream events in generation order.
//
// Returning a non-nil error aborts the stream; the client stops reading from
// the provider and returns that error from ChatStream.
type StreamCallback func(StreamEvent) error

// =============================================================================
// Interface Definition
// =============================================================================

// LLMClient is the contract every chat-completion backend implements.
//
// # Description
//
// Generate and Chat block until the full completion is available. ChatStream
// invokes the callback once per token as tokens arrive and returns after the
// terminal event has been delivered or the context is cancelled.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; they are shared as
// process-lifetime singletons.
type LLMClient interface {
	// Generate produces a completion for a single prompt string.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Chat produces a completion for a full message history.
	Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error)

	// ChatStream streams a completion for a full message history through cb.
	ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams, cb StreamCallback) error
}
