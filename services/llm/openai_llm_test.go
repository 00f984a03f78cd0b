// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// newMockCompletionServer creates a test server speaking the OpenAI
// chat-completions protocol. The handler controls the response body.
func newMockCompletionServer(handler http.HandlerFunc) *httptest.Server {
	return httptest.NewServer(handler)
}

// newTestClient creates an OpenAIClient pointing at a test server.
func newTestClient(t *testing.T, baseURL string) *OpenAIClient {
	t.Helper()
	client, err := NewOpenAIClient(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: baseURL,
		Model:   "test-model",
	})
	require.NoError(t, err)
	return client
}

func writeStreamChunk(w http.ResponseWriter, content string) {
	fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", content)
}

// =============================================================================
// Chat Tests
// =============================================================================

func TestChat_ReturnsContent(t *testing.T) {
	server := newMockCompletionServer(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"hello there"},"finish_reason":"stop"}]}`)
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	out, err := client.Chat(context.Background(), []ChatMessage{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hi"},
	}, GenerationParams{Temperature: Float32Ptr(0.1)})

	require.NoError(t, err)
	assert.Equal(t, "hello there", out)
}

func TestChat_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := newMockCompletionServer(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":{"message":"upstream overloaded"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"recovered"}}]}`)
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	out, err := client.Chat(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, GenerationParams{})

	require.NoError(t, err)
	assert.Equal(t, "recovered", out)
	assert.Equal(t, int32(2), calls.Load())
}

func TestChat_DoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int32
	server := newMockCompletionServer(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"bad key"}}`)
	})
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.Chat(context.Background(), []ChatMessage{{Role: RoleUser, Content: "hi"}}, GenerationParams{})

	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

// =============================================================================
// ChatStream Tests
// =============================================================================

func TestChatStream_DeliversTokensInOrder(t *testing.T) {
	server := newMockCompletionServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeStreamChunk(w, "The ")
		writeStreamChunk(w, "answer")
		writeStreamChunk(w, ".")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	var tokens []string
	doneSeen := false
	err := client.ChatStream(context.Background(),
		[]ChatMessage{{Role: RoleUser, Content: "question"}},
		GenerationParams{},
		func(ev StreamEvent) error {
			switch ev.Type {
			case StreamEventToken:
				tokens = append(tokens, ev.Token)
			case StreamEventDone:
				doneSeen = true
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"The ", "answer", "."}, tokens)
	assert.True(t, doneSeen, "done event must follow the last token")
}

func TestChatStream_CallbackErrorAbortsStream(t *testing.T) {
	server := newMockCompletionServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 50; i++ {
			writeStreamChunk(w, "x")
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	abort := errors.New("sink closed")
	seen := 0
	err := client.ChatStream(context.Background(),
		[]ChatMessage{{Role: RoleUser, Content: "q"}},
		GenerationParams{},
		func(ev StreamEvent) error {
			if ev.Type != StreamEventToken {
				return nil
			}
			seen++
			if seen == 3 {
				return abort
			}
			return nil
		})

	require.ErrorIs(t, err, abort)
	assert.Equal(t, 3, seen)
}

func TestChatStream_CancelledContextStopsDelivery(t *testing.T) {
	server := newMockCompletionServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeStreamChunk(w, "first")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})
	defer server.Close()

	client := newTestClient(t, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.ChatStream(ctx,
		[]ChatMessage{{Role: RoleUser, Content: "q"}},
		GenerationParams{},
		func(ev StreamEvent) error { return nil })

	require.ErrorIs(t, err, context.Canceled)
}

// =============================================================================
// Request Building Tests
// =============================================================================

func TestBuildRequest_AppliesParams(t *testing.T) {
	client := &OpenAIClient{model: "m"}
	req := client.buildRequest(
		[]ChatMessage{{Role: RoleUser, Content: "hi"}},
		GenerationParams{
			Temperature: Float32Ptr(0.7),
			TopP:        Float32Ptr(0.9),
			MaxTokens:   IntPtr(128),
			Stop:        []string{"\n"},
		})

	assert.Equal(t, "m", req.Model)
	assert.InDelta(t, 0.7, req.Temperature, 1e-6)
	assert.InDelta(t, 0.9, req.TopP, 1e-6)
	assert.Equal(t, 128, req.MaxCompletionTokens)
	assert.Equal(t, []string{"\n"}, req.Stop)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "user", req.Messages[0].Role)
}
