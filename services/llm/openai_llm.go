// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

var openaiTracer = otel.Tracer("aleutianmed.llm.openai")

// =============================================================================
// Struct Definition
// =============================================================================

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
//
// The base URL defaults to api.openai.com and can be pointed at OpenRouter,
// Aliyun DashScope, or a local llama.cpp/vLLM server via OPENAI_API_BASE.
// A token-bucket limiter smooths bursts across concurrent requests.
type OpenAIClient struct {
	client  *openai.Client
	model   string
	limiter *rate.Limiter
}

// Compile-time interface check.
var _ LLMClient = (*OpenAIClient)(nil)

// =============================================================================
// Constructor
// =============================================================================

// OpenAIConfig carries the connection settings for NewOpenAIClient.
//
// Zero values fall back to environment variables: OPENAI_API_KEY (or the
// /run/secrets/openai_api_key container secret), OPENAI_API_BASE, MODEL_NAME.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// RequestsPerSecond bounds outbound call rate. 0 means 10 rps.
	RequestsPerSecond float64
}

// NewOpenAIClient builds a chat-completion client from cfg.
//
// # Description
//
// Resolves the API key from cfg, the environment, or the container secret
// file, in that order. Fails if no key can be found so that a misconfigured
// deployment is caught at startup rather than on the first user request.
//
// # Inputs
//
//   - cfg: connection settings; zero values resolved from the environment.
//
// # Outputs
//
//   - *OpenAIClient: ready-to-use client.
//   - error: missing API key.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API key from container secrets")
		} else {
			slog.Error("OPENAI_API_KEY not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = os.Getenv("MODEL_NAME")
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("MODEL_NAME not set, defaulting to gpt-4o-mini")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_API_BASE")
	}
	if baseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(baseURL, "/")
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}

	slog.Info("Initializing chat-completion client", "model", model, "base_url", clientCfg.BaseURL)
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)),
	}, nil
}

// =============================================================================
// Methods
// =============================================================================

// Generate implements LLMClient for single-prompt calls.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	return o.Chat(ctx, []ChatMessage{{Role: RoleUser, Content: prompt}}, params)
}

// Chat implements LLMClient for blocking multi-turn completions.
func (o *OpenAIClient) Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error) {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.message_count", len(messages)),
	)

	if err := o.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req := o.buildRequest(messages, params)

	var resp openai.ChatCompletionResponse
	err := withRetries(ctx, "chat_completion", func() error {
		var callErr error
		resp, callErr = o.client.CreateChatCompletion(ctx, req)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		return "", fmt.Errorf("chat completion returned no choices")
	}
	span.SetAttributes(attribute.String("llm.finish_reason", string(resp.Choices[0].FinishReason)))
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements LLMClient for token-by-token delivery.
//
// # Description
//
// Opens a streaming completion and forwards each delta to cb as a token
// event. Cancellation is checked before every callback so a disconnected
// caller stops the upstream read promptly. A done event is delivered after
// the final token; on upstream failure an error event is delivered and the
// same error is returned.
//
// # Limitations
//
//   - The opening request is retried on transient faults; a stream that
//     fails after the first token is not, since tokens were already
//     delivered downstream.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams, cb StreamCallback) error {
	ctx, span := openaiTracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", o.model),
		attribute.Int("llm.message_count", len(messages)),
	)

	if err := o.limiter.Wait(ctx); err != nil {
		return err
	}

	req := o.buildRequest(messages, params)
	req.Stream = true

	var stream *openai.ChatCompletionStream
	err := withRetries(ctx, "chat_completion_stream", func() error {
		var openErr error
		stream, openErr = o.client.CreateChatCompletionStream(ctx, req)
		return openErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open stream")
		_ = cb(StreamEvent{Type: StreamEventError, Err: err})
		return fmt.Errorf("failed to open completion stream: %w", err)
	}
	defer stream.Close()

	tokenCount := 0
	for {
		select {
		case <-ctx.Done():
			span.SetAttributes(attribute.Int("llm.tokens_streamed", tokenCount))
			return ctx.Err()
		default:
		}

		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			span.RecordError(recvErr)
			span.SetStatus(codes.Error, "stream receive failed")
			_ = cb(StreamEvent{Type: StreamEventError, Err: recvErr})
			return fmt.Errorf("stream receive failed: %w", recvErr)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		tokenCount++
		if cbErr := cb(StreamEvent{Type: StreamEventToken, Token: delta}); cbErr != nil {
			return cbErr
		}
	}

	span.SetAttributes(attribute.Int("llm.tokens_streamed", tokenCount))
	return cb(StreamEvent{Type: StreamEventDone})
}

// =============================================================================
// Helper Functions
// =============================================================================

func (o *OpenAIClient) buildRequest(messages []ChatMessage, params GenerationParams) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{Model: o.model}
	req.Messages = make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}
