// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the HTTP surface of the orchestrator: the
// streaming chat endpoint, health, document ingestion, and session
// administration.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/session"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var chatTracer = otel.Tracer("aleutianmed.handlers.chat")

// =============================================================================
// Constants
// =============================================================================

const (
	// heartbeatInterval is the interval for SSE keep-alive comments. 15s
	// stays well under typical LB idle timeouts (60s for ALB/Nginx).
	heartbeatInterval = 15 * time.Second

	// streamTimeout bounds one full chat turn, retrieval included.
	streamTimeout = 30 * time.Second
)

// =============================================================================
// Interface Definition
// =============================================================================

// ChatEngine is the slice of the engine the streaming handler needs.
//
// EnsureSession runs before any stream output so ownership and existence
// failures can still be plain HTTP statuses. HandleMessage runs the turn
// and reports the session's agent for metric labels.
type ChatEngine interface {
	EnsureSession(userID string, sessionID *string) (string, error)
	HandleMessage(ctx context.Context, userID, sessionID, message string, sink datatypes.EventSink) (string, error)
}

// =============================================================================
// Struct Definition
// =============================================================================

// ChatHandler serves POST /chat as an SSE stream.
//
// # Description
//
// Every stream ends with exactly one terminal event: done on success,
// error with a client-facing code on failure, cancelled when the client
// disconnected mid-stream. Failures before the first byte of the stream
// (validation, auth, ownership, unknown session) are plain JSON error
// responses instead.
//
// # Thread Safety
//
// Safe for concurrent use; all per-request state lives on the stack.
type ChatHandler struct {
	engine  ChatEngine
	metrics *observability.ChatMetrics
}

// NewChatHandler builds a ChatHandler over the given engine.
func NewChatHandler(engine ChatEngine) *ChatHandler {
	if engine == nil {
		panic("handlers: chat handler requires an engine")
	}
	return &ChatHandler{engine: engine, metrics: observability.Metrics()}
}

// =============================================================================
// Methods
// =============================================================================

// HandleChatStream processes POST /chat.
//
// # Outputs
//
// SSE data frames in turn order: retrieval_start, retrieval_complete,
// reranking_start, reranking_complete (RAG retrieve turns only), token
// events, then one terminal event. The resolved session id is returned
// in the X-Session-Id response header before streaming begins.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	ctx, span := chatTracer.Start(c.Request.Context(), "ChatHandler.HandleChatStream")
	defer span.End()

	// --- Step 1: Validate the request body. ---
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{
			Detail:    "invalid request body: " + err.Error(),
			ErrorCode: datatypes.ErrCodeValidation,
		})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{
			Detail:    "validation failed: " + err.Error(),
			ErrorCode: datatypes.ErrCodeValidation,
		})
		return
	}
	span.SetAttributes(attribute.String("chat.user_id", req.UserID))

	// --- Step 2: Resolve the session before any stream output. ---
	sessionID, err := h.engine.EnsureSession(req.UserID, req.SessionID)
	if err != nil {
		h.writeSessionError(c, err)
		return
	}
	span.SetAttributes(attribute.String("chat.session_id", sessionID))
	c.Header("X-Session-Id", sessionID)

	// --- Step 3: Open the SSE stream. ---
	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Detail:    "streaming unsupported by connection",
			ErrorCode: datatypes.ErrCodeInternal,
		})
		return
	}

	h.metrics.ActiveStreams.Inc()
	defer h.metrics.ActiveStreams.Dec()

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	// --- Step 4: Keep-alives while the turn runs. ---
	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go h.runHeartbeat(writer, heartbeatDone)

	// --- Step 5: Run the turn, relaying non-terminal events. ---
	start := time.Now()
	var firstTokenAt time.Time
	var tokenCount int
	sink := func(ev datatypes.StreamEvent) error {
		if ev.Type == datatypes.EventToken {
			if firstTokenAt.IsZero() {
				firstTokenAt = time.Now()
			}
			tokenCount++
		}
		return writer.WriteEvent(ev)
	}

	agent, err := h.engine.HandleMessage(ctx, req.UserID, sessionID, req.Message, sink)

	// --- Step 6: Emit exactly one terminal event. ---
	status := h.finishStream(c, writer, agent, err)

	elapsed := time.Since(start).Seconds()
	h.metrics.RecordRequest(agent, status)
	h.metrics.RecordStreamDuration(agent, status, elapsed)
	if !firstTokenAt.IsZero() {
		h.metrics.RecordTimeToFirstToken(agent, firstTokenAt.Sub(start).Seconds())
		h.metrics.TokensStreamedTotal.WithLabelValues(observability.AgentLabel(agent)).Add(float64(tokenCount))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
	}
}

// writeSessionError maps pre-stream session failures onto HTTP statuses.
// 403 and 404 stay distinct: a foreign session must not masquerade as a
// missing one.
func (h *ChatHandler) writeSessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrOwnershipViolation):
		c.JSON(http.StatusForbidden, datatypes.ErrorResponse{
			Detail:    "session belongs to a different user",
			ErrorCode: datatypes.ErrCodeOwnershipViolation,
		})
	case errors.Is(err, session.ErrSessionMissing):
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
			Detail:    "session not found or expired",
			ErrorCode: datatypes.ErrCodeSessionNotFound,
		})
	default:
		slog.Error("session resolution failed", "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Detail:    "internal error",
			ErrorCode: datatypes.ErrCodeInternal,
		})
	}
}

// runHeartbeat writes keep-alive comments until done closes. Write
// failures just stop the loop; the engine notices the dead connection
// through context cancellation.
func (h *ChatHandler) runHeartbeat(writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				return
			}
			h.metrics.KeepAlivesTotal.Inc()
		case <-done:
			return
		}
	}
}

// finishStream writes the single terminal event for the stream and
// returns the outcome label for metrics.
func (h *ChatHandler) finishStream(c *gin.Context, writer SSEWriter, agent string, err error) string {
	if err == nil {
		if werr := writer.WriteEvent(datatypes.NewDoneEvent()); werr != nil {
			slog.Warn("failed to write done event", "error", werr)
		}
		return observability.StatusSuccess
	}

	// Client went away: the request context died before our deadline.
	if c.Request.Context().Err() != nil {
		h.metrics.ClientDisconnectsTotal.Inc()
		// Best effort; the connection is usually already gone.
		_ = writer.WriteEvent(datatypes.NewCancelledEvent())
		slog.Info("stream cancelled by client", "agent", agent)
		return observability.StatusCancelled
	}

	message, code := classifyStreamError(err)
	slog.Error("chat turn failed", "agent", agent, "code", code, "error", err)
	h.metrics.RecordStreamError(code)
	if werr := writer.WriteEvent(datatypes.NewErrorEvent(message, code)); werr != nil {
		slog.Warn("failed to write error event", "error", werr)
	}
	return observability.StatusError
}

// classifyStreamError maps an engine failure onto a sanitized message
// and client-facing error code. Internal detail never leaks to clients.
func classifyStreamError(err error) (message, code string) {
	var cerr *agents.ClassificationError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out", datatypes.StreamErrTimeout
	case errors.Is(err, agents.ErrRetrievalFailed):
		return "document retrieval is temporarily unavailable", datatypes.StreamErrRetrieval
	case errors.Is(err, agents.ErrGenerationFailed), errors.As(err, &cerr):
		return "the assistant could not process this message", datatypes.StreamErrProcessing
	default:
		return "an internal error occurred", datatypes.StreamErrInternal
	}
}
