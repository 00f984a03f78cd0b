// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine coordinates one chat turn: session resolution, one-time
// agent assignment through the supervisor, agent execution, and transcript
// persistence.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/agents"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("aleutianmed.engine")

// Classifier picks the agent for a session's first message.
type Classifier interface {
	Classify(ctx context.Context, message string) (string, error)
}

// =============================================================================
// Struct Definition
// =============================================================================

// Engine runs chat turns end to end.
//
// # Description
//
// A turn acquires the per-session lock, persists the user message, routes
// the session through the supervisor if it has no assigned agent yet (the
// assignment commits before the agent runs and never changes afterwards),
// streams the agent's work through the caller's sink, and persists the
// assistant message only on full success. A cancelled or failed turn
// leaves the user message in the transcript but never a partial
// assistant message.
//
// # Thread Safety
//
// Safe for concurrent use. Turns on the same session serialise on the
// store's per-session lock; turns on different sessions proceed in
// parallel.
type Engine struct {
	store      session.Store
	supervisor Classifier
	agents     map[string]agents.Agent
}

// New builds an Engine. All dependencies are required.
func New(store session.Store, supervisor Classifier, emotional, rag agents.Agent) *Engine {
	if store == nil || supervisor == nil || emotional == nil || rag == nil {
		panic("engine: all dependencies are required")
	}
	return &Engine{
		store:      store,
		supervisor: supervisor,
		agents: map[string]agents.Agent{
			datatypes.AgentEmotional: emotional,
			datatypes.AgentRAG:       rag,
		},
	}
}

// =============================================================================
// Methods
// =============================================================================

// EnsureSession resolves the session a request targets before any stream
// output starts.
//
// A nil or empty id creates a fresh session owned by userID. An existing
// id must belong to userID: a foreign session fails with
// session.ErrOwnershipViolation, an unknown or expired one with
// session.ErrSessionMissing. Both must surface before streaming begins
// so they can map onto plain HTTP statuses.
func (e *Engine) EnsureSession(userID string, sessionID *string) (string, error) {
	if sessionID == nil || *sessionID == "" {
		sess := e.store.Create(userID)
		slog.Info("session created", "session_id", sess.ID, "user_id", userID)
		return sess.ID, nil
	}

	sess, err := e.store.Get(*sessionID)
	if err != nil {
		return "", err
	}
	if sess.UserID != userID {
		return "", session.ErrOwnershipViolation
	}
	return sess.ID, nil
}

// HandleMessage runs one full chat turn for an already-resolved session.
//
// Non-terminal stream events flow through sink as the turn progresses.
// Terminal events are the caller's responsibility so that exactly one is
// ever emitted per stream. The returned agent name is the session's
// assignment, or empty when the turn failed before one existed; callers
// use it for metric labels only.
func (e *Engine) HandleMessage(ctx context.Context, userID, sessionID, message string, sink datatypes.EventSink) (string, error) {
	ctx, span := tracer.Start(ctx, "Engine.HandleMessage")
	defer span.End()
	span.SetAttributes(attribute.String("session.id", sessionID))

	release := e.store.Acquire(sessionID)
	defer release()

	// Re-fetch under the lock; the session may have gained turns or
	// expired since EnsureSession.
	sess, err := e.store.Get(sessionID)
	if err != nil {
		return "", err
	}
	if sess.UserID != userID {
		return "", session.ErrOwnershipViolation
	}

	sess.AppendMessage(datatypes.Message{Role: datatypes.RoleUser, Content: message})
	if err := e.store.Save(sess); err != nil {
		return sess.AssignedAgent, fmt.Errorf("persisting user message: %w", err)
	}

	if sess.AssignedAgent == "" {
		agentName, err := e.supervisor.Classify(ctx, message)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "classification failed")
			return "", err
		}
		sess.AssignedAgent = agentName
		// The assignment commits before the agent runs, so a failed or
		// cancelled first turn still pins the session to its agent.
		if err := e.store.Save(sess); err != nil {
			return agentName, fmt.Errorf("persisting agent assignment: %w", err)
		}
		slog.Info("session assigned",
			"session_id", sessionID,
			"agent", agentName,
		)
	}
	span.SetAttributes(attribute.String("session.agent", sess.AssignedAgent))

	agent, ok := e.agents[sess.AssignedAgent]
	if !ok {
		return sess.AssignedAgent, fmt.Errorf("session %s assigned to unknown agent %q", sessionID, sess.AssignedAgent)
	}

	result, err := agent.Respond(ctx, sess.Messages, sink)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "agent failed")
		return sess.AssignedAgent, err
	}

	sess.AppendMessage(datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: result.Content,
		Agent:   sess.AssignedAgent,
		Sources: result.Sources,
	})
	if err := e.store.Save(sess); err != nil {
		return sess.AssignedAgent, fmt.Errorf("persisting assistant message: %w", err)
	}
	return sess.AssignedAgent, nil
}
