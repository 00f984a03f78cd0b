// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Stream event types, in the order a full retrieval turn produces them.
// Exactly one of done, error, cancelled terminates every stream.
const (
	EventRetrievalStart    = "retrieval_start"
	EventRetrievalComplete = "retrieval_complete"
	EventRerankingStart    = "reranking_start"
	EventRerankingComplete = "reranking_complete"
	EventToken             = "token"
	EventDone              = "done"
	EventError             = "error"
	EventCancelled         = "cancelled"
)

// Error codes carried by mid-stream error events.
const (
	StreamErrRetrieval  = "RETRIEVAL_ERROR"
	StreamErrProcessing = "PROCESSING_ERROR"
	StreamErrTimeout    = "TIMEOUT_ERROR"
	StreamErrInternal   = "INTERNAL_ERROR"
)

// =============================================================================
// Stream Event
// =============================================================================

// StreamEvent is one SSE frame. Content is a string for token events and a
// small object for everything else; Timestamp is RFC 3339 UTC.
type StreamEvent struct {
	Type      string `json:"type"`
	Content   any    `json:"content"`
	Timestamp string `json:"timestamp"`
}

// EventSink receives stream events in emission order. Returning an error
// stops the producer; the handler uses this to abort on client disconnect.
type EventSink func(StreamEvent) error

// IsTerminal reports whether the event ends its stream.
func (e StreamEvent) IsTerminal() bool {
	return e.Type == EventDone || e.Type == EventError || e.Type == EventCancelled
}

func eventNow() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// =============================================================================
// Constructors
// =============================================================================

// NewRetrievalStartEvent marks the start of the retrieval phase.
func NewRetrievalStartEvent() StreamEvent {
	return StreamEvent{
		Type:      EventRetrievalStart,
		Content:   map[string]any{"stage": "retrieval", "status": "started"},
		Timestamp: eventNow(),
	}
}

// NewRetrievalCompleteEvent reports how many candidates retrieval produced.
func NewRetrievalCompleteEvent(docCount int) StreamEvent {
	return StreamEvent{
		Type:      EventRetrievalComplete,
		Content:   map[string]any{"stage": "retrieval", "status": "complete", "doc_count": docCount},
		Timestamp: eventNow(),
	}
}

// NewRerankingStartEvent marks the start of the reranking phase.
func NewRerankingStartEvent() StreamEvent {
	return StreamEvent{
		Type:      EventRerankingStart,
		Content:   map[string]any{"stage": "reranking", "status": "started"},
		Timestamp: eventNow(),
	}
}

// NewRerankingCompleteEvent reports how many chunks survived reranking.
func NewRerankingCompleteEvent(selected int) StreamEvent {
	return StreamEvent{
		Type:      EventRerankingComplete,
		Content:   map[string]any{"stage": "reranking", "status": "complete", "selected": selected},
		Timestamp: eventNow(),
	}
}

// NewTokenEvent wraps one generated token or short span.
func NewTokenEvent(token string) StreamEvent {
	return StreamEvent{Type: EventToken, Content: token, Timestamp: eventNow()}
}

// NewDoneEvent is the successful terminal event.
func NewDoneEvent() StreamEvent {
	return StreamEvent{Type: EventDone, Content: map[string]any{}, Timestamp: eventNow()}
}

// NewErrorEvent is the failure terminal event. The message must already be
// sanitized for client consumption.
func NewErrorEvent(message, code string) StreamEvent {
	return StreamEvent{
		Type:      EventError,
		Content:   map[string]any{"message": message, "code": code},
		Timestamp: eventNow(),
	}
}

// NewCancelledEvent is the terminal event for client-initiated aborts.
func NewCancelledEvent() StreamEvent {
	return StreamEvent{Type: EventCancelled, Content: map[string]any{}, Timestamp: eventNow()}
}
