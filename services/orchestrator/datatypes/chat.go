// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the wire and domain types shared across the
// orchestrator: requests, sessions, messages, and stream events.
package datatypes

import (
	"github.com/go-playground/validator/v10"
)

// Request body limits.
const (
	MaxMessageLength = 5000
	MaxUserIDLength  = 256
)

// Error codes returned in pre-stream JSON error bodies.
const (
	ErrCodeMissingToken       = "MISSING_TOKEN"
	ErrCodeInvalidToken       = "INVALID_TOKEN"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeOwnershipViolation = "OWNERSHIP_VIOLATION"
	ErrCodeSessionNotFound    = "SESSION_NOT_FOUND"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

var chatValidate = validator.New()

// =============================================================================
// Request Types
// =============================================================================

// ChatRequest is the body of POST /chat.
//
// A nil SessionID creates a fresh session owned by UserID. A non-nil
// SessionID must reference a live session owned by the same user.
type ChatRequest struct {
	UserID    string  `json:"user_id" validate:"required,min=1,max=256"`
	SessionID *string `json:"session_id" validate:"omitempty,uuid4"`
	Message   string  `json:"message" validate:"required,min=1,max=5000"`
}

// Validate checks the request against its field constraints.
func (r *ChatRequest) Validate() error {
	return chatValidate.Struct(r)
}

// IngestRequest is the body of POST /v1/documents. The document is split
// into chunks, embedded, and upserted into the corpus.
type IngestRequest struct {
	SourceDocument string `json:"source_document" validate:"required,min=1,max=512"`
	ChapterTitle   string `json:"chapter_title" validate:"max=512"`
	SectionTitle   string `json:"section_title" validate:"max=512"`
	Text           string `json:"text" validate:"required,min=10"`
}

// Validate checks the request against its field constraints.
func (r *IngestRequest) Validate() error {
	return chatValidate.Struct(r)
}

// =============================================================================
// Response Types
// =============================================================================

// ErrorResponse is the JSON body for pre-stream failures (401/403/404/422/500).
type ErrorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// IngestResponse reports the outcome of a document ingestion.
type IngestResponse struct {
	SourceDocument string `json:"source_document"`
	ChunksIndexed  int    `json:"chunks_indexed"`
}

// SessionSummary is the list-view projection of a session.
type SessionSummary struct {
	SessionID     string `json:"session_id"`
	AssignedAgent string `json:"assigned_agent,omitempty"`
	MessageCount  int    `json:"message_count"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}
