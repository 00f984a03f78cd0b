// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/session"
	"github.com/gin-gonic/gin"
)

// SessionHandler serves the session admin endpoints:
//
//	GET    /v1/sessions?user_id=...  list a user's live sessions
//	DELETE /v1/sessions/:sessionId   delete one owned session
//
// Ownership violations return 403 and missing sessions 404, mirroring
// the chat endpoint.
type SessionHandler struct {
	store session.Store
}

// NewSessionHandler builds a SessionHandler over the given store.
func NewSessionHandler(store session.Store) *SessionHandler {
	if store == nil {
		panic("handlers: session handler requires a store")
	}
	return &SessionHandler{store: store}
}

// HandleList processes GET /v1/sessions. Sessions come back ordered by
// updated_at descending; listing never extends a session's TTL.
func (h *SessionHandler) HandleList(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{
			Detail:    "user_id query parameter is required",
			ErrorCode: datatypes.ErrCodeValidation,
		})
		return
	}

	sessions := h.store.ListByUser(userID)
	summaries := make([]datatypes.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, datatypes.SessionSummary{
			SessionID:     s.ID,
			AssignedAgent: s.AssignedAgent,
			MessageCount:  len(s.Messages),
			CreatedAt:     s.CreatedAt.UTC().Format(time.RFC3339),
			UpdatedAt:     s.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": summaries})
}

// HandleDelete processes DELETE /v1/sessions/:sessionId.
func (h *SessionHandler) HandleDelete(c *gin.Context) {
	sessionID := c.Param("sessionId")
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{
			Detail:    "user_id query parameter is required",
			ErrorCode: datatypes.ErrCodeValidation,
		})
		return
	}

	sess, err := h.store.Get(sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionMissing) {
			c.JSON(http.StatusNotFound, datatypes.ErrorResponse{
				Detail:    "session not found or expired",
				ErrorCode: datatypes.ErrCodeSessionNotFound,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Detail:    "internal error",
			ErrorCode: datatypes.ErrCodeInternal,
		})
		return
	}
	if sess.UserID != userID {
		c.JSON(http.StatusForbidden, datatypes.ErrorResponse{
			Detail:    "session belongs to a different user",
			ErrorCode: datatypes.ErrCodeOwnershipViolation,
		})
		return
	}

	h.store.Delete(sessionID)
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "session_id": sessionID})
}
