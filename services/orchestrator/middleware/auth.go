// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// Authentication is a single static bearer token shared with the
// deployment environment. Every protected request carries:
//
//	Authorization: Bearer <token>
//
// The comparison is constant-time over digests so neither the token
// length nor a prefix match leaks through response timing.
package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

// minTokenLength is the minimum number of hex characters a configured
// bearer token must have (256 bits).
const minTokenLength = 64

// =============================================================================
// Token Validation
// =============================================================================

// ValidateTokenFormat checks a configured token at startup: at least 64
// characters, hex only. Refusing to boot beats serving with a weak or
// mistyped secret.
func ValidateTokenFormat(token string) error {
	if len(token) < minTokenLength {
		return fmt.Errorf("bearer token must be at least %d characters, got %d", minTokenLength, len(token))
	}
	for _, r := range token {
		if !isHexDigit(r) {
			return fmt.Errorf("bearer token must be hex-encoded")
		}
	}
	return nil
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// =============================================================================
// Auth Middleware
// =============================================================================

// BearerAuth creates a Gin middleware that authenticates requests against
// the configured token.
//
// # Description
//
// A missing or malformed Authorization header aborts with 401 and error
// code MISSING_TOKEN; a present but wrong token aborts with 401 and
// INVALID_TOKEN. The token comparison hashes both sides first so the
// constant-time compare also masks length differences.
//
// # Thread Safety
//
// The returned middleware is safe for concurrent use.
func BearerAuth(expected string) gin.HandlerFunc {
	expectedDigest := sha256.Sum256([]byte(expected))

	return func(c *gin.Context) {
		token, ok := extractBearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
				Detail:    "missing bearer token",
				ErrorCode: datatypes.ErrCodeMissingToken,
			})
			return
		}

		digest := sha256.Sum256([]byte(token))
		if subtle.ConstantTimeCompare(digest[:], expectedDigest[:]) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, datatypes.ErrorResponse{
				Detail:    "invalid bearer token",
				ErrorCode: datatypes.ErrCodeInvalidToken,
			})
			return
		}

		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken parses "Authorization: Bearer <token>". The scheme
// is case-insensitive per RFC 7235. Returns ok=false when the header is
// absent, uses another scheme, or carries an empty token.
func extractBearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}
