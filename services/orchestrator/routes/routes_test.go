// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/session"
	"github.com/AleutianAI/AleutianMed/services/vectorstore"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

const routeTestToken = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type stubEngine struct{}

func (stubEngine) EnsureSession(_ string, _ *string) (string, error) {
	return "3f1d0f6a-8a7c-4f3e-9a51-0e8b7c2d4e5f", nil
}

func (stubEngine) HandleMessage(_ context.Context, _, _, _ string, _ datatypes.EventSink) (string, error) {
	return datatypes.AgentRAG, nil
}

type stubProvider struct{}

func (stubProvider) Encode(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}
func (stubProvider) EncodeOne(context.Context, string) ([]float32, error) { return []float32{1}, nil }
func (stubProvider) Dimension() int                                       { return 1 }

type stubStore struct{}

func (stubStore) SearchDense(context.Context, []float32, int) ([]vectorstore.SearchResult, error) {
	return nil, nil
}

func (stubStore) SearchSparse(context.Context, string, int, float64) ([]vectorstore.SearchResult, error) {
	return nil, vectorstore.ErrSparseUnsupported
}
func (stubStore) Upsert(context.Context, vectorstore.Chunk) error        { return nil }
func (stubStore) BatchUpsert(context.Context, []vectorstore.Chunk) error { return nil }
func (stubStore) DeleteBySource(context.Context, string) error           { return nil }
func (stubStore) SparseSupported() bool                                  { return false }
func (stubStore) Close()                                                 {}

func testRouter() *gin.Engine {
	router := gin.New()
	SetupRoutes(router, Handlers{
		Chat:      handlers.NewChatHandler(stubEngine{}),
		Documents: handlers.NewDocumentHandler(stubProvider{}, stubStore{}),
		Sessions:  handlers.NewSessionHandler(session.NewMemoryStore(time.Hour)),
	}, routeTestToken)
	return router
}

func do(r *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	var req *http.Request
	if method == http.MethodPost {
		req = httptest.NewRequest(method, path, strings.NewReader(`{"user_id":"u","message":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ============================================================================
// Tests
// ============================================================================

func TestRoutes_OpenEndpoints(t *testing.T) {
	r := testRouter()
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/metrics", "").Code)
}

func TestRoutes_ProtectedEndpointsRequireToken(t *testing.T) {
	r := testRouter()

	protected := []struct{ method, path string }{
		{http.MethodPost, "/chat"},
		{http.MethodPost, "/v1/documents"},
		{http.MethodGet, "/v1/sessions"},
		{http.MethodDelete, "/v1/sessions/some-id"},
	}
	for _, ep := range protected {
		assert.Equal(t, http.StatusUnauthorized, do(r, ep.method, ep.path, "").Code,
			"%s %s without token", ep.method, ep.path)
		assert.Equal(t, http.StatusUnauthorized, do(r, ep.method, ep.path, strings.Repeat("0", 64)).Code,
			"%s %s with wrong token", ep.method, ep.path)
	}
}

func TestRoutes_AuthorizedChat(t *testing.T) {
	r := testRouter()
	w := do(r, http.MethodPost, "/chat", routeTestToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}
