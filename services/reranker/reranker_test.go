// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerank_AlignsScoresWithPassages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		var req rerankRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "aripiprazole mechanism", req.Query)

		scores := make([]float64, len(req.Passages))
		for i := range scores {
			scores[i] = float64(len(req.Passages) - i)
		}
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: scores})
	}))
	defer server.Close()

	r, err := NewHTTPReranker(server.URL)
	require.NoError(t, err)

	scores, err := r.Rerank(context.Background(), "aripiprazole mechanism",
		[]string{"passage a", "passage b", "passage c"})
	require.NoError(t, err)
	assert.Equal(t, []float64{3, 2, 1}, scores)
}

func TestRerank_EmptyPassagesSkipsCall(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	r, err := NewHTTPReranker(server.URL)
	require.NoError(t, err)

	scores, err := r.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
	assert.False(t, called)
}

func TestRerank_ScoreCountMismatchIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{1}})
	}))
	defer server.Close()

	r, err := NewHTTPReranker(server.URL)
	require.NoError(t, err)

	_, err = r.Rerank(context.Background(), "q", []string{"a", "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scores for")
}

func TestRerank_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(rerankResponse{Scores: []float64{0.5}})
	}))
	defer server.Close()

	r, err := NewHTTPReranker(server.URL)
	require.NoError(t, err)

	scores, err := r.Rerank(context.Background(), "q", []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5}, scores)
	assert.Equal(t, int32(2), calls.Load())
}

func TestNewHTTPReranker_RequiresURL(t *testing.T) {
	t.Setenv("RERANKER_SERVICE_URL", "")
	_, err := NewHTTPReranker("")
	require.Error(t, err)
}
