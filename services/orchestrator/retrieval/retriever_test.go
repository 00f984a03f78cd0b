// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeProvider struct {
	err error
}

func (f *fakeProvider) Encode(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0}
	}
	return out, nil
}

func (f *fakeProvider) EncodeOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.Encode(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) Dimension() int { return 3 }

type fakeStore struct {
	mu        sync.Mutex
	dense     []vectorstore.SearchResult
	sparse    []vectorstore.SearchResult
	sparseOK  bool
	denseErr  error
	sparseErr error

	denseCalls  int
	sparseCalls int
}

func (f *fakeStore) SearchDense(_ context.Context, _ []float32, k int) ([]vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denseCalls++
	if f.denseErr != nil {
		return nil, f.denseErr
	}
	return capResults(f.dense, k), nil
}

func (f *fakeStore) SearchSparse(_ context.Context, _ string, k int, _ float64) ([]vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sparseCalls++
	if !f.sparseOK {
		return nil, vectorstore.ErrSparseUnsupported
	}
	if f.sparseErr != nil {
		return nil, f.sparseErr
	}
	return capResults(f.sparse, k), nil
}

func (f *fakeStore) Upsert(context.Context, vectorstore.Chunk) error        { return nil }
func (f *fakeStore) BatchUpsert(context.Context, []vectorstore.Chunk) error { return nil }
func (f *fakeStore) DeleteBySource(context.Context, string) error           { return nil }
func (f *fakeStore) SparseSupported() bool                                  { return f.sparseOK }
func (f *fakeStore) Close()                                                 {}

func capResults(results []vectorstore.SearchResult, k int) []vectorstore.SearchResult {
	if len(results) > k {
		results = results[:k]
	}
	return append([]vectorstore.SearchResult(nil), results...)
}

// fakeReranker scores passages by a fixed map, defaulting to 0.
type fakeReranker struct {
	scores map[string]float64
	err    error
}

func (f *fakeReranker) Rerank(_ context.Context, _ string, passages []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = f.scores[p]
	}
	return out, nil
}

type fakeExpander struct {
	queries []string
	err     error
}

func (f *fakeExpander) Expand(context.Context, string, int) ([]string, error) {
	return f.queries, f.err
}

func denseResult(id string, sim float64) vectorstore.SearchResult {
	return vectorstore.SearchResult{
		Chunk:      vectorstore.Chunk{ID: id, Text: "passage " + id},
		Similarity: sim,
	}
}

func userMessage(text string) []datatypes.Message {
	return []datatypes.Message{{Role: datatypes.RoleUser, Content: text}}
}

func chunkIDs(chunks []RetrievedChunk) []string {
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.Chunk.ID
	}
	return ids
}

// recordingHooks captures the order stage notifications fire in.
func recordingHooks() (*StageHooks, *[]string) {
	events := &[]string{}
	hooks := &StageHooks{
		RetrievalStart:    func() { *events = append(*events, "retrieval_start") },
		RetrievalComplete: func(n int) { *events = append(*events, fmt.Sprintf("retrieval_complete:%d", n)) },
		RerankingStart:    func() { *events = append(*events, "reranking_start") },
		RerankingComplete: func(n int) { *events = append(*events, fmt.Sprintf("reranking_complete:%d", n)) },
	}
	return hooks, events
}

// =============================================================================
// Fusion
// =============================================================================

func TestFuseRRF_DeduplicatesAndKeepsBestScores(t *testing.T) {
	lists := []resultList{
		{modality: denseModality, results: []vectorstore.SearchResult{
			denseResult("a", 0.9),
			denseResult("b", 0.8),
		}},
		{modality: sparseModality, results: []vectorstore.SearchResult{
			denseResult("b", 0.4),
			denseResult("c", 0.3),
		}},
	}

	fused := fuseRRF(lists, 10)
	require.Len(t, fused, 3)

	// b appears in both lists at ranks 2 and 1 so it fuses highest.
	assert.Equal(t, []string{"b", "a", "c"}, chunkIDs(fused))

	var b RetrievedChunk
	for _, f := range fused {
		if f.Chunk.ID == "b" {
			b = f
		}
	}
	assert.Equal(t, 0.8, b.DenseScore)
	assert.Equal(t, 0.4, b.SparseScore)
}

func TestFuseRRF_TieBreaksOnID(t *testing.T) {
	lists := []resultList{
		{modality: denseModality, results: []vectorstore.SearchResult{denseResult("zeta", 0.5)}},
		{modality: denseModality, results: []vectorstore.SearchResult{denseResult("alpha", 0.5)}},
	}
	fused := fuseRRF(lists, 10)
	assert.Equal(t, []string{"alpha", "zeta"}, chunkIDs(fused))
}

func TestFuseRRF_Truncates(t *testing.T) {
	var results []vectorstore.SearchResult
	for i := 0; i < 8; i++ {
		results = append(results, denseResult(fmt.Sprintf("c%d", i), 1.0-float64(i)*0.1))
	}
	fused := fuseRRF([]resultList{{modality: denseModality, results: results}}, 3)
	assert.Len(t, fused, 3)
	assert.Equal(t, []string{"c0", "c1", "c2"}, chunkIDs(fused))
}

func TestFuseRRF_Deterministic(t *testing.T) {
	lists := []resultList{
		{modality: denseModality, results: []vectorstore.SearchResult{
			denseResult("x", 0.7), denseResult("y", 0.6), denseResult("z", 0.5),
		}},
		{modality: sparseModality, results: []vectorstore.SearchResult{
			denseResult("z", 0.2), denseResult("x", 0.1),
		}},
	}
	first := chunkIDs(fuseRRF(lists, 10))
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, chunkIDs(fuseRRF(lists, 10)))
	}
}

// =============================================================================
// Factory
// =============================================================================

func TestNew_UnknownStrategy(t *testing.T) {
	_, err := New(Config{Strategy: "fancy"}, &fakeProvider{}, &fakeStore{}, &fakeReranker{}, &fakeExpander{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestNew_MissingDependencies(t *testing.T) {
	_, err := New(Config{Strategy: StrategyRerank}, &fakeProvider{}, &fakeStore{}, nil, nil)
	assert.Error(t, err, "rerank needs a reranker")

	_, err = New(Config{Strategy: StrategyAdvanced}, &fakeProvider{}, &fakeStore{}, &fakeReranker{}, nil)
	assert.Error(t, err, "advanced needs an expander")

	_, err = New(Config{Strategy: StrategySimple}, nil, &fakeStore{}, nil, nil)
	assert.Error(t, err)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, StrategyAdvanced, cfg.Strategy)
	assert.Equal(t, 5, cfg.TopK)
	assert.Equal(t, 4, cfg.CandidateMultiplier)
	assert.Equal(t, 10, cfg.MaxQueries)
	assert.Equal(t, 5, cfg.HistoryWindow)
	assert.Equal(t, 0.1, cfg.KeywordThreshold)
}

// =============================================================================
// Simple Strategy
// =============================================================================

func TestSimpleRetriever(t *testing.T) {
	store := &fakeStore{dense: []vectorstore.SearchResult{
		denseResult("a", 0.9), denseResult("b", 0.7), denseResult("c", 0.5),
	}}
	r, err := New(Config{Strategy: StrategySimple, TopK: 2}, &fakeProvider{}, store, nil, nil)
	require.NoError(t, err)

	hooks, events := recordingHooks()
	chunks, err := r.Retrieve(context.Background(), userMessage("aripiprazole dosing"), hooks)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, chunkIDs(chunks))
	assert.Equal(t, 1, chunks[0].Rank)
	assert.Equal(t, 2, chunks[1].Rank)
	assert.Equal(t, 0.9, chunks[0].DenseScore)
	assert.Equal(t, []string{"retrieval_start", "retrieval_complete:2"}, *events)
}

func TestSimpleRetriever_NoUserMessage(t *testing.T) {
	r, err := New(Config{Strategy: StrategySimple}, &fakeProvider{}, &fakeStore{}, nil, nil)
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), nil, nil)
	assert.Error(t, err)
}

// =============================================================================
// Rerank Strategy
// =============================================================================

func TestRerankRetriever_ReordersByCrossEncoder(t *testing.T) {
	store := &fakeStore{dense: []vectorstore.SearchResult{
		denseResult("a", 0.9), denseResult("b", 0.8), denseResult("c", 0.7),
	}}
	rr := &fakeReranker{scores: map[string]float64{
		"passage a": 0.1,
		"passage b": 0.9,
		"passage c": 0.5,
	}}
	r, err := New(Config{Strategy: StrategyRerank, TopK: 2, CandidateMultiplier: 3}, &fakeProvider{}, store, rr, nil)
	require.NoError(t, err)

	hooks, events := recordingHooks()
	chunks, err := r.Retrieve(context.Background(), userMessage("interactions"), hooks)
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "c"}, chunkIDs(chunks))
	assert.Equal(t, 0.9, chunks[0].RerankScore)
	assert.Equal(t, []string{
		"retrieval_start", "retrieval_complete:3",
		"reranking_start", "reranking_complete:2",
	}, *events)
}

func TestRerankRetriever_RerankerError(t *testing.T) {
	store := &fakeStore{dense: []vectorstore.SearchResult{denseResult("a", 0.9)}}
	r, err := New(Config{Strategy: StrategyRerank, TopK: 2}, &fakeProvider{}, store, &fakeReranker{err: errors.New("boom")}, nil)
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), userMessage("q"), nil)
	assert.Error(t, err)
}

func TestRerankCandidates_Empty(t *testing.T) {
	hooks, events := recordingHooks()
	out, err := rerankCandidates(context.Background(), &fakeReranker{}, "q", nil, 5, hooks)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, []string{"reranking_start", "reranking_complete:0"}, *events)
}

// =============================================================================
// Advanced Strategy
// =============================================================================

func newAdvanced(t *testing.T, cfg Config, store *fakeStore, expander *fakeExpander) Retriever {
	t.Helper()
	cfg.Strategy = StrategyAdvanced
	rr := &fakeReranker{scores: map[string]float64{}}
	r, err := New(cfg, &fakeProvider{}, store, rr, expander)
	require.NoError(t, err)
	return r
}

func TestAdvancedRetriever_HybridSearch(t *testing.T) {
	store := &fakeStore{
		sparseOK: true,
		dense:    []vectorstore.SearchResult{denseResult("a", 0.9), denseResult("b", 0.8)},
		sparse:   []vectorstore.SearchResult{denseResult("b", 0.3), denseResult("c", 0.2)},
	}
	expander := &fakeExpander{queries: []string{"variation one", "variation two"}}
	r := newAdvanced(t, Config{TopK: 5, KeywordSearch: true}, store, expander)

	hooks, events := recordingHooks()
	chunks, err := r.Retrieve(context.Background(), userMessage("original question"), hooks)
	require.NoError(t, err)

	got := chunkIDs(chunks)
	sort.Strings(got)
	assert.Equal(t, []string{"a", "b", "c"}, got)

	// b ranks in both modalities so it fuses first; scores tie in the
	// cross-encoder fake so fusion order survives the stable sort.
	assert.Equal(t, "b", chunks[0].Chunk.ID)
	assert.Equal(t, 0.8, chunks[0].DenseScore)
	assert.Equal(t, 0.3, chunks[0].SparseScore)

	assert.Equal(t, 2, store.denseCalls, "one dense search per variation")
	assert.Equal(t, 2, store.sparseCalls, "one sparse search per variation")
	assert.Equal(t, []string{
		"retrieval_start", "retrieval_complete:3",
		"reranking_start", "reranking_complete:3",
	}, *events)
}

func TestAdvancedRetriever_KeywordDisabledMatchesDenseOnly(t *testing.T) {
	dense := []vectorstore.SearchResult{denseResult("a", 0.9), denseResult("b", 0.8)}
	sparse := []vectorstore.SearchResult{denseResult("x", 0.4)}
	expander := &fakeExpander{queries: []string{"q1", "q2"}}

	disabled := &fakeStore{sparseOK: true, dense: dense, sparse: sparse}
	rDisabled := newAdvanced(t, Config{TopK: 5, KeywordSearch: false}, disabled, expander)
	got, err := rDisabled.Retrieve(context.Background(), userMessage("q"), nil)
	require.NoError(t, err)

	denseOnly := &fakeStore{sparseOK: false, dense: dense}
	rDense := newAdvanced(t, Config{TopK: 5, KeywordSearch: true}, denseOnly, expander)
	want, err := rDense.Retrieve(context.Background(), userMessage("q"), nil)
	require.NoError(t, err)

	assert.Equal(t, chunkIDs(want), chunkIDs(got))
	assert.Zero(t, disabled.sparseCalls, "keyword disabled must not touch the sparse index")
	assert.NotContains(t, chunkIDs(got), "x")
}

func TestAdvancedRetriever_ExpansionFailureFallsBack(t *testing.T) {
	store := &fakeStore{dense: []vectorstore.SearchResult{denseResult("a", 0.9)}}
	expander := &fakeExpander{err: errors.New("llm unavailable")}
	r := newAdvanced(t, Config{TopK: 3}, store, expander)

	chunks, err := r.Retrieve(context.Background(), userMessage("raw question"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, chunkIDs(chunks))
	assert.Equal(t, 1, store.denseCalls, "exactly one search for the raw query")
}

func TestAdvancedRetriever_EmptyExpansionFallsBack(t *testing.T) {
	store := &fakeStore{dense: []vectorstore.SearchResult{denseResult("a", 0.9)}}
	r := newAdvanced(t, Config{TopK: 3}, store, &fakeExpander{queries: nil})

	chunks, err := r.Retrieve(context.Background(), userMessage("raw question"), nil)
	require.NoError(t, err)
	assert.Len(t, chunks, 1)
	assert.Equal(t, 1, store.denseCalls)
}

func TestAdvancedRetriever_AllSearchesFailed(t *testing.T) {
	store := &fakeStore{denseErr: errors.New("connection refused")}
	r := newAdvanced(t, Config{TopK: 3}, store, &fakeExpander{queries: []string{"q"}})

	_, err := r.Retrieve(context.Background(), userMessage("q"), nil)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no candidates"))
}

func TestAdvancedRetriever_PartialFailureStillReturns(t *testing.T) {
	store := &fakeStore{
		sparseOK:  true,
		sparseErr: errors.New("trigram timeout"),
		dense:     []vectorstore.SearchResult{denseResult("a", 0.9)},
	}
	r := newAdvanced(t, Config{TopK: 3, KeywordSearch: true}, store, &fakeExpander{queries: []string{"q"}})

	chunks, err := r.Retrieve(context.Background(), userMessage("q"), nil)
	require.NoError(t, err, "dense side succeeded, sparse failure is non-fatal")
	assert.Equal(t, []string{"a"}, chunkIDs(chunks))
}
