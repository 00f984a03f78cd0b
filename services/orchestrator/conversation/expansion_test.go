// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/AleutianAI/AleutianMed/services/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLLM returns a canned response for Generate calls.
type fakeLLM struct {
	response string
	err      error
	prompt   string
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	f.prompt = prompt
	return f.response, f.err
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.ChatMessage, params llm.GenerationParams) (string, error) {
	return f.response, f.err
}

func (f *fakeLLM) ChatStream(ctx context.Context, messages []llm.ChatMessage, params llm.GenerationParams, cb llm.StreamCallback) error {
	return f.err
}

// =============================================================================
// Parse Tests
// =============================================================================

func TestParseExpansionResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{
			"clean JSON",
			`{"queries": ["aripiprazole mechanism", "aripiprazole dopamine"]}`,
			[]string{"aripiprazole mechanism", "aripiprazole dopamine"},
			false,
		},
		{
			"JSON wrapped in prose",
			"Here are the queries:\n```json\n{\"queries\": [\"q1\"]}\n```\nDone.",
			[]string{"q1"},
			false,
		},
		{
			"no JSON at all",
			"I cannot help with that.",
			nil,
			true,
		},
		{
			"malformed JSON",
			`{"queries": ["unterminated}`,
			nil,
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseExpansionResponse(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Filter Tests
// =============================================================================

func TestFilterQueries(t *testing.T) {
	kept, dropped, duplicates := filterQueries([]string{
		"  aripiprazole mechanism  ",
		"",
		"???",
		"Aripiprazole Mechanism", // case-insensitive duplicate
		"side effects",
		"   ",
	}, 10)

	assert.Equal(t, []string{"aripiprazole mechanism", "side effects"}, kept)
	assert.Equal(t, 3, dropped)
	assert.Equal(t, 1, duplicates)
}

func TestFilterQueries_Truncates(t *testing.T) {
	in := []string{"a1", "a2", "a3", "a4", "a5"}
	kept, _, _ := filterQueries(in, 3)
	assert.Equal(t, []string{"a1", "a2", "a3"}, kept)
}

func TestIsPunctuationOnly(t *testing.T) {
	assert.True(t, isPunctuationOnly("?!."))
	assert.True(t, isPunctuationOnly("---"))
	assert.False(t, isPunctuationOnly("q?"))
	assert.False(t, isPunctuationOnly("123"))
}

// =============================================================================
// Expander Tests
// =============================================================================

func TestExpand_FiltersAndCaps(t *testing.T) {
	fake := &fakeLLM{response: `{"queries": ["one", "one", "", "two", "three"]}`}
	e := NewLLMQueryExpander(fake)

	queries, err := e.Expand(context.Background(), "User: tell me about one, two and three", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, queries)
	assert.Contains(t, fake.prompt, "tell me about one")
}

func TestExpand_UnparseableReturnsEmptyNotError(t *testing.T) {
	fake := &fakeLLM{response: "no json here"}
	e := NewLLMQueryExpander(fake)

	queries, err := e.Expand(context.Background(), "User: hi", 5)
	require.NoError(t, err)
	assert.Empty(t, queries, "caller falls back to the raw query")
}

func TestExpand_GenerationErrorPropagates(t *testing.T) {
	fake := &fakeLLM{err: errors.New("upstream down")}
	e := NewLLMQueryExpander(fake)

	_, err := e.Expand(context.Background(), "User: hi", 5)
	require.Error(t, err)
}
