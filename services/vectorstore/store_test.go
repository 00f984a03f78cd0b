// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatVector(t *testing.T) {
	tests := []struct {
		name   string
		input  []float32
		expect string
	}{
		{"empty", []float32{}, "[]"},
		{"single", []float32{1}, "[1]"},
		{"negative and fraction", []float32{-0.5, 0.25, 2}, "[-0.5,0.25,2]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, formatVector(tt.input))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{User: "u", Password: "p", Database: "d"}
	cfg.applyDefaults()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "5432", cfg.Port)
	assert.Equal(t, int32(2), cfg.MinConns)
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, 10*time.Second, cfg.QueryTimeout)
	assert.Equal(t, "postgres://u:p@localhost:5432/d?sslmode=disable", cfg.dsn())
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_PORT", "5433")
	t.Setenv("POSTGRES_DB", "corpus")
	t.Setenv("POSTGRES_USER", "rag")
	t.Setenv("POSTGRES_PASSWORD", "s3cret")
	t.Setenv("POSTGRES_MIN_CONNS", "3")
	t.Setenv("POSTGRES_MAX_CONNS", "20")

	cfg := ConfigFromEnv()
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, "5433", cfg.Port)
	assert.Equal(t, "corpus", cfg.Database)
	assert.Equal(t, "rag", cfg.User)
	assert.Equal(t, "s3cret", cfg.Password)
	assert.Equal(t, int32(3), cfg.MinConns)
	assert.Equal(t, int32(20), cfg.MaxConns)
}

func TestBatchUpsert_RejectsWrongEmbeddingWidth(t *testing.T) {
	store := &PostgresStore{queryTimeout: time.Second}

	err := store.BatchUpsert(context.Background(), []Chunk{{
		ID:             "doc-0000",
		Text:           "short passage",
		SourceDocument: "doc",
		Embedding:      []float32{1, 2, 3},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 dimensions")
	assert.Contains(t, err.Error(), "1024")
}

func TestSearchSparse_UnsupportedWithoutTrigram(t *testing.T) {
	store := &PostgresStore{queryTimeout: time.Second, sparseOK: false}
	_, err := store.SearchSparse(context.Background(), "aripiprazole", 5, 0.1)
	require.ErrorIs(t, err, ErrSparseUnsupported)
	assert.False(t, store.SparseSupported())
}
