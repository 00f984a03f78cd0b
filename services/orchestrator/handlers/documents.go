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
	"fmt"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianMed/services/embedding"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianMed/services/vectorstore"
	"github.com/gin-gonic/gin"
	"github.com/tmc/langchaingo/textsplitter"
)

// Chunking parameters for ingested documents. Overlap keeps clinical
// statements intact across chunk boundaries.
const (
	chunkSize    = 1000
	chunkOverlap = 150
)

// =============================================================================
// Struct Definition
// =============================================================================

// DocumentHandler serves POST /v1/documents: split, embed, upsert.
//
// Chunk ids derive from the source document name and chunk index. A
// re-ingest first drops the document's existing rows, so a text that now
// splits into fewer chunks cannot leave stale higher-index rows behind.
type DocumentHandler struct {
	provider embedding.Provider
	store    vectorstore.Store
	splitter textsplitter.TextSplitter
}

// NewDocumentHandler builds a DocumentHandler over the given embedding
// provider and vector store.
func NewDocumentHandler(provider embedding.Provider, store vectorstore.Store) *DocumentHandler {
	if provider == nil || store == nil {
		panic("handlers: document handler requires a provider and a store")
	}
	return &DocumentHandler{
		provider: provider,
		store:    store,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators([]string{"\n\n", "\n", ". ", " ", ""}),
		),
	}
}

// =============================================================================
// Methods
// =============================================================================

// HandleIngest processes POST /v1/documents.
func (h *DocumentHandler) HandleIngest(c *gin.Context) {
	var req datatypes.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{
			Detail:    "invalid request body: " + err.Error(),
			ErrorCode: datatypes.ErrCodeValidation,
		})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{
			Detail:    "validation failed: " + err.Error(),
			ErrorCode: datatypes.ErrCodeValidation,
		})
		return
	}

	texts, err := h.splitter.SplitText(req.Text)
	if err != nil {
		slog.Error("failed to split document", "source", req.SourceDocument, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Detail:    "failed to split document",
			ErrorCode: datatypes.ErrCodeInternal,
		})
		return
	}
	if len(texts) == 0 {
		c.JSON(http.StatusOK, datatypes.IngestResponse{SourceDocument: req.SourceDocument})
		return
	}
	slog.Info("document split",
		"source", req.SourceDocument,
		"chunk_count", len(texts),
	)

	vectors, err := h.provider.Encode(c.Request.Context(), texts)
	if err != nil {
		slog.Error("failed to embed document", "source", req.SourceDocument, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Detail:    "embedding service unavailable",
			ErrorCode: datatypes.ErrCodeInternal,
		})
		return
	}

	chunks := make([]vectorstore.Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = vectorstore.Chunk{
			ID:             fmt.Sprintf("%s-%04d", req.SourceDocument, i),
			Text:           text,
			SourceDocument: req.SourceDocument,
			ChapterTitle:   req.ChapterTitle,
			SectionTitle:   req.SectionTitle,
			TokenCount:     len(text) / 4,
			Embedding:      vectors[i],
		}
	}

	if err := h.store.DeleteBySource(c.Request.Context(), req.SourceDocument); err != nil {
		slog.Error("failed to drop existing chunks", "source", req.SourceDocument, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Detail:    "failed to index document",
			ErrorCode: datatypes.ErrCodeInternal,
		})
		return
	}

	if err := h.store.BatchUpsert(c.Request.Context(), chunks); err != nil {
		slog.Error("failed to upsert chunks", "source", req.SourceDocument, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{
			Detail:    "failed to index document",
			ErrorCode: datatypes.ErrCodeInternal,
		})
		return
	}

	slog.Info("document indexed",
		"source", req.SourceDocument,
		"chunks_indexed", len(chunks),
	)
	c.JSON(http.StatusCreated, datatypes.IngestResponse{
		SourceDocument: req.SourceDocument,
		ChunksIndexed:  len(chunks),
	})
}
