// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command orchestrator starts the AleutianMed conversational server.
//
// Configuration comes from environment variables (a .env file is loaded
// when present):
//
//   - ORCHESTRATOR_PORT: HTTP server port (default: 12210)
//   - API_BEARER_TOKEN: required; at least 64 hex characters
//   - POSTGRES_HOST, POSTGRES_PORT, POSTGRES_DB, POSTGRES_USER,
//     POSTGRES_PASSWORD: vector store connection
//   - EMBEDDING_PROVIDER: local, openrouter, aliyun (default: local)
//   - EMBEDDING_SERVICE_URL / EMBEDDING_MODEL / EMBEDDING_API_KEY
//   - RERANKER_SERVICE_URL: cross-encoder sidecar endpoint
//   - OPENAI_API_KEY, OPENAI_API_BASE, MODEL_NAME: chat LLM
//   - RETRIEVAL_STRATEGY: simple, rerank, advanced (default: advanced)
//   - ENABLE_KEYWORD_SEARCH: enable hybrid trigram search (default: false)
//   - SESSION_TTL_SECONDS: idle session lifetime (default: 3600)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: trace collector (default: aleutian-otel-collector:4317)
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_DIR: when set, logs are teed into {service}_{date}.log there
package main

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianMed/pkg/logging"
	"github.com/AleutianAI/AleutianMed/services/embedding"
	"github.com/AleutianAI/AleutianMed/services/orchestrator"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianMed/services/vectorstore"
	"github.com/joho/godotenv"
)

func main() {
	// Missing .env is fine in containers; variables come from the runtime.
	_ = godotenv.Load()

	level, err := logging.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		slog.Warn("unknown LOG_LEVEL, using info", "value", os.Getenv("LOG_LEVEL"))
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		Service: "orchestrator",
		LogDir:  os.Getenv("LOG_DIR"),
	})
	if err != nil {
		slog.Error("failed to initialize logging", "error", err)
		os.Exit(1)
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	token := strings.TrimSpace(os.Getenv("API_BEARER_TOKEN"))
	if err := middleware.ValidateTokenFormat(token); err != nil {
		slog.Error("refusing to start with an unusable API_BEARER_TOKEN", "error", err)
		os.Exit(1)
	}

	cfg := orchestrator.Config{
		Port:          envInt("ORCHESTRATOR_PORT", 12210),
		GinMode:       os.Getenv("GIN_MODE"),
		OTelEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		BearerToken:   token,
		SessionTTL:    time.Duration(envInt("SESSION_TTL_SECONDS", 3600)) * time.Second,
		SweepInterval: time.Duration(envInt("SESSION_SWEEP_SECONDS", 300)) * time.Second,
		RerankerURL:   os.Getenv("RERANKER_SERVICE_URL"),
		Postgres:      vectorstore.ConfigFromEnv(),
		Embedding: embedding.Config{
			Provider:   os.Getenv("EMBEDDING_PROVIDER"),
			Model:      os.Getenv("EMBEDDING_MODEL"),
			ServiceURL: os.Getenv("EMBEDDING_SERVICE_URL"),
			APIKey:     os.Getenv("EMBEDDING_API_KEY"),
		},
		Retrieval: retrieval.Config{
			Strategy:            os.Getenv("RETRIEVAL_STRATEGY"),
			TopK:                envInt("TOP_K_DOCUMENTS", 0),
			CandidateMultiplier: envInt("CANDIDATE_MULTIPLIER", 0),
			MaxQueries:          envInt("MAX_QUERIES", 0),
			HistoryWindow:       envInt("HISTORY_WINDOW", 0),
			KeywordSearch:       envBool("ENABLE_KEYWORD_SEARCH", false),
			KeywordThreshold:    envFloat("KEYWORD_SIMILARITY_THRESHOLD", 0),
		},
	}

	slog.Info("starting orchestrator",
		"port", cfg.Port,
		"retrieval_strategy", cfg.Retrieval.Strategy,
		"embedding_provider", cfg.Embedding.Provider)

	svc, err := orchestrator.New(cfg)
	if err != nil {
		slog.Error("failed to initialize orchestrator", "error", err)
		os.Exit(1)
	}

	if err := svc.Run(); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("ignoring non-numeric environment value", "key", key, "value", v)
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		slog.Warn("ignoring non-numeric environment value", "key", key, "value", v)
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
		slog.Warn("ignoring non-boolean environment value", "key", key, "value", v)
	}
	return fallback
}
