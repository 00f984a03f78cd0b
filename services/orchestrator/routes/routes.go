// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/AleutianAI/AleutianMed/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianMed/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handlers bundles the constructed handler set for route registration.
type Handlers struct {
	Chat      *handlers.ChatHandler
	Documents *handlers.DocumentHandler
	Sessions  *handlers.SessionHandler
}

// SetupRoutes wires all endpoints onto the router.
//
// /health and /metrics stay unauthenticated for probes and scrapers;
// everything else sits behind the bearer token.
func SetupRoutes(router *gin.Engine, h Handlers, bearerToken string) {
	router.GET("/health", handlers.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	auth := middleware.BearerAuth(bearerToken)

	router.POST("/chat", auth, h.Chat.HandleChatStream)

	v1 := router.Group("/v1", auth)
	{
		v1.POST("/documents", h.Documents.HandleIngest)

		sessions := v1.Group("/sessions")
		{
			sessions.GET("", h.Sessions.HandleList)
			sessions.DELETE("/:sessionId", h.Sessions.HandleDelete)
		}
	}
}
