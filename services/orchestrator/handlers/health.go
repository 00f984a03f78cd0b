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
	"net/http"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
	"github.com/gin-gonic/gin"
)

// Version is the service version reported by /health. Overridden at
// build time via -ldflags "-X ...handlers.Version=v1.2.3".
var Version = "dev"

// HandleHealth processes GET /health. Stays unauthenticated so load
// balancers and probes can reach it.
func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.HealthResponse{
		Status:  "healthy",
		Version: Version,
	})
}
