// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation derives retrieval queries from session transcripts.
//
// Two pieces live here: history-window formatting, which renders the tail
// of a transcript as a role-labelled context block, and LLM query
// expansion, which turns that block into multiple search variations for
// hybrid retrieval.
package conversation

import (
	"strings"

	"github.com/AleutianAI/AleutianMed/services/orchestrator/datatypes"
)

// roleLabels maps message roles to the labels used in formatted history.
var roleLabels = map[string]string{
	datatypes.RoleUser:      "User",
	datatypes.RoleAssistant: "Assistant",
	datatypes.RoleSystem:    "System",
	datatypes.RoleTool:      "Tool",
}

// FormatWindow renders the last `window` messages in chronological order
// as "Role: content" lines. System and tool turns are skipped; the
// expansion model only needs the visible conversation.
func FormatWindow(messages []datatypes.Message, window int) string {
	if window <= 0 {
		window = 1
	}

	visible := make([]datatypes.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == datatypes.RoleUser || m.Role == datatypes.RoleAssistant {
			visible = append(visible, m)
		}
	}
	if len(visible) > window {
		visible = visible[len(visible)-window:]
	}

	lines := make([]string, 0, len(visible))
	for _, m := range visible {
		label, ok := roleLabels[m.Role]
		if !ok {
			label = m.Role
		}
		lines = append(lines, label+": "+m.Content)
	}
	return strings.Join(lines, "\n")
}

// LatestUserMessage returns the content of the most recent user turn in
// messages, or "" when there is none.
func LatestUserMessage(messages []datatypes.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == datatypes.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}
