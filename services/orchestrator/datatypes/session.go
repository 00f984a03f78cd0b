// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Agent names a session can be assigned to.
const (
	AgentEmotional = "emotional"
	AgentRAG       = "rag"
)

// ValidAgent reports whether name is a member of the agent enumeration.
func ValidAgent(name string) bool {
	return name == AgentEmotional || name == AgentRAG
}

// =============================================================================
// Message
// =============================================================================

// SourceInfo cites one retrieved chunk in an assistant message.
type SourceInfo struct {
	Source       string  `json:"source"`
	ChapterTitle string  `json:"chapter_title,omitempty"`
	Distance     float64 `json:"distance,omitempty"`
	Score        float64 `json:"score,omitempty"`
}

// Message is one turn of a session transcript. The transcript is
// append-only; messages are never edited after the fact.
type Message struct {
	Role    string       `json:"role"`
	Content string       `json:"content"`
	Agent   string       `json:"agent,omitempty"`
	Sources []SourceInfo `json:"sources,omitempty"`
}

// =============================================================================
// Session
// =============================================================================

// Session is one user's conversation.
//
// Invariants: a session belongs to exactly one user for its lifetime;
// AssignedAgent transitions at most once, from empty to a valid agent name;
// Messages is append-only; UpdatedAt never precedes CreatedAt.
type Session struct {
	ID            string            `json:"session_id"`
	UserID        string            `json:"user_id"`
	AssignedAgent string            `json:"assigned_agent,omitempty"`
	Messages      []Message         `json:"messages"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy. The store hands out copies so callers can
// never mutate shared state outside a Save.
func (s *Session) Clone() *Session {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	for i, m := range s.Messages {
		if len(m.Sources) > 0 {
			out.Messages[i].Sources = make([]SourceInfo, len(m.Sources))
			copy(out.Messages[i].Sources, m.Sources)
		}
	}
	return &out
}

// AppendMessage adds one turn to the transcript.
func (s *Session) AppendMessage(m Message) {
	s.Messages = append(s.Messages, m)
}

// LastUserMessage returns the content of the most recent user turn, or ""
// when the transcript has none.
func (s *Session) LastUserMessage() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}
