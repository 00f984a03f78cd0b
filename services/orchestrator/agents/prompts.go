// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agents

import (
	"fmt"
	"strings"
)

// Disclaimer concludes every outward answer, from either agent. The exact
// wording is part of the product contract; tests match on it verbatim.
const Disclaimer = "This information is for educational purposes only and is not a substitute " +
	"for professional medical advice. Always consult a qualified healthcare " +
	"provider regarding medications and treatment."

// Sampling temperatures. Classification runs nearly deterministic;
// generation keeps some variety.
const (
	classifyTemperature   float32 = 0.1
	generationTemperature float32 = 0.7
)

const supervisorPrompt = `You route the first message of a conversation to one of two assistants.

Categories:
- emotional: the user is primarily seeking emotional support, reassurance, or someone to talk to about feelings, stress, fear, or loneliness.
- rag: the user is asking for factual information about medications, conditions, treatments, side effects, or anything answerable from medical reference material.

Respond with exactly one word: emotional or rag.`

const emotionalPrompt = `You are a warm, supportive companion for people navigating mental-health
challenges. Listen carefully, validate feelings, and respond with empathy in
plain language. Do not diagnose, do not recommend medications or dosages, and
gently suggest professional help when the conversation warrants it. Keep
responses conversational and reasonably short.`

const ragClassifyPrompt = `Decide whether answering the user's latest message requires looking up
medical reference material.

- retrieve: the message asks about medications, dosing, side effects,
  interactions, conditions, or treatment facts.
- respond: the message is a greeting, thanks, small talk, or a follow-up that
  needs no new reference material.

Respond with exactly one word: retrieve or respond.`

const ragAnswerPrompt = `You are a medication-information assistant. Answer the user's question using
ONLY the numbered source passages provided. Cite facts to their sources by
number, e.g. [1]. If the sources do not cover the question, say so plainly
instead of guessing. Be accurate, concise, and neutral in tone.`

const ragConversationalPrompt = `You are a medication-information assistant. The user's latest message needs
no reference lookup. Reply briefly and courteously, and invite a concrete
question about medications or conditions if appropriate.`

// buildContextBlock renders retrieved passages as a numbered source list
// the answer prompt can cite into.
func buildContextBlock(passages []contextPassage) string {
	var sb strings.Builder
	sb.WriteString("Source passages:\n\n")
	for i, p := range passages {
		fmt.Fprintf(&sb, "[%d] %s", i+1, p.label)
		sb.WriteString("\n")
		sb.WriteString(p.text)
		sb.WriteString("\n\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

type contextPassage struct {
	label string
	text  string
}

// ensureDisclaimer appends the educational disclaimer when the model did
// not include it on its own.
func ensureDisclaimer(content string) (string, bool) {
	if strings.Contains(content, Disclaimer) {
		return content, false
	}
	return strings.TrimRight(content, "\n") + "\n\n" + Disclaimer, true
}
