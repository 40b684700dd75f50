// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package answer turns retrieved catalog context plus conversation
// history into a brand-safe reply.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/spectraflex/omnichat/services/gateway/datatypes"
	"github.com/spectraflex/omnichat/services/gateway/guardrails"
	"github.com/spectraflex/omnichat/services/llm"
)

var answerTracer = otel.Tracer("omnichat.gateway.answer")

// DefaultMaxTokens caps each completion call.
const DefaultMaxTokens = 512

// noMatchSentinel stands in for the context block when retrieval found
// nothing usable.
const noMatchSentinel = "NO_MATCH"

// BrandSafeRedirect replaces any reply that still endorses a competitor
// after generation. The swap is all-or-nothing so a scrubbed sentence
// never survives alongside kept ones.
const BrandSafeRedirect = "I can only speak to the gear in our own catalog, " +
	"but I'd be glad to help you find a Spectraflex cable that fits what you're after. " +
	"What kind of rig are you running?"

// hedgePrefixes mark a grounded answer that gave up. A reply starting
// with one of these (after trimming and lowercasing) triggers the second,
// context-free pass.
var hedgePrefixes = []string{
	"i don't know",
	"i do not know",
	"i'm not sure",
	"i am not sure",
	"unsure",
	"i'm sorry, i don't",
	"i cannot find",
	"i can't find",
}

// systemPersona is the grounded first-pass instruction set.
const systemPersona = "You are the Spectraflex shopping assistant. " +
	"Recommend only products listed in the CATALOG CONTEXT below; never invent products " +
	"and never endorse other cable brands. " +
	"When you recommend a product, cite it as a short list with its link and a one-line " +
	"benefit, and finish by telling the shopper they can reply \"add to cart\" to buy it. " +
	"If the context line is NO_MATCH, say you could not find a matching product and ask a " +
	"clarifying question instead.\n\nCATALOG CONTEXT:\n%s"

// loosePersona drives the second pass when the grounded answer hedged.
const loosePersona = "You are the Spectraflex shopping assistant. " +
	"Answer the shopper's question helpfully from general knowledge about instrument " +
	"cables and audio gear. Do not endorse other cable brands, and do not invent " +
	"specific Spectraflex products."

// Engine generates replies through the LLM backend and enforces the
// brand policy on the way out.
type Engine struct {
	client    llm.Client
	guard     *guardrails.Engine
	shopURL   string
	maxTokens int
}

// NewEngine wires the completion backend, the brand policy engine, and
// the storefront base URL used in citation links.
func NewEngine(client llm.Client, guard *guardrails.Engine, shopURL string, maxTokens int) *Engine {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Engine{
		client:    client,
		guard:     guard,
		shopURL:   strings.TrimRight(shopURL, "/"),
		maxTokens: maxTokens,
	}
}

// ContextBlock renders retrieved items into the prompt's catalog block,
// one line per match, or the NO_MATCH sentinel when empty.
func (e *Engine) ContextBlock(items []datatypes.RetrievedItem) string {
	if len(items) == 0 {
		return noMatchSentinel
	}
	lines := make([]string, 0, len(items))
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("- %s (%s/products/%s) score=%.2f",
			it.Title, e.shopURL, it.Handle, it.Score))
	}
	return strings.Join(lines, "\n")
}

// hedged reports whether the model declined to answer from context.
func hedged(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	for _, p := range hedgePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Answer runs the grounded pass and, when that hedges, a second
// context-free pass. TokensUsed in the result is the sum across both
// calls so the caller charges the full cost against the session budget.
//
// history must already be windowed; the shopper's current message is the
// last user turn appended here.
func (e *Engine) Answer(ctx context.Context, history []datatypes.ChatTurn, message string, items []datatypes.RetrievedItem) (*datatypes.AnswerResult, error) {
	ctx, span := answerTracer.Start(ctx, "Engine.Answer")
	defer span.End()

	turns := make([]datatypes.ChatTurn, 0, len(history)+2)
	turns = append(turns, datatypes.ChatTurn{
		Role:    "system",
		Content: fmt.Sprintf(systemPersona, e.ContextBlock(items)),
	})
	turns = append(turns, history...)
	turns = append(turns, datatypes.ChatTurn{Role: datatypes.RoleUser, Content: message})

	first, err := e.client.Complete(ctx, turns, e.maxTokens)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grounded completion failed")
		return nil, fmt.Errorf("grounded completion failed: %w", err)
	}
	text := first.Text
	tokens := first.TokensUsed

	if hedged(text) {
		span.SetAttributes(attribute.Bool("answer.fallback_pass", true))
		slog.Debug("Grounded answer hedged, running loose pass")
		loose := make([]datatypes.ChatTurn, 0, len(history)+2)
		loose = append(loose, datatypes.ChatTurn{Role: "system", Content: loosePersona})
		loose = append(loose, history...)
		loose = append(loose, datatypes.ChatTurn{Role: datatypes.RoleUser, Content: message})

		second, err := e.client.Complete(ctx, loose, e.maxTokens)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "fallback completion failed")
			return nil, fmt.Errorf("fallback completion failed: %w", err)
		}
		text = second.Text
		tokens += second.TokensUsed
	}

	if e.guard.MentionsDisallowedBrand(text) {
		span.SetAttributes(attribute.Bool("answer.brand_scrubbed", true))
		slog.Warn("Generated reply mentioned a disallowed brand, replacing with redirect")
		text = BrandSafeRedirect
	}

	span.SetAttributes(attribute.Int("answer.tokens_used", tokens))
	return &datatypes.AnswerResult{Text: text, TokensUsed: tokens}, nil
}
