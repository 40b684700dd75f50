// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the transient values that flow through one message
// turn: retrieved context items, guardrail decisions, and answer results.
// None of these are persisted beyond the turn that produced them (the one
// exception is the last-recommended-item pointer derived from the top
// retrieved item).
package datatypes

// RetrievedItem is one normalized match from the vector index.
//
// Score is a similarity in [0,1] (Weaviate certainty). VariantId is the
// purchasable variant when the catalog distinguishes one; cart handling
// falls back to Id otherwise.
type RetrievedItem struct {
	Id        string  `json:"id"`
	Title     string  `json:"title"`
	Handle    string  `json:"handle"`
	Score     float64 `json:"score"`
	VariantId string  `json:"variant_id,omitempty"`
}

// CartReference returns the identifier cart handling should order:
// the variant when present, the product id otherwise.
func (r RetrievedItem) CartReference() string {
	if r.VariantId != "" {
		return r.VariantId
	}
	return r.Id
}

// =============================================================================
// Guard Decisions
// =============================================================================

// GuardVerdict is the outcome class of the pre-answer guard chain.
type GuardVerdict int

const (
	// GuardAllow lets the turn proceed to routing.
	GuardAllow GuardVerdict = iota
	// GuardInvalid marks a malformed payload; the turn is answered with an
	// error frame and the connection stays open.
	GuardInvalid
	// GuardRateLimited marks a client over its message window; the
	// connection is closed.
	GuardRateLimited
	// GuardReject marks content the gateway refuses to discuss; the turn
	// is answered with a canned refusal.
	GuardReject
)

// GuardDecision is the result of evaluating the guard chain for one
// message. Computed per turn, never persisted.
type GuardDecision struct {
	Verdict GuardVerdict
	// Reason is a short machine-readable tag ("blocked", "off_topic").
	Reason string
	// Details carries validation failures for GuardInvalid.
	Details []string
}

// Allowed reports whether the turn may proceed.
func (d GuardDecision) Allowed() bool {
	return d.Verdict == GuardAllow
}

// =============================================================================
// Answer Results
// =============================================================================

// AnswerResult is the output of the answer engine for one turn.
// TokensUsed is the total across the grounded call and, when the model
// punted, the fallback call; the orchestrator charges it against the
// session budget after the fact.
type AnswerResult struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
}
