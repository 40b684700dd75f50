// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guardrails

import (
	"context"
	"log/slog"
	"time"

	"github.com/spectraflex/omnichat/services/gateway/datatypes"
	"github.com/spectraflex/omnichat/services/gateway/session"
)

// Rate-limit defaults: 20 messages per 60-second fixed window per client.
const (
	DefaultRateLimit  = 20
	DefaultRateWindow = 60 * time.Second
)

// Moderator is the external toxicity classifier contract. Implementations
// return true when the text is flagged.
type Moderator interface {
	Moderate(ctx context.Context, text string) (bool, error)
}

// RateLimiter is a fixed-window per-client message limiter backed by the
// shared TTL store.
//
// Throttling is best-effort infrastructure: a store failure allows the
// message rather than denying all traffic.
type RateLimiter struct {
	store  session.Store
	limit  int64
	window time.Duration
}

// NewRateLimiter builds a limiter; non-positive arguments fall back to
// the defaults.
func NewRateLimiter(store session.Store, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{store: store, limit: int64(limit), window: window}
}

// Allow counts one message for clientID and reports whether it is within
// the window limit.
func (l *RateLimiter) Allow(ctx context.Context, clientID string) bool {
	n, err := l.store.IncrWindow(ctx, session.IPWindowKeyPrefix+clientID, l.window)
	if err != nil {
		slog.Warn("Rate-limit store unavailable, allowing message", "clientId", clientID, "error", err)
		return true
	}
	if n > l.limit {
		slog.Warn("Client exceeded message rate limit", "clientId", clientID, "count", n)
		return false
	}
	return true
}

// ContentFilter combines the keyword block-list with the external
// moderation classifier.
type ContentFilter struct {
	engine    *Engine
	moderator Moderator
}

// NewContentFilter builds the filter. moderator may be nil, in which case
// only the block-list applies.
func NewContentFilter(engine *Engine, moderator Moderator) *ContentFilter {
	return &ContentFilter{engine: engine, moderator: moderator}
}

// ToxicOrBlocked reports whether the message must be refused. Moderation
// failures (network, quota) are swallowed and treated as non-flagged so a
// broken safety dependency never denies service on its own.
func (f *ContentFilter) ToxicOrBlocked(ctx context.Context, message string) bool {
	if f.engine.BlockedTopic(message) {
		return true
	}
	if f.moderator == nil {
		return false
	}
	flagged, err := f.moderator.Moderate(ctx, message)
	if err != nil {
		slog.Warn("Moderation call failed, failing open", "error", err)
		return false
	}
	return flagged
}

// Chain is the ordered pre-answer guard sequence. Evaluation
// short-circuits at the first non-allow stage; the only side effect is
// the rate-limit counter increment.
type Chain struct {
	limiter *RateLimiter
	filter  *ContentFilter
}

// NewChain assembles the guard chain.
func NewChain(limiter *RateLimiter, filter *ContentFilter) *Chain {
	return &Chain{limiter: limiter, filter: filter}
}

// Evaluate runs validation, rate limiting, and the content filter against
// one raw inbound frame. The parsed frame is returned only for
// GuardAllow decisions.
//
// The off-topic gate also belongs to the guard layer logically, but it
// depends on retrieval similarity and is applied later in the turn by the
// orchestrator.
func (c *Chain) Evaluate(ctx context.Context, clientID string, raw []byte) (datatypes.GuardDecision, *datatypes.WsIn) {
	in, details := datatypes.ParseWsIn(raw)
	if in == nil {
		return datatypes.GuardDecision{
			Verdict: datatypes.GuardInvalid,
			Reason:  "invalid_payload",
			Details: details,
		}, nil
	}

	if !c.limiter.Allow(ctx, clientID) {
		return datatypes.GuardDecision{Verdict: datatypes.GuardRateLimited, Reason: "rate_limited"}, nil
	}

	if c.filter.ToxicOrBlocked(ctx, in.Message) {
		return datatypes.GuardDecision{Verdict: datatypes.GuardReject, Reason: "blocked"}, nil
	}

	return datatypes.GuardDecision{Verdict: datatypes.GuardAllow}, in
}
