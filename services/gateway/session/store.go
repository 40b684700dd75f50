// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session provides TTL-scoped persistence for conversation state.
//
// Everything a session owns — its bounded turn history, its last
// recommended item, its remaining token budget — lives in the store under
// session-scoped keys, so concurrent connections never contend on shared
// state. The per-client rate-limit counters share the store under a
// separate key namespace.
//
// Two drivers are provided: Redis for deployment and an in-memory driver
// for tests and lightweight mode. Both implement the same fixed-window
// and budget-consumption semantics.
package session

import (
	"context"
	"time"
)

// Key namespaces. Session state and limiter counters share the store but
// never share a key.
const (
	historyKeyPrefix  = "chat:hist:"
	lastItemKeyPrefix = "chat:item:"
	budgetKeyPrefix   = "rl:tok:"

	// IPWindowKeyPrefix namespaces the per-client rate-limit counters,
	// which are owned by the guard chain rather than session state.
	IPWindowKeyPrefix = "rl:ip:"
)

// BudgetExhausted is the remaining-token sentinel returned by
// ConsumeTokens when charging the requested amount would take the budget
// below zero. The stored value is left untouched in that case.
const BudgetExhausted = -1

// Store is the TTL key-value contract the gateway runs on.
//
// Implementations must make IncrWindow and ConsumeTokens atomic with
// respect to concurrent callers on the same key (two browser tabs on one
// session must not lose updates).
type Store interface {
	// GetJSON reads the value at key into dest. The second return is
	// false when the key does not exist or has expired (not an error).
	GetJSON(ctx context.Context, key string, dest any) (bool, error)

	// SetJSON writes val at key and (re)arms its TTL.
	SetJSON(ctx context.Context, key string, val any, ttl time.Duration) error

	// IncrWindow increments a fixed-window counter. When the increment
	// starts a new window (count == 1) the window TTL is armed. Returns
	// the count within the current window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// ConsumeTokens charges used tokens against the budget at key,
	// initializing the key to budget on first use. Returns the tokens
	// remaining, or BudgetExhausted if the charge would go negative (in
	// which case nothing is written). The idle TTL is refreshed on every
	// successful charge.
	ConsumeTokens(ctx context.Context, key string, budget, used int, ttl time.Duration) (int, error)

	// Ping reports store reachability for the health probe.
	Ping(ctx context.Context) error

	// Close releases the driver's resources.
	Close() error
}
