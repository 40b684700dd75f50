// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"context"
	"time"

	"github.com/spectraflex/omnichat/services/gateway/datatypes"
)

// Defaults for session state retention. All are overridable via Config.
const (
	DefaultHistoryWindow = 6
	DefaultHistoryTTL    = 24 * time.Hour
	DefaultBudgetTokens  = 15_000
	DefaultBudgetTTL     = 30 * time.Minute
)

// Config tunes the session state accessor.
type Config struct {
	// HistoryWindow is the maximum number of stored messages per session.
	// Older turns are dropped FIFO.
	HistoryWindow int
	// HistoryTTL scopes conversation history and the last-item pointer.
	HistoryTTL time.Duration
	// BudgetTokens is the per-session LLM token budget within one idle
	// TTL epoch.
	BudgetTokens int
	// BudgetTTL is the idle window after which the budget resets.
	BudgetTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = DefaultHistoryWindow
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = DefaultHistoryTTL
	}
	if c.BudgetTokens <= 0 {
		c.BudgetTokens = DefaultBudgetTokens
	}
	if c.BudgetTTL <= 0 {
		c.BudgetTTL = DefaultBudgetTTL
	}
	return c
}

// State exposes a session's durable pieces — bounded history, last
// recommended item, token budget — as typed operations over the store.
// Each piece is an independent single-key write; there is no cross-key
// transaction, which is acceptable because every piece is advisory.
type State struct {
	store Store
	cfg   Config
}

// NewState wraps a store with session state semantics.
func NewState(store Store, cfg Config) *State {
	return &State{store: store, cfg: cfg.withDefaults()}
}

// History returns the session's stored turns, oldest first. A missing or
// expired key yields an empty history, not an error.
func (s *State) History(ctx context.Context, sessionID string) ([]datatypes.ChatTurn, error) {
	var turns []datatypes.ChatTurn
	if _, err := s.store.GetJSON(ctx, historyKeyPrefix+sessionID, &turns); err != nil {
		return nil, err
	}
	return turns, nil
}

// AppendTurns appends turns to the session history, trims to the
// configured window (oldest dropped first), persists, and refreshes the
// history TTL.
func (s *State) AppendTurns(ctx context.Context, sessionID string, turns ...datatypes.ChatTurn) error {
	stored, err := s.History(ctx, sessionID)
	if err != nil {
		return err
	}
	stored = append(stored, turns...)
	if n := len(stored); n > s.cfg.HistoryWindow {
		stored = stored[n-s.cfg.HistoryWindow:]
	}
	return s.store.SetJSON(ctx, historyKeyPrefix+sessionID, stored, s.cfg.HistoryTTL)
}

// LastItem returns the session's last recommended item reference, or ""
// when none has been recorded in the current TTL window.
func (s *State) LastItem(ctx context.Context, sessionID string) (string, error) {
	var item string
	if _, err := s.store.GetJSON(ctx, lastItemKeyPrefix+sessionID, &item); err != nil {
		return "", err
	}
	return item, nil
}

// SetLastItem records the item reference cart intent resolves against.
func (s *State) SetLastItem(ctx context.Context, sessionID, itemRef string) error {
	return s.store.SetJSON(ctx, lastItemKeyPrefix+sessionID, itemRef, s.cfg.HistoryTTL)
}

// ConsumeTokens charges used tokens against the session budget.
// The second return is false once the budget is exhausted; the triggering
// charge is not applied in that case, but by contract the caller has
// already computed (and paid the collaborator for) the answer.
func (s *State) ConsumeTokens(ctx context.Context, sessionID string, used int) (int, bool, error) {
	remain, err := s.store.ConsumeTokens(ctx, budgetKeyPrefix+sessionID,
		s.cfg.BudgetTokens, used, s.cfg.BudgetTTL)
	if err != nil {
		return 0, false, err
	}
	if remain == BudgetExhausted {
		return 0, false, nil
	}
	return remain, true, nil
}

// Window returns the configured history window, in messages.
func (s *State) Window() int {
	return s.cfg.HistoryWindow
}
