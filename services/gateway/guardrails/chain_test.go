// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package guardrails

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectraflex/omnichat/services/gateway/datatypes"
	"github.com/spectraflex/omnichat/services/gateway/session"
)

type stubModerator struct {
	flagged bool
	err     error
	calls   int
}

func (m *stubModerator) Moderate(ctx context.Context, text string) (bool, error) {
	m.calls++
	return m.flagged, m.err
}

func newTestChain(t *testing.T, store session.Store, limit int, mod Moderator) *Chain {
	t.Helper()
	engine, err := NewEngine()
	require.NoError(t, err)
	return NewChain(
		NewRateLimiter(store, limit, time.Minute),
		NewContentFilter(engine, mod),
	)
}

func TestRateLimiter_AllowsUpToLimit(t *testing.T) {
	limiter := NewRateLimiter(session.NewMemoryStore(), 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(ctx, "1.2.3.4"))
	}
	assert.False(t, limiter.Allow(ctx, "1.2.3.4"))

	// Other clients are unaffected.
	assert.True(t, limiter.Allow(ctx, "5.6.7.8"))
}

type failingStore struct {
	session.Store
}

func (failingStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	return 0, errors.New("store down")
}

func TestRateLimiter_FailsOpenOnStoreError(t *testing.T) {
	limiter := NewRateLimiter(failingStore{}, 1, time.Minute)
	assert.True(t, limiter.Allow(context.Background(), "1.2.3.4"))
	assert.True(t, limiter.Allow(context.Background(), "1.2.3.4"))
}

func TestContentFilter_FailsOpenOnModerationError(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)
	mod := &stubModerator{err: errors.New("quota exceeded")}
	filter := NewContentFilter(engine, mod)

	assert.False(t, filter.ToxicOrBlocked(context.Background(), "tell me about cables"))
	assert.Equal(t, 1, mod.calls)
}

func TestContentFilter_BlocklistShortCircuitsModeration(t *testing.T) {
	engine, err := NewEngine()
	require.NoError(t, err)
	mod := &stubModerator{}
	filter := NewContentFilter(engine, mod)

	assert.True(t, filter.ToxicOrBlocked(context.Background(), "what dosage should I take"))
	assert.Zero(t, mod.calls)
}

func TestChain_Evaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("valid message is allowed", func(t *testing.T) {
		chain := newTestChain(t, session.NewMemoryStore(), 10, &stubModerator{})
		decision, in := chain.Evaluate(ctx, "1.2.3.4", []byte(`{"message":"best cable for bass?"}`))
		assert.True(t, decision.Allowed())
		require.NotNil(t, in)
		assert.Equal(t, "best cable for bass?", in.Message)
	})

	t.Run("malformed json is invalid", func(t *testing.T) {
		chain := newTestChain(t, session.NewMemoryStore(), 10, &stubModerator{})
		decision, in := chain.Evaluate(ctx, "1.2.3.4", []byte(`{not json`))
		assert.Equal(t, datatypes.GuardInvalid, decision.Verdict)
		assert.Nil(t, in)
		assert.NotEmpty(t, decision.Details)
	})

	t.Run("missing message field is invalid", func(t *testing.T) {
		chain := newTestChain(t, session.NewMemoryStore(), 10, &stubModerator{})
		decision, _ := chain.Evaluate(ctx, "1.2.3.4", []byte(`{"session":"abc"}`))
		assert.Equal(t, datatypes.GuardInvalid, decision.Verdict)
	})

	t.Run("oversized message is invalid and not counted", func(t *testing.T) {
		store := session.NewMemoryStore()
		chain := newTestChain(t, store, 1, &stubModerator{})
		big := `{"message":"` + strings.Repeat("x", datatypes.MaxMessageContentBytes+1) + `"}`
		decision, _ := chain.Evaluate(ctx, "1.2.3.4", []byte(big))
		assert.Equal(t, datatypes.GuardInvalid, decision.Verdict)

		// Validation rejection must not have consumed the rate budget.
		decision, _ = chain.Evaluate(ctx, "1.2.3.4", []byte(`{"message":"hi"}`))
		assert.True(t, decision.Allowed())
	})

	t.Run("over the rate limit closes", func(t *testing.T) {
		chain := newTestChain(t, session.NewMemoryStore(), 1, &stubModerator{})
		decision, _ := chain.Evaluate(ctx, "1.2.3.4", []byte(`{"message":"one"}`))
		assert.True(t, decision.Allowed())
		decision, _ = chain.Evaluate(ctx, "1.2.3.4", []byte(`{"message":"two"}`))
		assert.Equal(t, datatypes.GuardRateLimited, decision.Verdict)
	})

	t.Run("blocked keyword is rejected", func(t *testing.T) {
		chain := newTestChain(t, session.NewMemoryStore(), 10, &stubModerator{})
		decision, _ := chain.Evaluate(ctx, "1.2.3.4", []byte(`{"message":"how to make a bomb"}`))
		assert.Equal(t, datatypes.GuardReject, decision.Verdict)
		assert.Equal(t, "blocked", decision.Reason)
	})

	t.Run("moderation flag is rejected", func(t *testing.T) {
		chain := newTestChain(t, session.NewMemoryStore(), 10, &stubModerator{flagged: true})
		decision, _ := chain.Evaluate(ctx, "1.2.3.4", []byte(`{"message":"something nasty"}`))
		assert.Equal(t, datatypes.GuardReject, decision.Verdict)
	})
}
