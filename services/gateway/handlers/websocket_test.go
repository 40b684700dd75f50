// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spectraflex/omnichat/services/gateway/datatypes"
	"github.com/spectraflex/omnichat/services/gateway/guardrails"
	"github.com/spectraflex/omnichat/services/gateway/session"
)

// =============================================================================
// Test doubles
// =============================================================================

type stubRetriever struct {
	items []datatypes.RetrievedItem
	err   error
}

func (s *stubRetriever) Retrieve(ctx context.Context, query string, k int) ([]datatypes.RetrievedItem, error) {
	if s.err != nil {
		return nil, s.err
	}
	if k < len(s.items) {
		return s.items[:k], nil
	}
	return s.items, nil
}

type stubAnswerer struct {
	text   string
	tokens int
	err    error
}

func (s *stubAnswerer) Answer(ctx context.Context, history []datatypes.ChatTurn, message string, items []datatypes.RetrievedItem) (*datatypes.AnswerResult, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &datatypes.AnswerResult{Text: s.text, TokensUsed: s.tokens}, nil
}

type stubCheckout struct {
	url       string
	err       error
	variantID string
	idemKey   string
}

func (s *stubCheckout) Create(ctx context.Context, variantID, idempotencyKey string) (string, error) {
	s.variantID = variantID
	s.idemKey = idempotencyKey
	if s.err != nil {
		return "", s.err
	}
	return s.url, nil
}

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	deps     *ChatDeps
	state    *session.State
	checkout *stubCheckout
	server   *httptest.Server
}

func newHarness(t *testing.T, mutate func(*harness)) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := session.NewMemoryStore()
	engine, err := guardrails.NewEngine()
	require.NoError(t, err)

	h := &harness{
		state:    session.NewState(store, session.Config{BudgetTokens: 1000}),
		checkout: &stubCheckout{url: "https://shop.example.com/checkouts/abc"},
	}
	h.deps = &ChatDeps{
		Guards: guardrails.NewChain(
			guardrails.NewRateLimiter(store, 100, time.Minute),
			guardrails.NewContentFilter(engine, nil),
		),
		Retriever: &stubRetriever{items: []datatypes.RetrievedItem{
			{Id: "p1", Title: "Baldee Series", Handle: "baldee-series", Score: 0.92, VariantId: "v42"},
			{Id: "p2", Title: "Fatso Flex", Handle: "fatso-flex", Score: 0.81},
		}},
		Answerer:          &stubAnswerer{text: "Try the Baldee Series.", tokens: 100},
		Checkout:          h.checkout,
		State:             h.state,
		OffTopicThreshold: 0.60,
		TenantGreetings:   map[string]string{"studio": "Welcome to the studio desk."},
		DefaultGreeting:   "Hi! Ask me anything.",
	}
	if mutate != nil {
		mutate(h)
	}

	router := gin.New()
	router.GET("/v1/chat/ws", ChatWebsocket(h.deps))
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)
	return h
}

// dial connects, consumes the greeting, and returns the conn plus the
// server-minted session id.
func (h *harness) dial(t *testing.T, query string) (*websocket.Conn, string) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/chat/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var greeting datatypes.WsOut
	require.NoError(t, conn.ReadJSON(&greeting))
	require.NotEmpty(t, greeting.Session)
	return conn, greeting.Session
}

func send(t *testing.T, conn *websocket.Conn, message string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(datatypes.WsIn{Message: message}))
}

func readOut(t *testing.T, conn *websocket.Conn) datatypes.WsOut {
	t.Helper()
	var out datatypes.WsOut
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

// =============================================================================
// Tests
// =============================================================================

func TestChatWebsocket_Greeting(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("default tenant", func(t *testing.T) {
		wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/chat/ws"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		var greeting datatypes.WsOut
		require.NoError(t, conn.ReadJSON(&greeting))
		assert.Equal(t, "Hi! Ask me anything.", greeting.Answer)
		assert.NotEmpty(t, greeting.Session)
	})

	t.Run("known tenant", func(t *testing.T) {
		wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/chat/ws?tenant=studio"
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		require.NoError(t, err)
		defer conn.Close()

		var greeting datatypes.WsOut
		require.NoError(t, conn.ReadJSON(&greeting))
		assert.Equal(t, "Welcome to the studio desk.", greeting.Answer)
	})
}

func TestChatWebsocket_AnsweredTurn(t *testing.T) {
	h := newHarness(t, nil)
	conn, sessionID := h.dial(t, "")

	send(t, conn, "which cable for a bass rig?")
	out := readOut(t, conn)
	assert.Equal(t, sessionID, out.Session)
	assert.Equal(t, "Try the Baldee Series.", out.Answer)

	// The turn recorded both the history and the last-item pointer.
	ctx := context.Background()
	turns, err := h.state.History(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, datatypes.RoleUser, turns[0].Role)
	assert.Equal(t, "which cable for a bass rig?", turns[0].Content)
	assert.Equal(t, datatypes.RoleAssistant, turns[1].Role)

	item, err := h.state.LastItem(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, "v42", item)
}

func TestChatWebsocket_HistoryScrubsPII(t *testing.T) {
	h := newHarness(t, nil)
	conn, sessionID := h.dial(t, "")

	send(t, conn, "email me at jo@example.com about cables")
	readOut(t, conn)

	turns, err := h.state.History(context.Background(), sessionID)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.NotContains(t, turns[0].Content, "jo@example.com")
	assert.Contains(t, turns[0].Content, "[redacted]")
}

func TestChatWebsocket_InvalidPayloadKeepsConnection(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.dial(t, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{broken`)))
	var wsErr datatypes.WsError
	require.NoError(t, conn.ReadJSON(&wsErr))
	assert.Equal(t, "invalid message", wsErr.Error)
	assert.NotEmpty(t, wsErr.Details)

	// The connection survives for the next, valid message.
	send(t, conn, "which cable?")
	out := readOut(t, conn)
	assert.Equal(t, "Try the Baldee Series.", out.Answer)
}

func TestChatWebsocket_BlockedContentRefusedIdempotently(t *testing.T) {
	h := newHarness(t, nil)
	conn, sessionID := h.dial(t, "")

	for i := 0; i < 2; i++ {
		send(t, conn, "what dosage should I take?")
		out := readOut(t, conn)
		assert.Equal(t, refusalReply, out.Answer)
	}

	// Refused turns leave no trace in session state.
	turns, err := h.state.History(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestChatWebsocket_OffTopicLeavesStateUntouched(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.deps.Retriever = &stubRetriever{items: []datatypes.RetrievedItem{
			{Id: "p1", Title: "Baldee Series", Handle: "baldee-series", Score: 0.31},
		}}
	})
	conn, sessionID := h.dial(t, "")

	send(t, conn, "who won the game last night?")
	out := readOut(t, conn)
	assert.Equal(t, offTopicReply, out.Answer)

	ctx := context.Background()
	turns, err := h.state.History(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, turns)
	item, err := h.state.LastItem(ctx, sessionID)
	require.NoError(t, err)
	assert.Empty(t, item)
}

func TestChatWebsocket_RateLimitCloses(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		store := session.NewMemoryStore()
		engine, err := guardrails.NewEngine()
		require.NoError(t, err)
		h.deps.Guards = guardrails.NewChain(
			guardrails.NewRateLimiter(store, 1, time.Minute),
			guardrails.NewContentFilter(engine, nil),
		)
	})
	conn, _ := h.dial(t, "")

	send(t, conn, "first message")
	readOut(t, conn)

	send(t, conn, "second message")
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseRateLimited),
		"expected close code %d, got %v", CloseRateLimited, err)
}

func TestChatWebsocket_BudgetExhaustionNotifiesThenCloses(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.state = session.NewState(session.NewMemoryStore(), session.Config{BudgetTokens: 50})
		h.deps.State = h.state
		h.deps.Answerer = &stubAnswerer{text: "long answer", tokens: 80}
	})
	conn, _ := h.dial(t, "")

	send(t, conn, "which cable?")
	out := readOut(t, conn)
	assert.Equal(t, budgetReply, out.Answer)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, CloseBudgetExhausted),
		"expected close code %d, got %v", CloseBudgetExhausted, err)
}

func TestChatWebsocket_CartWithoutRecommendationAsks(t *testing.T) {
	h := newHarness(t, nil)
	conn, _ := h.dial(t, "")

	send(t, conn, "add it to my cart")
	out := readOut(t, conn)
	assert.Equal(t, askWhichItemReply, out.Answer)
	assert.Empty(t, h.checkout.variantID)
}

func TestChatWebsocket_CartCreatesCheckout(t *testing.T) {
	h := newHarness(t, nil)
	conn, sessionID := h.dial(t, "")

	// A query turn first, so the last-item pointer is set.
	send(t, conn, "which cable for a bass rig?")
	readOut(t, conn)

	send(t, conn, "add it to my cart")
	out := readOut(t, conn)
	assert.Contains(t, out.Answer, "https://shop.example.com/checkouts/abc")

	assert.Equal(t, "v42", h.checkout.variantID)
	assert.Contains(t, h.checkout.idemKey, sessionID)
	assert.Contains(t, h.checkout.idemKey, "v42")
}

func TestChatWebsocket_CheckoutFailureKeepsConnection(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.checkout.err = errors.New("storefront down")
		h.deps.Checkout = h.checkout
	})
	conn, sessionID := h.dial(t, "")

	require.NoError(t, h.state.SetLastItem(context.Background(), sessionID, "v42"))
	send(t, conn, "add it to my cart")
	out := readOut(t, conn)
	assert.Contains(t, out.Answer, "couldn't start your checkout")

	// Still serving turns afterwards.
	send(t, conn, "which cable?")
	out = readOut(t, conn)
	assert.Equal(t, "Try the Baldee Series.", out.Answer)
}

func TestChatWebsocket_RetrievalFailureKeepsConnection(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.deps.Retriever = &stubRetriever{err: errors.New("index down")}
	})
	conn, _ := h.dial(t, "")

	send(t, conn, "which cable?")
	out := readOut(t, conn)
	assert.Equal(t, collaboratorDownReply, out.Answer)

	send(t, conn, "still there?")
	out = readOut(t, conn)
	assert.Equal(t, collaboratorDownReply, out.Answer)
}

func TestChatWebsocket_AnswerFailureKeepsConnection(t *testing.T) {
	h := newHarness(t, func(h *harness) {
		h.deps.Answerer = &stubAnswerer{err: errors.New("llm down")}
	})
	conn, sessionID := h.dial(t, "")

	send(t, conn, "which cable?")
	out := readOut(t, conn)
	assert.Equal(t, collaboratorDownReply, out.Answer)

	// Failed turns are not written to history.
	turns, err := h.state.History(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
