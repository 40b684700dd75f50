// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin HTTP and websocket endpoints.
package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/spectraflex/omnichat/services/gateway/datatypes"
	"github.com/spectraflex/omnichat/services/gateway/guardrails"
	"github.com/spectraflex/omnichat/services/gateway/intent"
	"github.com/spectraflex/omnichat/services/gateway/observability"
	"github.com/spectraflex/omnichat/services/gateway/retrieval"
	"github.com/spectraflex/omnichat/services/gateway/session"
)

var wsTracer = otel.Tracer("omnichat.gateway.handlers")

// Close codes beyond the RFC 6455 set.
const (
	CloseRateLimited     = 4008
	CloseBudgetExhausted = 4009
)

// Canned replies. These are sent verbatim, never through the LLM.
const (
	refusalReply = "I can't help with that topic, but I'm happy to talk about " +
		"Spectraflex cables and how to pick the right one."
	offTopicReply = "I'm only able to help with questions about Spectraflex cables " +
		"and audio gear. What can I help you find?"
	askWhichItemReply = "Happy to set that up — which cable would you like? " +
		"Ask me about our cables first and I'll remember your pick."
	collaboratorDownReply = "Sorry, I'm having trouble reaching the catalog right now. " +
		"Please try again in a moment."
	budgetReply = "We've covered a lot this session! Give it a short break and " +
		"come back — I'll be right here."
)

// Answerer is the answer-engine contract the orchestrator depends on.
type Answerer interface {
	Answer(ctx context.Context, history []datatypes.ChatTurn, message string, items []datatypes.RetrievedItem) (*datatypes.AnswerResult, error)
}

// CheckoutCreator matches checkout.Creator; redeclared locally so tests
// can stub it without importing the Shopify client.
type CheckoutCreator interface {
	Create(ctx context.Context, variantID, idempotencyKey string) (string, error)
}

// ChatDeps bundles every collaborator one websocket connection needs.
type ChatDeps struct {
	Guards    *guardrails.Chain
	Retriever retrieval.ContextRetriever
	Answerer  Answerer
	Checkout  CheckoutCreator
	State     *session.State

	// OffTopicThreshold gates retrieval similarity; below it the turn is
	// redirected without touching session state.
	OffTopicThreshold float64

	TenantGreetings map[string]string
	DefaultGreeting string
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The widget is embedded on arbitrary storefront pages.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ChatWebsocket returns the gin handler for /v1/chat/ws. Each connection
// gets a fresh server-minted session; turns are processed strictly one at
// a time in arrival order.
func ChatWebsocket(deps *ChatDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("Websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		metrics := observability.GetMetrics()
		metrics.ActiveConnections.Inc()
		defer metrics.ActiveConnections.Dec()

		sessionID := uuid.NewString()
		clientID := c.ClientIP()
		slog.Info("Websocket session opened", "sessionId", sessionID, "clientIp", clientID)

		greeting := deps.DefaultGreeting
		if g, ok := deps.TenantGreetings[c.Query("tenant")]; ok {
			greeting = g
		}
		if err := conn.WriteJSON(datatypes.WsOut{Session: sessionID, Answer: greeting}); err != nil {
			slog.Warn("Failed to send greeting", "sessionId", sessionID, "error", err)
			return
		}

		turnSeq := 0
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					slog.Warn("Websocket read error", "sessionId", sessionID, "error", err)
				}
				return
			}
			turnSeq++

			if !runTurn(c.Request.Context(), conn, deps, sessionID, clientID, turnSeq, raw) {
				return
			}
		}
	}
}

// runTurn processes one inbound frame end to end. It returns false when
// the connection must close.
//
// A panic anywhere in the turn is converted into a 1011 close carrying a
// correlation id; the id is logged with the stack so the incident can be
// matched to the client report.
func runTurn(ctx context.Context, conn *websocket.Conn, deps *ChatDeps, sessionID, clientID string, turnSeq int, raw []byte) (keepOpen bool) {
	ctx, span := wsTracer.Start(ctx, "gateway.turn")
	defer span.End()

	metrics := observability.GetMetrics()
	start := time.Now()
	defer func() {
		metrics.TurnDurationSeconds.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			errorID := uuid.NewString()
			slog.Error("Panic while processing turn", "sessionId", sessionID, "errorId", errorID, "panic", r)
			metrics.TurnsTotal.WithLabelValues("error").Inc()
			closeWith(conn, websocket.CloseInternalServerErr, "internal error ("+errorID+")")
			keepOpen = false
		}
	}()

	decision, in := deps.Guards.Evaluate(ctx, clientID, raw)
	switch decision.Verdict {
	case datatypes.GuardInvalid:
		metrics.GuardRejectionsTotal.WithLabelValues("validation").Inc()
		metrics.TurnsTotal.WithLabelValues("invalid").Inc()
		writeJSON(conn, sessionID, datatypes.WsError{Error: "invalid message", Details: decision.Details})
		return true
	case datatypes.GuardRateLimited:
		metrics.GuardRejectionsTotal.WithLabelValues("rate_limit").Inc()
		metrics.TurnsTotal.WithLabelValues("rate_limited").Inc()
		closeWith(conn, CloseRateLimited, "rate limit exceeded")
		return false
	case datatypes.GuardReject:
		metrics.GuardRejectionsTotal.WithLabelValues("content").Inc()
		metrics.TurnsTotal.WithLabelValues("refused").Inc()
		writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID, Answer: refusalReply})
		return true
	}

	if intent.Classify(in.Message) == intent.Cart {
		return cartTurn(ctx, conn, deps, sessionID, turnSeq)
	}

	sim, err := retrieval.MaxSimilarity(ctx, deps.Retriever, in.Message)
	if err != nil {
		slog.Error("Similarity probe failed", "sessionId", sessionID, "error", err)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID, Answer: collaboratorDownReply})
		return true
	}
	if sim < deps.OffTopicThreshold {
		metrics.GuardRejectionsTotal.WithLabelValues("off_topic").Inc()
		metrics.TurnsTotal.WithLabelValues("off_topic").Inc()
		writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID, Answer: offTopicReply})
		return true
	}

	items, err := deps.Retriever.Retrieve(ctx, in.Message, retrieval.DefaultK)
	if err != nil {
		slog.Error("Retrieval failed", "sessionId", sessionID, "error", err)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID, Answer: collaboratorDownReply})
		return true
	}
	if len(items) > 0 {
		if err := deps.State.SetLastItem(ctx, sessionID, items[0].CartReference()); err != nil {
			slog.Warn("Failed to record last item", "sessionId", sessionID, "error", err)
		}
	}

	history, err := deps.State.History(ctx, sessionID)
	if err != nil {
		slog.Warn("Failed to load history, answering without it", "sessionId", sessionID, "error", err)
		history = nil
	}

	res, err := deps.Answerer.Answer(ctx, history, in.Message, items)
	if err != nil {
		slog.Error("Answer generation failed", "sessionId", sessionID, "error", err)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID, Answer: collaboratorDownReply})
		return true
	}

	// History stores the scrubbed forms so expired-session debugging dumps
	// never hold shopper contact details.
	if err := deps.State.AppendTurns(ctx, sessionID,
		datatypes.ChatTurn{Role: datatypes.RoleUser, Content: guardrails.ScrubPII(in.Message)},
		datatypes.ChatTurn{Role: datatypes.RoleAssistant, Content: guardrails.ScrubPII(res.Text)},
	); err != nil {
		slog.Warn("Failed to persist turn history", "sessionId", sessionID, "error", err)
	}

	metrics.TokensConsumedTotal.Add(float64(res.TokensUsed))
	remaining, ok, err := deps.State.ConsumeTokens(ctx, sessionID, res.TokensUsed)
	if err != nil {
		slog.Warn("Budget store unavailable, not charging turn", "sessionId", sessionID, "error", err)
	} else if !ok {
		// The answer is already generated and paid for; deliver the notice
		// instead of the answer, then close.
		metrics.TurnsTotal.WithLabelValues("budget_exhausted").Inc()
		writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID, Answer: budgetReply})
		closeWith(conn, CloseBudgetExhausted, "session token budget exhausted")
		return false
	} else {
		slog.Debug("Charged turn against budget", "sessionId", sessionID, "tokens", res.TokensUsed, "remaining", remaining)
	}

	metrics.TurnsTotal.WithLabelValues("answered").Inc()
	writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID, Answer: res.Text})
	return true
}

// cartTurn resolves cart intent against the last recommended item and
// creates a checkout for it.
func cartTurn(ctx context.Context, conn *websocket.Conn, deps *ChatDeps, sessionID string, turnSeq int) bool {
	metrics := observability.GetMetrics()

	itemRef, err := deps.State.LastItem(ctx, sessionID)
	if err != nil {
		slog.Error("Failed to load last item", "sessionId", sessionID, "error", err)
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID, Answer: collaboratorDownReply})
		return true
	}
	if itemRef == "" {
		metrics.TurnsTotal.WithLabelValues("cart").Inc()
		writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID, Answer: askWhichItemReply})
		return true
	}

	// Keyed per (session, item, turn) so a client resend of the same frame
	// is deduplicated upstream without blocking a deliberate second order.
	idemKey := fmt.Sprintf("%s:%s:%d", sessionID, itemRef, turnSeq)
	checkoutURL, err := deps.Checkout.Create(ctx, itemRef, idemKey)
	if err != nil {
		slog.Error("Checkout creation failed", "sessionId", sessionID, "itemRef", itemRef, "error", err)
		metrics.CheckoutsTotal.WithLabelValues("failed").Inc()
		metrics.TurnsTotal.WithLabelValues("error").Inc()
		writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID,
			Answer: "Sorry, I couldn't start your checkout just now. Please try again in a moment."})
		return true
	}

	metrics.CheckoutsTotal.WithLabelValues("created").Inc()
	metrics.TurnsTotal.WithLabelValues("cart").Inc()
	writeJSON(conn, sessionID, datatypes.WsOut{Session: sessionID,
		Answer: "Great choice! Finish your order here: " + checkoutURL})
	return true
}

// writeJSON sends a frame, logging (not failing the turn) on error. The
// next ReadMessage surfaces a broken connection anyway.
func writeJSON(conn *websocket.Conn, sessionID string, v any) {
	if err := conn.WriteJSON(v); err != nil {
		slog.Warn("Failed to write frame", "sessionId", sessionID, "error", err)
	}
}

// closeWith sends a close frame with the given code and reason.
func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second)); err != nil {
		slog.Debug("Failed to write close frame", "error", err)
	}
}
