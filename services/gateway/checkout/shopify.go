// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package checkout creates single-item Shopify checkouts from cart-intent
// turns.
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var checkoutTracer = otel.Tracer("omnichat.gateway.checkout")

// requestTimeout bounds one Storefront API round trip.
const requestTimeout = 20 * time.Second

// Creator is the checkout contract the turn orchestrator depends on.
// Create returns the web checkout URL for one unit of the given variant.
type Creator interface {
	Create(ctx context.Context, variantID, idempotencyKey string) (string, error)
}

// checkoutCreateMutation is the Storefront GraphQL mutation for a
// single-line-item checkout.
const checkoutCreateMutation = `mutation checkoutCreate($input: CheckoutCreateInput!) {
  checkoutCreate(input: $input) {
    checkout { id webUrl }
    checkoutUserErrors { code field message }
  }
}`

// ShopifyClient implements Creator against the Shopify Storefront API.
type ShopifyClient struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

// NewShopifyClient builds a client for the shop's Storefront GraphQL
// endpoint. shopURL is the storefront base, e.g. https://shop.example.com.
func NewShopifyClient(shopURL, storefrontToken string) *ShopifyClient {
	return &ShopifyClient{
		endpoint:   strings.TrimRight(shopURL, "/") + "/api/2024-07/graphql.json",
		token:      storefrontToken,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

type checkoutCreateResponse struct {
	Data struct {
		CheckoutCreate struct {
			Checkout struct {
				Id     string `json:"id"`
				WebUrl string `json:"webUrl"`
			} `json:"checkout"`
			CheckoutUserErrors []struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"checkoutUserErrors"`
		} `json:"checkoutCreate"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Create implements Creator. The idempotency key makes retried turns safe:
// Shopify deduplicates requests carrying the same key.
func (c *ShopifyClient) Create(ctx context.Context, variantID, idempotencyKey string) (string, error) {
	ctx, span := checkoutTracer.Start(ctx, "ShopifyClient.Create")
	defer span.End()
	span.SetAttributes(attribute.String("checkout.variant_id", variantID))

	payload := map[string]any{
		"query": checkoutCreateMutation,
		"variables": map[string]any{
			"input": map[string]any{
				"lineItems": []map[string]any{
					{"variantId": variantID, "quantity": 1},
				},
			},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal checkout mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build checkout request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Shopify-Storefront-Access-Token", c.token)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout request failed")
		return "", fmt.Errorf("checkout request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read checkout response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		slog.Error("Storefront API returned non-200", "status", resp.StatusCode)
		span.SetStatus(codes.Error, "storefront API error")
		return "", fmt.Errorf("storefront API returned status %d", resp.StatusCode)
	}

	var parsed checkoutCreateResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode checkout response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return "", fmt.Errorf("checkout mutation failed: %s", parsed.Errors[0].Message)
	}
	if ue := parsed.Data.CheckoutCreate.CheckoutUserErrors; len(ue) > 0 {
		return "", fmt.Errorf("checkout rejected: %s (%s)", ue[0].Message, ue[0].Code)
	}
	webURL := parsed.Data.CheckoutCreate.Checkout.WebUrl
	if webURL == "" {
		return "", fmt.Errorf("checkout created without a web URL")
	}

	slog.Info("Created checkout", "checkoutId", parsed.Data.CheckoutCreate.Checkout.Id)
	return webURL, nil
}
