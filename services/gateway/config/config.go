// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads gateway settings from the environment.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the full runtime configuration of the gateway process.
type Config struct {
	Port string

	// RedisURL is a redis:// connection string. When empty or
	// unreachable the gateway falls back to the in-memory store.
	RedisURL string

	WeaviateScheme string
	WeaviateHost   string

	ShopURL         string
	StorefrontToken string

	// OffTopicThreshold is the minimum best-match similarity a message
	// needs to proceed past the off-topic gate.
	OffTopicThreshold float64

	HistoryWindow int
	HistoryTTL    time.Duration
	BudgetTokens  int
	BudgetTTL     time.Duration

	RateLimit  int
	RateWindow time.Duration

	MaxAnswerTokens int

	// TenantGreetings maps the ws tenant query parameter to the greeting
	// frame sent on connect. DefaultGreeting covers unknown tenants.
	TenantGreetings map[string]string
	DefaultGreeting string
}

// Load reads the environment, applying documented defaults and warning
// on anything unparseable.
func Load() *Config {
	return &Config{
		Port:              envStr("GATEWAY_PORT", "8000"),
		RedisURL:          envStr("REDIS_URL", ""),
		WeaviateScheme:    envStr("WEAVIATE_SCHEME", "http"),
		WeaviateHost:      envStr("WEAVIATE_HOST", "localhost:8080"),
		ShopURL:           envStr("SHOP_URL", "https://spectraflex.com"),
		StorefrontToken:   envStr("STOREFRONT_TOKEN", ""),
		OffTopicThreshold: envFloat("OFF_TOPIC_THRESHOLD", 0.60),
		HistoryWindow:     envInt("HISTORY_WINDOW", 6),
		HistoryTTL:        time.Duration(envInt("HISTORY_TTL_HOURS", 24)) * time.Hour,
		BudgetTokens:      envInt("SESSION_BUDGET_TOKENS", 15_000),
		BudgetTTL:         time.Duration(envInt("BUDGET_TTL_MINUTES", 30)) * time.Minute,
		RateLimit:         envInt("RATE_LIMIT_MESSAGES", 20),
		RateWindow:        time.Duration(envInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		MaxAnswerTokens:   envInt("MAX_ANSWER_TOKENS", 512),
		TenantGreetings: map[string]string{
			"spectraflex": "Hey! I'm the Spectraflex assistant. Ask me about cables, " +
				"and when you find one you like, just say \"add to cart\".",
			"studio": "Welcome to the studio desk. Tell me about your rig and I'll " +
				"point you at the right Spectraflex cable.",
		},
		DefaultGreeting: "Hi! Ask me anything about Spectraflex cables.",
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("Ignoring unparseable integer env var", "key", key, "value", raw)
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("Ignoring unparseable float env var", "key", key, "value", raw)
		return fallback
	}
	return f
}
