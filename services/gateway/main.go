// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"google.golang.org/grpc/credentials/insecure"

	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"

	"github.com/spectraflex/omnichat/services/gateway/answer"
	"github.com/spectraflex/omnichat/services/gateway/checkout"
	"github.com/spectraflex/omnichat/services/gateway/config"
	"github.com/spectraflex/omnichat/services/gateway/guardrails"
	"github.com/spectraflex/omnichat/services/gateway/handlers"
	"github.com/spectraflex/omnichat/services/gateway/retrieval"
	"github.com/spectraflex/omnichat/services/gateway/routes"
	"github.com/spectraflex/omnichat/services/gateway/session"
	"github.com/spectraflex/omnichat/services/llm"
)

func initTracer() (func(context.Context), error) {
	ctx := context.Background()

	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, traces stay local")
		return func(context.Context) {}, nil
	}
	conn, err := grpc.NewClient(otelEndpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("omnichat-gateway")))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.
		TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, time.Second*5)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// newStore connects to Redis when configured and reachable, otherwise
// serves from process memory. Memory mode loses state on restart and
// does not share limits across replicas; fine for development, logged
// loudly for anything else.
func newStore(cfg *config.Config) session.Store {
	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URL not set, using in-memory session store")
		return session.NewMemoryStore()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("REDIS_URL is invalid, using in-memory session store", "error", err)
		return session.NewMemoryStore()
	}
	store := session.NewRedisStore(redis.NewClient(opts))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		slog.Error("Redis unreachable, using in-memory session store", "error", err)
		return session.NewMemoryStore()
	}
	slog.Info("Connected to Redis session store")
	return store
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Load()

	cleanup, err := initTracer()
	if err != nil {
		log.Fatalf("failed to setup the OTLP tracer: %v", err)
	}
	defer cleanup(context.Background())

	store := newStore(cfg)
	defer store.Close()

	weaviateClient, err := weaviate.NewClient(weaviate.Config{
		Host:   cfg.WeaviateHost,
		Scheme: cfg.WeaviateScheme,
	})
	if err != nil {
		log.Fatalf("Failed to create Weaviate client: %v", err)
	}

	llmClient, err := llm.NewOpenAIClient()
	if err != nil {
		log.Fatalf("Failed to initialize LLM client: %v", err)
	}

	guardEngine, err := guardrails.NewEngine()
	if err != nil {
		log.Fatalf("FATAL: Could not initialize the guardrail engine: %v", err)
	}

	state := session.NewState(store, session.Config{
		HistoryWindow: cfg.HistoryWindow,
		HistoryTTL:    cfg.HistoryTTL,
		BudgetTokens:  cfg.BudgetTokens,
		BudgetTTL:     cfg.BudgetTTL,
	})

	deps := &handlers.ChatDeps{
		Guards: guardrails.NewChain(
			guardrails.NewRateLimiter(store, cfg.RateLimit, cfg.RateWindow),
			guardrails.NewContentFilter(guardEngine, llmClient),
		),
		Retriever:         retrieval.NewRetriever(weaviateClient, llmClient),
		Answerer:          answer.NewEngine(llmClient, guardEngine, cfg.ShopURL, cfg.MaxAnswerTokens),
		Checkout:          checkout.NewShopifyClient(cfg.ShopURL, cfg.StorefrontToken),
		State:             state,
		OffTopicThreshold: cfg.OffTopicThreshold,
		TenantGreetings:   cfg.TenantGreetings,
		DefaultGreeting:   cfg.DefaultGreeting,
	}

	router := gin.Default()
	router.Use(otelgin.Middleware("omnichat-gateway"))
	routes.Register(router, store, deps)

	log.Println("Starting the chat gateway on port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
