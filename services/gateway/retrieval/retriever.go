// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval wraps the vector index collaborator.
//
// The index is opaque to the gateway: Retrieve embeds the query, runs a
// nearVector search over the Product class, and normalizes matches into
// datatypes.RetrievedItem. MaxSimilarity is the k=1 probe the off-topic
// guard is built on.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/spectraflex/omnichat/services/gateway/datatypes"
)

var retrievalTracer = otel.Tracer("omnichat.gateway.retrieval")

// DefaultK is the context size used for answer grounding.
const DefaultK = 4

// productClass is the Weaviate class holding the ingested catalog.
const productClass = "Product"

// Embedder turns a query into the vector the index searches on.
// llm.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ContextRetriever is the retrieval contract the turn orchestrator
// depends on.
type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]datatypes.RetrievedItem, error)
}

// Retriever implements retrieval against a Weaviate index.
type Retriever struct {
	client   *weaviate.Client
	embedder Embedder
}

// NewRetriever wires the index client and the embedding backend.
func NewRetriever(client *weaviate.Client, embedder Embedder) *Retriever {
	return &Retriever{client: client, embedder: embedder}
}

// productQueryResponse matches the GraphQL response shape for the
// Product class.
type productQueryResponse struct {
	Get struct {
		Product []struct {
			Title      string `json:"title"`
			Handle     string `json:"handle"`
			VariantId  string `json:"variant_id"`
			Additional struct {
				ID        string  `json:"id"`
				Certainty float64 `json:"certainty"`
			} `json:"_additional"`
		} `json:"Product"`
	} `json:"Get"`
}

// parseGraphQLResponse converts Weaviate's dynamic response payload into
// a typed struct via a marshal round trip.
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("GraphQL query failed: %s", resp.Errors[0].Message)
	}
	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}
	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}
	return &result, nil
}

// Retrieve embeds the query and returns up to k normalized catalog
// matches, best first. Failures propagate; there is no local fallback
// content.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]datatypes.RetrievedItem, error) {
	ctx, span := retrievalTracer.Start(ctx, "Retriever.Retrieve")
	defer span.End()
	if k <= 0 {
		k = DefaultK
	}
	span.SetAttributes(attribute.Int("retrieval.k", k))

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	nearVector := r.client.GraphQL().NearVectorArgBuilder().WithVector(vec)
	fields := []graphql.Field{
		{Name: "title"},
		{Name: "handle"},
		{Name: "variant_id"},
		{Name: "_additional", Fields: []graphql.Field{{Name: "id"}, {Name: "certainty"}}},
	}

	resp, err := r.client.GraphQL().Get().
		WithClassName(productClass).
		WithNearVector(nearVector).
		WithLimit(k).
		WithFields(fields...).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector search failed")
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	parsed, err := parseGraphQLResponse[productQueryResponse](resp)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to parse vector search response: %w", err)
	}

	items := make([]datatypes.RetrievedItem, 0, len(parsed.Get.Product))
	for _, p := range parsed.Get.Product {
		items = append(items, datatypes.RetrievedItem{
			Id:        p.Additional.ID,
			Title:     p.Title,
			Handle:    p.Handle,
			Score:     p.Additional.Certainty,
			VariantId: p.VariantId,
		})
	}
	span.SetAttributes(attribute.Int("retrieval.matches", len(items)))
	return items, nil
}

// MaxSimilarity returns the best-match score for the query, or 0 when
// the index has nothing at all. The off-topic guard compares this
// against its threshold.
func MaxSimilarity(ctx context.Context, r ContextRetriever, query string) (float64, error) {
	items, err := r.Retrieve(ctx, query, 1)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}
	return items[0].Score, nil
}
