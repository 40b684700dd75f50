// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package guardrails implements the pre-answer guard chain and the
// post-answer content scrub.
//
// Inbound: payload validation, per-client rate limiting, and a content
// filter combining an embedded keyword block-list with an external
// moderation classifier (fail-open). Outbound: a word-boundary brand
// scrub and a PII redactor.
package guardrails

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spectraflex/omnichat/services/gateway/guardrails/enforcement"
)

// patternFile mirrors the embedded YAML layout.
type patternFile struct {
	BlockedTopics    []string       `yaml:"blocked_topics"`
	DisallowedBrands []brandPattern `yaml:"disallowed_brands"`
}

type brandPattern struct {
	Id      string `yaml:"id"`
	Pattern string `yaml:"pattern"`
}

// piiRe matches obvious emails and phone numbers for history redaction.
var piiRe = regexp.MustCompile(`[\w.\-]+@[\w.\-]+|\+?\d[\d\s\-()]{7,}`)

// Engine holds the compiled guardrail patterns. It is immutable after
// construction and safe for concurrent use.
type Engine struct {
	blockedTopics []string
	brandRe       *regexp.Regexp
}

// NewEngine compiles the embedded pattern file.
func NewEngine() (*Engine, error) {
	return newEngineFrom(enforcement.GuardrailPatterns)
}

func newEngineFrom(raw []byte) (*Engine, error) {
	var pf patternFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal the embedded guardrail file: %w", err)
	}
	if len(pf.BlockedTopics) == 0 {
		return nil, fmt.Errorf("guardrail file declares no blocked topics")
	}

	topics := make([]string, 0, len(pf.BlockedTopics))
	for _, t := range pf.BlockedTopics {
		topics = append(topics, strings.ToLower(t))
	}

	// One alternation keeps the scrub a single pass per answer.
	parts := make([]string, 0, len(pf.DisallowedBrands))
	for _, b := range pf.DisallowedBrands {
		if b.Pattern == "" {
			return nil, fmt.Errorf("brand pattern %q has an empty regex", b.Id)
		}
		parts = append(parts, "(?:"+b.Pattern+")")
	}
	var brandRe *regexp.Regexp
	if len(parts) > 0 {
		re, err := regexp.Compile(`(?i)\b(?:` + strings.Join(parts, "|") + `)\b`)
		if err != nil {
			return nil, fmt.Errorf("failed to compile the brand pattern set: %w", err)
		}
		brandRe = re
	}

	return &Engine{blockedTopics: topics, brandRe: brandRe}, nil
}

// BlockedTopic reports whether the message contains any block-listed
// keyword (case-insensitive substring match).
func (e *Engine) BlockedTopic(message string) bool {
	lower := strings.ToLower(message)
	for _, topic := range e.blockedTopics {
		if strings.Contains(lower, topic) {
			return true
		}
	}
	return false
}

// MentionsDisallowedBrand reports whether text names a competitor brand.
func (e *Engine) MentionsDisallowedBrand(text string) bool {
	return e.brandRe != nil && e.brandRe.MatchString(text)
}

// ScrubPII redacts obvious emails and phone numbers. Used before shopper
// text is written anywhere durable.
func ScrubPII(text string) string {
	return piiRe.ReplaceAllString(text, "[redacted]")
}
