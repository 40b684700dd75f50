// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package intent classifies an inbound message before retrieval runs.
package intent

import "strings"

// Intent is the coarse routing decision for one message.
type Intent int

const (
	// Query routes through retrieval and answer generation.
	Query Intent = iota
	// Cart short-circuits the turn into checkout handling.
	Cart
)

// cartActionWords are the purchase verbs that, together with "cart",
// signal cart intent.
var cartActionWords = []string{"add", "buy", "purchase"}

// Classify applies the documented cart heuristic: the lowercased message
// must contain "cart" and at least one purchase verb.
//
// This is a deliberate cheap substring check, not NLP. Its false
// positives and negatives are part of the contract relied on by deployed
// storefront widgets; do not tighten it.
func Classify(message string) Intent {
	lower := strings.ToLower(message)
	if !strings.Contains(lower, "cart") {
		return Query
	}
	for _, w := range cartActionWords {
		if strings.Contains(lower, w) {
			return Cart
		}
	}
	return Query
}
