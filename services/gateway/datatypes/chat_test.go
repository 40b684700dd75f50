// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWsIn(t *testing.T) {
	t.Run("valid frame", func(t *testing.T) {
		in, details := ParseWsIn([]byte(`{"message":"hello","session":"ignored"}`))
		require.NotNil(t, in)
		assert.Empty(t, details)
		assert.Equal(t, "hello", in.Message)
		assert.Equal(t, "ignored", in.Session)
	})

	t.Run("malformed json", func(t *testing.T) {
		in, details := ParseWsIn([]byte(`{"message":`))
		assert.Nil(t, in)
		require.NotEmpty(t, details)
		assert.Contains(t, details[0], "not valid JSON")
	})

	t.Run("missing message", func(t *testing.T) {
		in, details := ParseWsIn([]byte(`{}`))
		assert.Nil(t, in)
		require.NotEmpty(t, details)
		assert.Contains(t, details[0], "required")
	})

	t.Run("message at the byte cap is accepted", func(t *testing.T) {
		raw := `{"message":"` + strings.Repeat("a", MaxMessageContentBytes) + `"}`
		in, details := ParseWsIn([]byte(raw))
		require.NotNil(t, in)
		assert.Empty(t, details)
	})

	t.Run("oversized message is rejected", func(t *testing.T) {
		raw := `{"message":"` + strings.Repeat("a", MaxMessageContentBytes+1) + `"}`
		in, details := ParseWsIn([]byte(raw))
		assert.Nil(t, in)
		require.NotEmpty(t, details)
		assert.Contains(t, details[0], "maxbytes")
	})
}

func TestRetrievedItem_CartReference(t *testing.T) {
	withVariant := RetrievedItem{Id: "p1", VariantId: "v1"}
	assert.Equal(t, "v1", withVariant.CartReference())

	withoutVariant := RetrievedItem{Id: "p1"}
	assert.Equal(t, "p1", withoutVariant.CartReference())
}
