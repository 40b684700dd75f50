// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the chat gateway.
//
// This file contains the WebSocket wire frames and the conversation turn
// type shared by the session store, the answer engine, and the LLM client.
package datatypes

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// MaxMessageContentBytes is the maximum size of a single shopper message.
// Oversized payloads are rejected at validation, before any store access.
const MaxMessageContentBytes = 4 * 1024

// chatValidate is the shared validator instance for inbound frames.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Wire Frames
// =============================================================================

// WsIn is an inbound chat frame.
//
// The Session field is accepted for forward compatibility with session
// resumption but is currently ignored: the gateway mints its own session
// identifier per connection and echoes it in every reply.
type WsIn struct {
	Session string `json:"session,omitempty"`
	Message string `json:"message" validate:"required,maxbytes"`
}

// WsOut is a successful reply frame.
type WsOut struct {
	Session string `json:"session"`
	Answer  string `json:"answer"`
}

// WsError is the reply frame for a rejected payload. The connection stays
// open after it is sent.
type WsError struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

// ParseWsIn deserializes and validates an inbound frame.
//
// Returns the parsed frame, or a non-empty details slice describing every
// validation failure. Malformed JSON and missing/oversized message fields
// are both reported through details so the client sees one error shape.
func ParseWsIn(raw []byte) (*WsIn, []string) {
	var in WsIn
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, []string{"message frame is not valid JSON: " + err.Error()}
	}
	if err := chatValidate.Struct(&in); err != nil {
		var details []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				details = append(details, fe.Field()+" failed on the '"+fe.Tag()+"' rule")
			}
		} else {
			details = []string{err.Error()}
		}
		return nil, details
	}
	return &in, nil
}

// =============================================================================
// Conversation Turns
// =============================================================================

// Roles for a conversation turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatTurn is one message within a session's bounded history window.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
