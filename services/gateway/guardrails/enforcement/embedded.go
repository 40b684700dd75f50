// Copyright (C) 2025 Spectraflex, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package enforcement embeds the guardrail pattern definitions so the
// gateway ships with a working policy even when no config volume is
// mounted.
package enforcement

import _ "embed"

// GuardrailPatterns is the raw YAML consumed by guardrails.NewEngine.
//
//go:embed patterns.yaml
var GuardrailPatterns []byte
