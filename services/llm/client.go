// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm abstracts the generation collaborator behind a narrow client
// interface with pluggable backends.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrGeneration wraps backend failures; the pipeline turns it into a
// user-visible error string without failing the query.
var ErrGeneration = errors.New("llm generation error")

// GenerationParams tunes a single generation call. Nil pointer fields use
// backend defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	// Generate produces a completion for prompt, honoring ctx's deadline.
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// Ping verifies the backend is reachable and the configured model is
	// available. Called once at startup; failure is a startup error.
	Ping(ctx context.Context) error
}

// NewClient builds the backend named by backendType ("ollama", "openai", or
// "claude"/"anthropic").
func NewClient(backendType string) (LLMClient, error) {
	switch backendType {
	case "ollama", "":
		return NewOllamaClient()
	case "openai":
		return NewOpenAIClient()
	case "claude", "anthropic":
		return NewAnthropicClient()
	default:
		return nil, fmt.Errorf("unknown LLM backend type %q", backendType)
	}
}
