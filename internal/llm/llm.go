// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package llm defines the seam between the orchestrator and the LLM HTTP
// client, which spec §1 places out of scope: "assumed: a function that
// given {model, temperature, max_tokens, messages} returns a text
// completion or a structured JSON body". Nothing in this package makes
// an HTTP call; internal/gateway wraps a Client with rate limiting and
// the stage processors are the only callers.
package llm

import "context"

// Message is one turn of the conversation sent to the model.
type Message struct {
	Role    string // "system", "user", "assistant"
	Content string
}

// Request is the immutable input to a single completion call.
type Request struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
	// JSONSchema, when non-nil, asks the Client to constrain its output
	// to this JSON Schema (stage processors that expect structured JSON
	// output, e.g. Stage 1 Planning, set this).
	JSONSchema map[string]any
}

// Response is a single completion result.
type Response struct {
	Text string
	// Raw holds the parsed JSON body when Request.JSONSchema was set and
	// the client returned structured output; nil for plain text replies.
	Raw map[string]any
}

// Client is the seam interface every stage processor and the Gateway
// depend on. A concrete implementation (HTTP call to a model provider)
// is an external collaborator per spec §1 and is injected at
// construction time; this package ships none.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// ClientFunc adapts a plain function to the Client interface, the same
// adapter idiom Go's net/http uses for http.HandlerFunc.
type ClientFunc func(ctx context.Context, req Request) (Response, error)

func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}
