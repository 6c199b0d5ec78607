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

package stage

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirpekel/orchestra/internal/gateway"
	"github.com/kadirpekel/orchestra/internal/llm"
)

// ModeStage is Stage 0 — Mode Router (§4.6): classifies a user message
// into chat/task/dev, with a deterministic access-code overlay that
// forces dev mode regardless of the classifier's opinion.
type ModeStage struct {
	GW          *gateway.Gateway
	Model       string
	Temperature float64
	// Keywords is a configurable, localized overlay: any message
	// containing one of these (case-insensitive) is routed to "task"
	// without an LLM round-trip, matching §4.12's "deterministic overlay".
	Keywords []string
}

func (s *ModeStage) StageName() string { return "mode" }

type modeResponse struct {
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
}

func (s *ModeStage) Process(ctx context.Context, in Input) (Output, error) {
	if in.ConfiguredCode != "" && in.AccessCode == in.ConfiguredCode {
		return Output{Mode: "dev", ModeConfidence: 1.0, RequiresPrivilege: true}, nil
	}

	lower := strings.ToLower(in.UserMessage)
	for _, kw := range s.Keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return Output{Mode: "task", ModeConfidence: 1.0}, nil
		}
	}

	resp, err := s.GW.Complete(ctx, "mode", gateway.PriorityNormal, llm.Request{
		Model:       s.Model,
		Temperature: s.Temperature,
		Messages: []llm.Message{
			{Role: "system", Content: `Classify the user's message as one of "chat", "task", or "dev". Respond with JSON: {"mode": "...", "confidence": 0.0-1.0}.`},
			{Role: "user", Content: in.UserMessage},
		},
	})
	if err != nil {
		return Output{}, fmt.Errorf("mode classification: %w", err)
	}

	var mr modeResponse
	if err := unmarshalJSON(resp.Text, &mr); err != nil || (mr.Mode != "chat" && mr.Mode != "task" && mr.Mode != "dev") {
		// Unparseable classifier output defaults to chat, the
		// conservative no-side-effects path.
		return Output{Mode: "chat", ModeConfidence: 0}, nil
	}

	out := Output{Mode: mr.Mode, ModeConfidence: mr.Confidence}
	if mr.Mode == "dev" {
		out.RequiresPrivilege = true
	}
	return out, nil
}

// ChatStage handles the Stage 0 "chat" short-circuit: the raw LLM reply
// streams back as a single ChatMessage without entering the TODO
// pipeline at all (§4.6 Stage 0).
type ChatStage struct {
	GW          *gateway.Gateway
	Model       string
	Temperature float64
}

func (s *ChatStage) StageName() string { return "chat" }

func (s *ChatStage) Process(ctx context.Context, in Input) (Output, error) {
	messages := make([]llm.Message, 0, len(in.PriorChat)+1)
	for _, turn := range in.PriorChat {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: in.UserMessage})

	resp, err := s.GW.Complete(ctx, "chat", gateway.PriorityNormal, llm.Request{
		Model:       s.Model,
		Temperature: s.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return Output{}, fmt.Errorf("chat reply: %w", err)
	}
	return Output{ChatReply: resp.Text}, nil
}
