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
	"github.com/kadirpekel/orchestra/internal/history"
	"github.com/kadirpekel/orchestra/internal/llm"
	"github.com/kadirpekel/orchestra/internal/orcherr"
	"github.com/kadirpekel/orchestra/internal/todo"
	"github.com/kadirpekel/orchestra/internal/validation"
)

// ToolPlanStage is Stage 3 — Tool Planning (§4.6): asks the LLM for a
// JSON {tool_calls, reasoning} and runs every call through the
// Validation Pipeline, retrying with the diagnostics folded back into
// the prompt on failure.
type ToolPlanStage struct {
	GW          *gateway.Gateway
	Pipeline    *validation.Pipeline
	Model       string
	Temperature float64 // intentionally low, ~0.1 (§4.6 Stage 3)
	MaxAttempts int
}

func (s *ToolPlanStage) StageName() string { return "tool_plan" }

type toolPlanCall struct {
	Provider   string         `json:"provider"`
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
	Reasoning  string         `json:"reasoning"`
}

type toolPlanResponse struct {
	ToolCalls []toolPlanCall `json:"tool_calls"`
	Reasoning string         `json:"reasoning"`
}

func (s *ToolPlanStage) Process(ctx context.Context, in Input) (Output, error) {
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var toolList strings.Builder
	for _, td := range in.Providers {
		fmt.Fprintf(&toolList, "- %s: %s\n", td.Canonical, td.Description)
	}
	var histTail strings.Builder
	for _, e := range in.RecentHistory {
		fmt.Fprintf(&histTail, "- %s -> %s\n", e.Tool, e.Outcome)
	}

	systemPrompt := "Given the action below, emit a JSON object " +
		`{"tool_calls": [{"provider": "...", "tool": "...", "parameters": {...}}], "reasoning": "..."} ` +
		"using only tools from this list:\n" + toolList.String()
	if histTail.Len() > 0 {
		systemPrompt += "\nRecent tool history:\n" + histTail.String()
	}

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: in.Item.Action},
	}

	var lastDiag string
	for attempt := 0; attempt < maxAttempts; attempt++ {
		msgs := messages
		if lastDiag != "" {
			msgs = append(append([]llm.Message{}, messages...), llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("The previous tool plan failed validation: %s. Correct it.", lastDiag),
			})
		}

		resp, err := s.GW.Complete(ctx, "tool_plan", gateway.PriorityNormal, llm.Request{
			Model:       s.Model,
			Temperature: s.Temperature,
			Messages:    msgs,
		})
		if err != nil {
			lastDiag = err.Error()
			continue
		}

		var tpr toolPlanResponse
		if err := unmarshalJSON(resp.Text, &tpr); err != nil || len(tpr.ToolCalls) == 0 {
			lastDiag = "unparseable or empty tool_calls"
			continue
		}

		calls := make([]todo.ToolCall, 0, len(tpr.ToolCalls))
		var hist *history.Ring
		ok := true
		var diags []string
		for _, tc := range tpr.ToolCalls {
			call := todo.ToolCall{Provider: tc.Provider, Tool: tc.Tool, Parameters: tc.Parameters, Reasoning: tc.Reasoning}
			result := s.Pipeline.Validate(ctx, call, in.Item.Action, hist)
			if !result.Valid {
				ok = false
				diags = append(diags, strings.Join(result.Diagnostics, "; "))
				continue
			}
			calls = append(calls, result.FinalCall)
		}
		if !ok {
			lastDiag = strings.Join(diags, " | ")
			continue
		}
		return Output{ToolCalls: calls, Reasoning: tpr.Reasoning}, nil
	}

	return Output{}, orcherr.Wrap(orcherr.KindValidationFailed, "tool planner exhausted retries", fmt.Errorf("%s", lastDiag))
}
