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

	"github.com/kadirpekel/orchestra/internal/gateway"
	"github.com/kadirpekel/orchestra/internal/llm"
	"github.com/kadirpekel/orchestra/internal/orcherr"
	"github.com/kadirpekel/orchestra/internal/todo"
)

// PlanStage is Stage 1 — TODO Planning (§4.6): asks the LLM for a JSON
// TODO array, then validates ids/dependencies itself (the todo package's
// own invariant checks run again when the Executor calls todo.New, this
// stage just retries the LLM on the obviously-malformed shape).
type PlanStage struct {
	GW          *gateway.Gateway
	Model       string
	Temperature float64
	MaxAttempts int
}

func (s *PlanStage) StageName() string { return "plan" }

type planItem struct {
	ID              string   `json:"id"`
	Action          string   `json:"action"`
	ActionLocalized string   `json:"action_localized"`
	SuccessCriteria string   `json:"success_criteria"`
	Dependencies    []string `json:"dependencies"`
}

type planResponse struct {
	Items []planItem `json:"items"`
}

func (s *PlanStage) Process(ctx context.Context, in Input) (Output, error) {
	maxAttempts := s.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	messages := make([]llm.Message, 0, len(in.PriorChat)+2)
	messages = append(messages, llm.Message{Role: "system", Content: planSystemPrompt})
	for _, turn := range in.PriorChat {
		messages = append(messages, llm.Message{Role: turn.Role, Content: turn.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: in.UserMessage})

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if lastErr != nil {
			messages = append(messages, llm.Message{
				Role:    "user",
				Content: fmt.Sprintf("The previous plan was invalid: %s. Emit a corrected JSON plan.", lastErr),
			})
		}

		resp, err := s.GW.Complete(ctx, "plan", gateway.PriorityNormal, llm.Request{
			Model:       s.Model,
			Temperature: s.Temperature,
			Messages:    messages,
		})
		if err != nil {
			lastErr = err
			continue
		}

		var pr planResponse
		if err := unmarshalJSON(resp.Text, &pr); err != nil {
			lastErr = fmt.Errorf("unparseable plan JSON: %w", err)
			continue
		}
		items, err := validatePlan(pr.Items)
		if err != nil {
			lastErr = err
			continue
		}
		return Output{PlannedItems: items}, nil
	}

	return Output{}, orcherr.Wrap(orcherr.KindPlanInvalid, "planner exhausted retries", lastErr)
}

// validatePlan converts the wire shape into *todo.Item and checks that
// every id is unique and every dependency refers to an earlier entry in
// array order (§4.6 Stage 1).
func validatePlan(items []planItem) ([]*todo.Item, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("plan contains no items")
	}
	seen := make(map[string]int, len(items))
	out := make([]*todo.Item, 0, len(items))
	for i, pi := range items {
		if pi.ID == "" || pi.Action == "" {
			return nil, fmt.Errorf("item %d missing id or action", i)
		}
		if _, dup := seen[pi.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %q", pi.ID)
		}
		seen[pi.ID] = i
		for _, dep := range pi.Dependencies {
			depIdx, ok := seen[dep]
			if !ok || depIdx >= i {
				return nil, fmt.Errorf("item %q depends on %q which is not earlier in plan order", pi.ID, dep)
			}
		}
		out = append(out, &todo.Item{
			ID:              pi.ID,
			Action:          pi.Action,
			ActionLocalized: pi.ActionLocalized,
			SuccessCriteria: pi.SuccessCriteria,
			Dependencies:    pi.Dependencies,
			Status:          todo.StatusPending,
		})
	}
	return out, nil
}

const planSystemPrompt = `You are a task planner. Given the user's request, emit a JSON object ` +
	`{"items": [{"id": "1", "action": "...", "success_criteria": "...", "dependencies": []}]} ` +
	`where every dependency id refers to an item earlier in the array. Use hierarchical ids ` +
	`like "1", "2", "3" for top-level steps. Respond with JSON only.`
