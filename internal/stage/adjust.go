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
	"github.com/kadirpekel/orchestra/internal/todo"
)

// AdjustStage is Stage 6 — Adjust TODO (§4.6): entered the first time
// verification rejects an item. Proposes a minimal edit — a revised
// action/success_criteria, or 1-3 inserted child items — which the
// Executor applies and then re-runs Stage 3 for the same item.
type AdjustStage struct {
	GW          *gateway.Gateway
	Model       string
	Temperature float64
}

func (s *AdjustStage) StageName() string { return "adjust" }

type adjustResponse struct {
	Action           string     `json:"action"`
	SuccessCriteria  string     `json:"success_criteria"`
	InsertedChildren []planItem `json:"inserted_children"`
}

func (s *AdjustStage) Process(ctx context.Context, in Input) (Output, error) {
	reasoning := ""
	if in.Item.Verification != nil {
		reasoning = in.Item.Verification.Reasoning
	}

	resp, err := s.GW.Complete(ctx, "adjust", gateway.PriorityNormal, llm.Request{
		Model:       s.Model,
		Temperature: s.Temperature,
		Messages: []llm.Message{
			{Role: "system", Content: `Propose the smallest possible fix: either a revised action/success_criteria, ` +
				`or 1-3 child steps to insert after this one. Respond with JSON ` +
				`{"action": "", "success_criteria": "", "inserted_children": [{"id": "", "action": "", "success_criteria": "", "dependencies": []}]}. ` +
				`Leave fields empty/absent if they should not change.`},
			{Role: "user", Content: fmt.Sprintf("Action: %s\nSuccess criteria: %s\nVerification failure reason: %s", in.Item.Action, in.Item.SuccessCriteria, reasoning)},
		},
	})
	if err != nil {
		return Output{}, fmt.Errorf("adjust: %w", err)
	}

	var ar adjustResponse
	if err := unmarshalJSON(resp.Text, &ar); err != nil {
		return Output{}, fmt.Errorf("adjust: unparseable response: %w", err)
	}

	children := make([]*todo.Item, 0, len(ar.InsertedChildren))
	for _, c := range ar.InsertedChildren {
		children = append(children, &todo.Item{
			Action:          c.Action,
			SuccessCriteria: c.SuccessCriteria,
			Dependencies:    c.Dependencies,
			Status:          todo.StatusPending,
		})
	}

	return Output{
		AdjustedAction:   ar.Action,
		AdjustedCriteria: ar.SuccessCriteria,
		InsertedChildren: children,
	}, nil
}
