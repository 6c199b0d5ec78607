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
	"github.com/kadirpekel/orchestra/internal/todo"
)

// ReplanStage is Stage 7 — Replan TODO (§4.6): entered when Adjust
// itself fails or an item's attempt budget is exhausted. Produces a
// fresh set of child items that replace the failing one entirely; the
// Executor marks the parent replanned and inserts these as its children.
type ReplanStage struct {
	GW          *gateway.Gateway
	Model       string
	Temperature float64
}

func (s *ReplanStage) StageName() string { return "replan" }

type replanResponse struct {
	Children []planItem `json:"children"`
}

func (s *ReplanStage) Process(ctx context.Context, in Input) (Output, error) {
	var history strings.Builder
	for _, r := range in.Item.ExecutionResults {
		fmt.Fprintf(&history, "- %s: output=%v err=%v\n", r.ToolCall.Tool, r.Output, r.Err)
	}
	reasoning := ""
	if in.Item.Verification != nil {
		reasoning = in.Item.Verification.Reasoning
	}

	resp, err := s.GW.Complete(ctx, "replan", gateway.PriorityNormal, llm.Request{
		Model:       s.Model,
		Temperature: s.Temperature,
		Messages: []llm.Message{
			{Role: "system", Content: `This step has failed repeatedly and needs a deep rewrite. Propose a fresh ` +
				`set of child steps that replace it entirely. Respond with JSON ` +
				`{"children": [{"id": "", "action": "", "success_criteria": "", "dependencies": []}]}.`},
			{Role: "user", Content: fmt.Sprintf(
				"Failing action: %s\nSuccess criteria: %s\nPast execution:\n%sDiagnostics: %s",
				in.Item.Action, in.Item.SuccessCriteria, history.String(), reasoning)},
		},
	})
	if err != nil {
		return Output{}, fmt.Errorf("replan: %w", err)
	}

	var rr replanResponse
	if err := unmarshalJSON(resp.Text, &rr); err != nil || len(rr.Children) == 0 {
		return Output{}, fmt.Errorf("replan: unparseable or empty children")
	}

	children := make([]*todo.Item, 0, len(rr.Children))
	for _, c := range rr.Children {
		children = append(children, &todo.Item{
			Action:          c.Action,
			SuccessCriteria: c.SuccessCriteria,
			Dependencies:    c.Dependencies,
			Status:          todo.StatusPending,
		})
	}
	return Output{ReplanChildren: children}, nil
}
