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

// SummaryStage is Stage 8 — Final Summary (§4.6): runs once every item
// has reached a terminal status (or the global failure budget is hit)
// and produces a user-facing summary plus aggregate metrics.
type SummaryStage struct {
	GW          *gateway.Gateway
	Model       string
	Temperature float64
}

func (s *SummaryStage) StageName() string { return "summary" }

func (s *SummaryStage) Process(ctx context.Context, in Input) (Output, error) {
	items := in.Todo.Items()

	var report strings.Builder
	counts := map[todo.Status]int{}
	for _, it := range items {
		counts[it.Status]++
		fmt.Fprintf(&report, "- %s (%s): %s\n", it.ID, it.Status, it.Action)
	}

	resp, err := s.GW.Complete(ctx, "summary", gateway.PriorityNormal, llm.Request{
		Model:       s.Model,
		Temperature: s.Temperature,
		Messages: []llm.Message{
			{Role: "system", Content: "Write a short, friendly summary of what was accomplished, in the same " +
				"language as the original request. Do not list raw item ids."},
			{Role: "user", Content: fmt.Sprintf("Original request: %s\n\nItem outcomes:\n%s", in.Todo.UserMessage, report.String())},
		},
	})
	if err != nil {
		return Output{}, fmt.Errorf("summary: %w", err)
	}

	metrics := map[string]any{
		"total_items":     len(items),
		"completed_items": counts[todo.StatusCompleted],
		"failed_items":    counts[todo.StatusFailed],
		"skipped_items":   counts[todo.StatusSkipped],
	}

	return Output{Summary: resp.Text, Metrics: metrics}, nil
}
