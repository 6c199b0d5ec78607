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
	"sync"
	"time"

	"github.com/kadirpekel/orchestra/internal/events"
	"github.com/kadirpekel/orchestra/internal/history"
	"github.com/kadirpekel/orchestra/internal/inspector"
	"github.com/kadirpekel/orchestra/internal/provider"
	"github.com/kadirpekel/orchestra/internal/todo"
)

// ExecuteStage is Stage 4 — Tool Execution (§4.6): dispatches every
// validated call through the Inspector and on to the Capability
// Provider Manager, concurrently when the plan is independent and
// sequentially otherwise.
type ExecuteStage struct {
	Provider  *provider.Manager
	Inspector *inspector.Inspector
	HistStore *history.Store
	Mode      inspector.Mode
	// Bus, when non-nil, receives an approval event before an
	// approval wait and a tool event for every dispatched call.
	Bus *events.Bus
}

func (s *ExecuteStage) StageName() string { return "execute" }

func (s *ExecuteStage) Process(ctx context.Context, in Input) (Output, error) {
	hist := s.HistStore.For(in.SessionID)
	verdict := s.Inspector.InspectBatch(in.Item.ToolCalls, s.Mode, hist)
	if verdict.Decision == inspector.DecisionDeny {
		return Output{}, fmt.Errorf("tool execution denied: %s", verdict.Reason)
	}
	if verdict.Decision == inspector.DecisionRequireApproval {
		approvalID := in.SessionID + ":" + in.Item.ID
		if s.Bus != nil {
			s.Bus.Publish(in.SessionID, events.KindApproval, s.StageName(), in.Item.ID, events.ApprovalPayload{
				ApprovalID: approvalID, ItemID: in.Item.ID, Reason: verdict.Reason,
			})
		}
		if !s.Inspector.AwaitApproval(ctx, approvalID) {
			return Output{}, fmt.Errorf("tool execution not approved: %s", verdict.Reason)
		}
	}

	results := make([]todo.ExecutionResult, len(in.Item.ToolCalls))
	if independent(in.Item.ToolCalls) {
		var wg sync.WaitGroup
		for i, call := range in.Item.ToolCalls {
			wg.Add(1)
			go func(i int, call todo.ToolCall) {
				defer wg.Done()
				results[i] = s.dispatch(ctx, call, hist)
			}(i, call)
		}
		wg.Wait()
	} else {
		for i, call := range in.Item.ToolCalls {
			results[i] = s.dispatch(ctx, call, hist)
		}
	}

	// Results were collected in planned order above; emit the tool
	// events in the same order regardless of completion interleaving
	// (§5 Ordering guarantees).
	if s.Bus != nil {
		for _, r := range results {
			payload := events.ToolEventPayload{Tool: r.ToolCall.Tool, Arguments: r.ToolCall.Parameters, Result: r.Output}
			if r.Err != nil {
				payload.Err = r.Err.Error()
			}
			s.Bus.Publish(in.SessionID, events.KindToolEvent, s.StageName(), in.Item.ID, payload)
		}
	}

	return Output{ExecutionResults: results}, nil
}

func (s *ExecuteStage) dispatch(ctx context.Context, call todo.ToolCall, hist *history.Ring) todo.ExecutionResult {
	start := time.Now()
	out, err := s.Provider.Call(ctx, call.Tool, call.Parameters)
	elapsed := time.Since(start).Milliseconds()

	outcome := history.OutcomeSuccess
	if err != nil {
		outcome = history.OutcomeFailure
	}
	hist.Record(history.Entry{
		Tool:       call.Tool,
		ParamsHash: history.Hash(call.Parameters),
		Outcome:    outcome,
		DurationMS: elapsed,
		Timestamp:  time.Now(),
	})

	res := todo.ExecutionResult{ToolCall: call, Output: out, Err: err, DurationMS: elapsed}
	if errText, ok := out["error"].(string); ok {
		res.Stderr = errText
	}
	return res
}

// independent reports whether no call's parameters reference another
// call's output via a "{{<tool>.<field>}}" placeholder, the signal that
// lets Stage 4 dispatch them concurrently (§4.6 Stage 4).
func independent(calls []todo.ToolCall) bool {
	if len(calls) <= 1 {
		return true
	}
	for _, c := range calls {
		for _, v := range c.Parameters {
			if s, ok := v.(string); ok && strings.Contains(s, "{{") {
				return false
			}
		}
	}
	return true
}
