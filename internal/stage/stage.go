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

// Package stage implements the nine Stage Processors (spec §4.6): pure
// functions of (Session, Todo, Item?, LLM Gateway, Tools, History) that
// never call each other directly. The TODO Executor (internal/executor)
// sequences them; each stage is a value implementing the Processor
// interface (Design Note "duck-typed processor interface" resolved into
// one interface, selected by executor state rather than branching on
// string identifiers).
package stage

import (
	"context"

	"github.com/kadirpekel/orchestra/internal/history"
	"github.com/kadirpekel/orchestra/internal/provider"
	"github.com/kadirpekel/orchestra/internal/todo"
)

// Input is the union of fields any stage may need; unused fields are
// left zero by the Executor for stages that don't need them.
type Input struct {
	SessionID   string
	UserMessage string
	PriorChat   []ChatTurn

	Todo *todo.Todo
	Item *todo.Item

	Providers     []provider.ToolDef // pruned tool list of the selected providers
	ProviderInfos []ProviderInfo     // one-line descriptions of every enabled provider
	RecentHistory []history.Entry

	AccessCode     string // token extracted from the user message
	ConfiguredCode string // spec §6 mode.access_code

	Diagnostics string // validation/verification diagnostics folded into a retry prompt
	EditHint    string // not set by the Executor; Adjust and Replan read failure reasoning from Item.Verification
}

// ChatTurn is one message of prior conversation context for Stage 0/1.
type ChatTurn struct {
	Role    string
	Content string
}

// ProviderInfo is a terse one-line description of an enabled provider,
// used by Stage 2's selection prompt.
type ProviderInfo struct {
	Name        string
	Description string
}

// Output is the union of fields any stage may produce.
type Output struct {
	// Stage 0
	Mode              string
	ModeConfidence    float64
	RequiresPrivilege bool
	ChatReply         string

	// Stage 1
	PlannedItems []*todo.Item

	// Stage 2
	SelectedProviders []string

	// Stage 3
	ToolCalls []todo.ToolCall
	Reasoning string

	// Stage 4
	ExecutionResults []todo.ExecutionResult

	// Stage 5
	Verification *todo.Verification

	// Stage 6
	AdjustedAction   string
	AdjustedCriteria string
	InsertedChildren []*todo.Item

	// Stage 7
	ReplanChildren []*todo.Item

	// Stage 8
	Summary string
	Metrics map[string]any
}

// Processor is the one interface every stage implements (§9 Design Note).
type Processor interface {
	StageName() string
	Process(ctx context.Context, in Input) (Output, error)
}
