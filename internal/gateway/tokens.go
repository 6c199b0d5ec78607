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

package gateway

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/orchestra/internal/llm"
)

// TokenBudget counts and trims llm.Message slices against a per-request
// token ceiling before they reach the wire. Stage 1 (planning) and Stage
// 3 (tool planning) both fold retry diagnostics into the prompt (§4.6);
// without a budget that accumulation can silently exceed a model's
// context window on the Nth retry.
type TokenBudget struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	encodingMu    sync.RWMutex
)

// NewTokenBudget builds a budget counter for model, falling back to the
// cl100k_base encoding (GPT-4/3.5 family) when the model name is not one
// tiktoken recognizes directly — every model in the pack's examples
// approximates on this encoding since none of them expose their own
// public tokenizer.
func NewTokenBudget(model string) *TokenBudget {
	encodingMu.RLock()
	cached, ok := encodingCache[model]
	encodingMu.RUnlock()
	if ok {
		return &TokenBudget{encoding: cached, model: model}
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// No encoding available at all: Count/Trim degrade to the
			// stdlib-only four-characters-per-token heuristic below.
			return &TokenBudget{model: model}
		}
	}

	encodingMu.Lock()
	encodingCache[model] = enc
	encodingMu.Unlock()
	return &TokenBudget{encoding: enc, model: model}
}

// Count returns the token count of text, or a rough len/4 estimate if no
// encoding could be loaded.
func (b *TokenBudget) Count(text string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.encoding == nil {
		return len(text) / 4
	}
	return len(b.encoding.Encode(text, nil, nil))
}

// CountMessages totals messages' tokens plus the per-message role/frame
// overhead, following the same three-token-per-message convention OpenAI
// documents for its chat format.
func (b *TokenBudget) CountMessages(messages []llm.Message) int {
	total := 3 // reply priming
	for _, m := range messages {
		total += 3 + b.Count(m.Role) + b.Count(m.Content)
	}
	return total
}

// FitWithinLimit returns the suffix of messages (most recent first, kept
// in original order) whose total token count is within maxTokens. A
// leading message with role "system" is always kept, since Stage prompts
// put their system instructions there and dropping it would break the
// prompt's grammar entirely; any other first message may be trimmed.
func (b *TokenBudget) FitWithinLimit(messages []llm.Message, maxTokens int) []llm.Message {
	if len(messages) == 0 || maxTokens <= 0 {
		return messages
	}

	var head []llm.Message
	rest := messages
	if messages[0].Role == "system" {
		head = messages[:1]
		rest = messages[1:]
	}

	budget := maxTokens - b.CountMessages(head)
	fitted := make([]llm.Message, 0, len(rest))
	used := 3
	for i := len(rest) - 1; i >= 0; i-- {
		cost := 3 + b.Count(rest[i].Role) + b.Count(rest[i].Content)
		if used+cost > budget {
			break
		}
		fitted = append([]llm.Message{rest[i]}, fitted...)
		used += cost
	}
	return append(head, fitted...)
}
