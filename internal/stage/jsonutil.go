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
	"encoding/json"
	"fmt"
	"strings"
)

// extractJSON pulls the first top-level JSON object or array out of text,
// stripping a markdown code fence if the model wrapped its output in one.
// Planner/verifier/tool-planner LLM replies are prompted for raw JSON but
// models sometimes add fences or leading prose anyway.
func extractJSON(text string) (string, error) {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "```") {
		t = strings.TrimPrefix(t, "```json")
		t = strings.TrimPrefix(t, "```")
		if idx := strings.LastIndex(t, "```"); idx >= 0 {
			t = t[:idx]
		}
		t = strings.TrimSpace(t)
	}

	start := strings.IndexAny(t, "{[")
	if start < 0 {
		return "", fmt.Errorf("no JSON object or array found in response")
	}
	open, close := t[start], byte('}')
	if open == '[' {
		close = ']'
	}
	depth := 0
	for i := start; i < len(t); i++ {
		switch t[i] {
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return t[start : i+1], nil
			}
		}
	}
	return "", fmt.Errorf("unterminated JSON in response")
}

func unmarshalJSON(text string, v any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), v)
}
