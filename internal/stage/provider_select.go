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

// ProviderSelectStage is Stage 2 — Provider Selection (§4.6): picks up
// to two provider names per item, guaranteeing at least one by falling
// back to DefaultProvider when the LLM's answer is unparseable.
type ProviderSelectStage struct {
	GW              *gateway.Gateway
	Model           string
	Temperature     float64
	DefaultProvider string
}

func (s *ProviderSelectStage) StageName() string { return "provider_select" }

type providerSelectResponse struct {
	Providers []string `json:"providers"`
}

func (s *ProviderSelectStage) Process(ctx context.Context, in Input) (Output, error) {
	if len(in.ProviderInfos) == 0 {
		return Output{}, fmt.Errorf("provider selection: no providers enabled")
	}

	var desc strings.Builder
	for _, p := range in.ProviderInfos {
		fmt.Fprintf(&desc, "- %s: %s\n", p.Name, p.Description)
	}

	resp, err := s.GW.Complete(ctx, "provider_select", gateway.PriorityNormal, llm.Request{
		Model:       s.Model,
		Temperature: s.Temperature,
		Messages: []llm.Message{
			{Role: "system", Content: "Select at most two providers, by name, best suited to the action below. " +
				`Respond with JSON {"providers": ["name", ...]}.` + "\n\nAvailable providers:\n" + desc.String()},
			{Role: "user", Content: in.Item.Action},
		},
	})
	if err != nil {
		return s.fallback(in), nil
	}

	var psr providerSelectResponse
	if err := unmarshalJSON(resp.Text, &psr); err != nil || len(psr.Providers) == 0 {
		return s.fallback(in), nil
	}

	valid := make(map[string]bool, len(in.ProviderInfos))
	for _, p := range in.ProviderInfos {
		valid[p.Name] = true
	}
	selected := make([]string, 0, 2)
	for _, name := range psr.Providers {
		if valid[name] {
			selected = append(selected, name)
		}
		if len(selected) == 2 {
			break
		}
	}
	if len(selected) == 0 {
		return s.fallback(in), nil
	}
	return Output{SelectedProviders: selected}, nil
}

// fallback returns the configured default provider, or the first
// enabled provider if no default is configured, guaranteeing at least
// one selection (§4.6 Stage 2 "guarantees at least one").
func (s *ProviderSelectStage) fallback(in Input) Output {
	for _, p := range in.ProviderInfos {
		if p.Name == s.DefaultProvider {
			return Output{SelectedProviders: []string{p.Name}}
		}
	}
	return Output{SelectedProviders: []string{in.ProviderInfos[0].Name}}
}
