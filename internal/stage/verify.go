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
	"github.com/kadirpekel/orchestra/internal/provider"
	"github.com/kadirpekel/orchestra/internal/todo"
)

// VerifyStage is Stage 5 — Verification (§4.6): evaluates execution
// results against the item's success criteria, routing between a
// "data" (inspect payloads) and "visual" (screenshot + vision model)
// evaluation mode.
type VerifyStage struct {
	GW          *gateway.Gateway
	Provider    *provider.Manager
	Model       string
	VisionModel string
	Temperature float64

	// VisualTool is the canonical screenshot-capture tool used for the
	// visual verification path, e.g. "playwright__screenshot". Empty
	// disables the visual path entirely; every item is verified by data.
	VisualTool string
	// ConfidenceOverride is the routing threshold at which the auxiliary
	// router's classification replaces the heuristic (§4.6 Stage 5: "≥ 0.7").
	ConfidenceOverride float64

	// MatchKeywords is the localized list of phrases that, appearing in
	// the verifier's reasoning, can override a verified=false verdict:
	// models sometimes answer false while their prose describes a match.
	// Kept external and configurable rather than hard-coded. Empty uses
	// DefaultMatchKeywords.
	MatchKeywords []string
	// AcceptMinConfidence is the floor for taking verified=true at face
	// value (default 60). OverrideMinConfidence is the floor for the
	// keyword override on verified=false (default 80); set negative to
	// let the override fire at any confidence.
	AcceptMinConfidence   int
	OverrideMinConfidence int
}

// DefaultMatchKeywords is the tuned-in-production override phrase list.
var DefaultMatchKeywords = []string{"matches", "correct", "updated", "відповід", "успішно"}

func (s *VerifyStage) StageName() string { return "verify" }

type routeResponse struct {
	Mode       string  `json:"mode"`
	Confidence float64 `json:"confidence"`
}

type verifyResponse struct {
	Verified   bool   `json:"verified"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`
	Evidence   string `json:"evidence"`
}

func (s *VerifyStage) Process(ctx context.Context, in Input) (Output, error) {
	mode := s.route(ctx, in)

	var evidence string
	if mode == "visual" && s.VisualTool != "" {
		shot, err := s.Provider.Call(ctx, s.VisualTool, map[string]any{})
		if err == nil {
			if text, ok := shot["result"].(string); ok {
				evidence = text
			}
		}
	}

	var results strings.Builder
	for _, r := range in.Item.ExecutionResults {
		fmt.Fprintf(&results, "- %s: output=%v err=%v\n", r.ToolCall.Tool, r.Output, r.Err)
	}

	model := s.Model
	if mode == "visual" && s.VisionModel != "" {
		model = s.VisionModel
	}

	systemPrompt := "Evaluate whether the execution results satisfy the success criteria. " +
		`Respond with JSON {"verified": bool, "confidence": 0-100, "reasoning": "...", "evidence": "..."}.`
	userContent := fmt.Sprintf("Success criteria: %s\n\nExecution results:\n%s", in.Item.SuccessCriteria, results.String())
	if evidence != "" {
		userContent += "\n\nScreenshot evidence:\n" + evidence
	}

	resp, err := s.GW.Complete(ctx, "verify", gateway.PriorityCritical, llm.Request{
		Model:       model,
		Temperature: s.Temperature,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userContent},
		},
	})
	if err != nil {
		return Output{}, fmt.Errorf("verification: %w", err)
	}

	var vr verifyResponse
	if err := unmarshalJSON(resp.Text, &vr); err != nil {
		return Output{Verification: &todo.Verification{
			Verified:  false,
			Reasoning: "verifier response was unparseable",
		}}, nil
	}

	return Output{Verification: s.decide(vr)}, nil
}

// decide applies the acceptance rules to the raw verifier verdict
// (§4.6 Stage 5): take verified=true at face value above the accept
// floor, apply the keyword override to verified=false above the
// override floor, reject everything else.
func (s *VerifyStage) decide(vr verifyResponse) *todo.Verification {
	v := &todo.Verification{
		Confidence: vr.Confidence,
		Reasoning:  vr.Reasoning,
		Evidence:   vr.Evidence,
	}

	acceptMin := s.AcceptMinConfidence
	if acceptMin == 0 {
		acceptMin = 60
	}
	overrideMin := s.OverrideMinConfidence
	if overrideMin == 0 {
		overrideMin = 80
	}
	keywords := s.MatchKeywords
	if len(keywords) == 0 {
		keywords = DefaultMatchKeywords
	}

	switch {
	case vr.Verified && vr.Confidence >= acceptMin:
		v.Verified = true
	case !vr.Verified && vr.Confidence >= overrideMin && containsAny(vr.Reasoning, keywords):
		v.Verified = true
		v.OverrideApplied = true
	}
	return v
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// route decides data vs. visual verification: a cheap heuristic (did any
// executed tool belong to a provider that looks browser-like) unless the
// auxiliary router LLM answers with confidence ≥ ConfidenceOverride, in
// which case its answer wins (§4.6 Stage 5).
func (s *VerifyStage) route(ctx context.Context, in Input) string {
	heuristic := "data"
	if s.VisualTool != "" {
		for _, r := range in.Item.ExecutionResults {
			providerName, _, ok := provider.SplitCanonical(r.ToolCall.Tool)
			if ok && (strings.Contains(providerName, "browser") || strings.Contains(providerName, "playwright")) {
				heuristic = "visual"
				break
			}
		}
	}
	if s.VisualTool == "" {
		return "data"
	}

	threshold := s.ConfidenceOverride
	if threshold == 0 {
		threshold = 0.7
	}

	resp, err := s.GW.Complete(ctx, "verify_route", gateway.PriorityNormal, llm.Request{
		Model:       s.Model,
		Temperature: 0,
		Messages: []llm.Message{
			{Role: "system", Content: `Classify whether verifying this action needs a screenshot ("visual") or just the tool outputs ("data"). Respond with JSON {"mode": "...", "confidence": 0.0-1.0}.`},
			{Role: "user", Content: in.Item.Action},
		},
	})
	if err != nil {
		return heuristic
	}
	var rr routeResponse
	if err := unmarshalJSON(resp.Text, &rr); err != nil || (rr.Mode != "data" && rr.Mode != "visual") {
		return heuristic
	}
	if rr.Confidence >= threshold {
		return rr.Mode
	}
	return heuristic
}
