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

// Package validation implements the five-stage tool-call Validation
// Pipeline (spec §4.3): Format, History, Schema, Provider-Sync and
// Semantic, with early rejection on a critical-severity failure and
// compounding auto-corrections across stages.
package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/orchestra/internal/history"
	"github.com/kadirpekel/orchestra/internal/llm"
	"github.com/kadirpekel/orchestra/internal/orcherr"
	"github.com/kadirpekel/orchestra/internal/provider"
	"github.com/kadirpekel/orchestra/internal/todo"
	"github.com/kadirpekel/orchestra/internal/toolregistry"
)

// Outcome is one stage's verdict (§4.3).
type Outcome string

const (
	OutcomePass      Outcome = "pass"
	OutcomeFail      Outcome = "fail"
	OutcomeCorrected Outcome = "corrected"
	OutcomeWarning   Outcome = "warning"
)

// Severity classifies whether a stage's fail aborts the pipeline.
type Severity string

const (
	SeverityCritical    Severity = "critical"
	SeverityNonCritical Severity = "non-critical"
)

// StageResult is the output of one pipeline stage.
type StageResult struct {
	Stage       string
	Outcome     Outcome
	Diagnostics string
	Corrected   *todo.ToolCall
}

// Result is the aggregate pipeline outcome for one tool call.
type Result struct {
	Valid        bool
	FinalCall    todo.ToolCall
	StageResults []StageResult
	Diagnostics  []string
}

// Config configures pipeline thresholds (§6).
type Config struct {
	EarlyRejection       bool
	SimilarityThreshold  float64
	HistoryFailureWarnAt int
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.8
	}
	if c.HistoryFailureWarnAt == 0 {
		c.HistoryFailureWarnAt = 3
	}
	return c
}

// SemanticChecker is the optional Stage 5 second-opinion LLM call;
// callers may pass a nil Client to skip it entirely.
type SemanticChecker struct {
	Client      llm.Client
	Model       string
	Temperature float64
}

// Pipeline runs the five validation stages in order (§4.3).
type Pipeline struct {
	cfg      Config
	registry *toolregistry.Registry
	semantic *SemanticChecker

	stagePass    *prometheus.CounterVec
	stageFail    *prometheus.CounterVec
	stageLatency *prometheus.HistogramVec
	corrections  *prometheus.CounterVec
}

// New builds a Pipeline backed by registry for schema/provider-sync
// lookups. reg may be nil to skip metrics registration; semantic may be
// nil to skip Stage 5 entirely.
func New(cfg Config, registry *toolregistry.Registry, semantic *SemanticChecker, reg prometheus.Registerer) *Pipeline {
	p := &Pipeline{cfg: cfg.withDefaults(), registry: registry, semantic: semantic}
	p.stagePass = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestra", Subsystem: "validation", Name: "stage_pass_total",
		Help: "Validation stage passes.",
	}, []string{"stage"})
	p.stageFail = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestra", Subsystem: "validation", Name: "stage_fail_total",
		Help: "Validation stage failures.",
	}, []string{"stage"})
	p.stageLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "orchestra", Subsystem: "validation", Name: "stage_duration_seconds",
		Help:    "Validation stage latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})
	p.corrections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestra", Subsystem: "validation", Name: "corrections_total",
		Help: "Auto-corrections applied by stage.",
	}, []string{"stage"})
	if reg != nil {
		reg.MustRegister(p.stagePass, p.stageFail, p.stageLatency, p.corrections)
	}
	return p
}

// Validate runs call through every stage, honoring early rejection on a
// critical fail, and returns the aggregate Result with any compounded
// corrections (§4.3).
func (p *Pipeline) Validate(ctx context.Context, call todo.ToolCall, itemAction string, hist *history.Ring) Result {
	res := Result{Valid: true, FinalCall: call}

	stages := []struct {
		name     string
		severity Severity
		run      func(todo.ToolCall) StageResult
	}{
		{"format", SeverityCritical, p.stageFormat},
		{"history", SeverityNonCritical, func(c todo.ToolCall) StageResult { return p.stageHistory(c, hist) }},
		{"schema", SeverityCritical, p.stageSchema},
		{"provider-sync", SeverityCritical, p.stageProviderSync},
		{"semantic", SeverityNonCritical, func(c todo.ToolCall) StageResult { return p.stageSemantic(ctx, c, itemAction) }},
	}

	current := call
	for _, st := range stages {
		start := time.Now()
		sr := st.run(current)
		p.stageLatency.WithLabelValues(st.name).Observe(time.Since(start).Seconds())

		switch sr.Outcome {
		case OutcomePass:
			p.stagePass.WithLabelValues(st.name).Inc()
		case OutcomeWarning:
			p.stagePass.WithLabelValues(st.name).Inc()
		case OutcomeCorrected:
			p.stagePass.WithLabelValues(st.name).Inc()
			p.corrections.WithLabelValues(st.name).Inc()
			if sr.Corrected != nil {
				current = *sr.Corrected
			}
		case OutcomeFail:
			p.stageFail.WithLabelValues(st.name).Inc()
			res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("%s: %s", st.name, sr.Diagnostics))
			if st.severity == SeverityCritical {
				res.Valid = false
				if p.cfg.EarlyRejection {
					res.StageResults = append(res.StageResults, sr)
					res.FinalCall = current
					return res
				}
			}
		}
		res.StageResults = append(res.StageResults, sr)
	}

	res.FinalCall = current
	return res
}

// stageFormat is Stage 1: structural shape of the call (§4.3 ~1ms).
func (p *Pipeline) stageFormat(call todo.ToolCall) StageResult {
	if call.Provider == "" || call.Tool == "" {
		return StageResult{Stage: "format", Outcome: OutcomeFail, Diagnostics: "tool call missing provider or tool name"}
	}
	providerName, _, ok := provider.SplitCanonical(call.Tool)
	if !ok {
		return StageResult{Stage: "format", Outcome: OutcomeFail, Diagnostics: fmt.Sprintf("tool %q is not in provider__action form", call.Tool)}
	}
	if providerName != call.Provider {
		return StageResult{Stage: "format", Outcome: OutcomeFail, Diagnostics: fmt.Sprintf("tool %q does not belong to declared provider %q", call.Tool, call.Provider)}
	}
	if call.Parameters == nil {
		return StageResult{Stage: "format", Outcome: OutcomeFail, Diagnostics: "parameters must be an object"}
	}
	return StageResult{Stage: "format", Outcome: OutcomePass}
}

// stageHistory is Stage 2: warns (never blocks alone) on repeated past
// failures of the identical (tool, params_hash) pair (§4.3 ~5ms).
func (p *Pipeline) stageHistory(call todo.ToolCall, hist *history.Ring) StageResult {
	if hist == nil {
		return StageResult{Stage: "history", Outcome: OutcomePass}
	}
	paramsHash := history.Hash(call.Parameters)
	failures := 0
	for _, e := range hist.All() {
		if e.Tool == call.Tool && e.ParamsHash == paramsHash && e.Outcome == history.OutcomeFailure {
			failures++
		}
	}
	if failures >= p.cfg.HistoryFailureWarnAt {
		return StageResult{
			Stage:       "history",
			Outcome:     OutcomeWarning,
			Diagnostics: fmt.Sprintf("tool %q with these exact parameters has failed %d+ times previously", call.Tool, p.cfg.HistoryFailureWarnAt),
		}
	}
	return StageResult{Stage: "history", Outcome: OutcomePass}
}

// stageSchema is Stage 3: validates parameters against the provider's
// advertised inputSchema, attempting key auto-correction by similarity
// (§4.3 ~10ms).
func (p *Pipeline) stageSchema(call todo.ToolCall) StageResult {
	td, ok := p.registry.Get(call.Tool)
	if !ok {
		// Unknown tool is Provider-Sync's concern, not Schema's; pass
		// through so Stage 4 can attempt a name correction.
		return StageResult{Stage: "schema", Outcome: OutcomePass}
	}
	required, properties := requiredAndProperties(td.InputSchema)
	if len(properties) == 0 {
		return StageResult{Stage: "schema", Outcome: OutcomePass}
	}

	corrected := false
	newParams := make(map[string]any, len(call.Parameters))
	for key, val := range call.Parameters {
		if _, ok := properties[key]; ok {
			newParams[key] = val
			continue
		}
		if match, score := bestKeyMatch(key, properties); score >= p.cfg.SimilarityThreshold {
			newParams[match] = val
			corrected = true
			continue
		}
		newParams[key] = val
	}

	var missing []string
	for _, req := range required {
		if _, ok := newParams[req]; !ok {
			missing = append(missing, req)
		}
	}
	if len(missing) > 0 {
		return StageResult{
			Stage:       "schema",
			Outcome:     OutcomeFail,
			Diagnostics: fmt.Sprintf("missing required parameters %v for tool %q", missing, call.Tool),
		}
	}

	if corrected {
		c := call
		c.Parameters = newParams
		return StageResult{Stage: "schema", Outcome: OutcomeCorrected, Corrected: &c}
	}
	return StageResult{Stage: "schema", Outcome: OutcomePass}
}

// stageProviderSync is Stage 4: confirms the tool exists in the
// currently advertised list for its provider, rewriting to the closest
// canonical match when it does not (§4.3 ~100ms).
func (p *Pipeline) stageProviderSync(call todo.ToolCall) StageResult {
	if _, ok := p.registry.Get(call.Tool); ok {
		return StageResult{Stage: "provider-sync", Outcome: OutcomePass}
	}

	best, ok := p.registry.BestMatch(call.Tool)
	if !ok || best.Provider != call.Provider {
		return StageResult{
			Stage:       "provider-sync",
			Outcome:     OutcomeFail,
			Diagnostics: fmt.Sprintf("tool %q not found on provider %q", call.Tool, call.Provider),
		}
	}
	c := call
	c.Tool = best.Canonical
	return StageResult{Stage: "provider-sync", Outcome: OutcomeCorrected, Corrected: &c}
}

// stageSemantic is Stage 5: an optional second LLM opinion on whether
// the call safely advances the item's action. Warnings only (§4.3 ~500ms).
func (p *Pipeline) stageSemantic(ctx context.Context, call todo.ToolCall, itemAction string) StageResult {
	if p.semantic == nil || p.semantic.Client == nil {
		return StageResult{Stage: "semantic", Outcome: OutcomePass}
	}
	resp, err := p.semantic.Client.Complete(ctx, llm.Request{
		Model:       p.semantic.Model,
		Temperature: p.semantic.Temperature,
		Messages: []llm.Message{
			{Role: "system", Content: "Answer only SAFE or UNSAFE: does this tool call safely advance the stated action?"},
			{Role: "user", Content: fmt.Sprintf("Action: %s\nTool: %s\nParameters: %v", itemAction, call.Tool, call.Parameters)},
		},
	})
	if err != nil {
		return StageResult{Stage: "semantic", Outcome: OutcomePass}
	}
	if strings.Contains(strings.ToUpper(resp.Text), "UNSAFE") {
		return StageResult{Stage: "semantic", Outcome: OutcomeWarning, Diagnostics: "semantic check flagged this call as unsafe"}
	}
	return StageResult{Stage: "semantic", Outcome: OutcomePass}
}

// requiredAndProperties extracts JSON-Schema "required" and "properties"
// from a provider's inputSchema map.
func requiredAndProperties(schema map[string]any) (required []string, properties map[string]any) {
	properties = map[string]any{}
	if schema == nil {
		return nil, properties
	}
	if req, ok := schema["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				required = append(required, s)
			}
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		properties = props
	}
	return required, properties
}

// bestKeyMatch finds the schema property key most similar to name.
func bestKeyMatch(name string, properties map[string]any) (string, float64) {
	best := ""
	bestScore := 0.0
	for key := range properties {
		score := toolregistry.Similarity(strings.ToLower(name), strings.ToLower(key))
		if score > bestScore {
			bestScore = score
			best = key
		}
	}
	return best, bestScore
}

// AsError wraps a Result into an *orcherr.Error for callers that
// need the closed taxonomy (§7 validation-failed).
func (r Result) AsError() error {
	if r.Valid {
		return nil
	}
	return orcherr.New(orcherr.KindValidationFailed, strings.Join(r.Diagnostics, "; "))
}
