// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package toolregistry is the Tool Registry & Name Normalizer (spec
// §4.2): the single source of truth mapping canonical tool names to
// provider-advertised definitions, refreshed from the Capability
// Provider Manager, with fuzzy `find_similar` lookup that the validation
// pipeline's provider-sync stage uses to correct misnamed tool calls.
package toolregistry

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/orchestra/internal/orcherr"
	"github.com/kadirpekel/orchestra/internal/provider"
)

// SimilarityThreshold is the minimum match score (§4.2) below which a
// tool name is not considered a plausible typo of a real tool.
const SimilarityThreshold = 0.8

// Registry holds the current canonical tool set. It is rebuilt whenever
// the Provider Manager's tool list changes (a provider (re)connects or
// is marked failed).
type Registry struct {
	mu    sync.RWMutex
	tools map[string]provider.ToolDef

	registrations prometheus.Counter
	lookups       prometheus.Counter
	misses        prometheus.Counter
}

// NewRegistry builds an empty Registry. reg may be nil, in which case
// the registration/lookup counters are still kept but not registered
// with any Prometheus registry (mirrors the teacher's "Metrics may be
// nil" convention in pkg/observability).
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{tools: make(map[string]provider.ToolDef)}

	r.registrations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestra", Subsystem: "toolregistry", Name: "registrations_total",
		Help: "Total number of tool definitions registered.",
	})
	r.lookups = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestra", Subsystem: "toolregistry", Name: "lookups_total",
		Help: "Total number of tool lookups performed.",
	})
	r.misses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orchestra", Subsystem: "toolregistry", Name: "lookup_misses_total",
		Help: "Total number of tool lookups that found no exact match.",
	})
	if reg != nil {
		reg.MustRegister(r.registrations, r.lookups, r.misses)
	}
	return r
}

// Refresh replaces the registry's contents with defs, the current
// output of the Provider Manager's ListTools.
func (r *Registry) Refresh(defs []provider.ToolDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools = make(map[string]provider.ToolDef, len(defs))
	for _, td := range defs {
		r.tools[td.Canonical] = td
	}
	if r.registrations != nil {
		r.registrations.Add(float64(len(defs)))
	}
}

// Get looks up a tool by its exact canonical name (§4.2 list/get).
func (r *Registry) Get(canonical string) (provider.ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lookups != nil {
		r.lookups.Inc()
	}
	td, ok := r.tools[canonical]
	if !ok && r.misses != nil {
		r.misses.Inc()
	}
	return td, ok
}

// List returns every registered tool, sorted by canonical name.
func (r *Registry) List() []provider.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]provider.ToolDef, 0, len(r.tools))
	for _, td := range r.tools {
		out = append(out, td)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Canonical < out[j].Canonical })
	return out
}

// Match pairs a candidate tool with its similarity score to a query.
type Match struct {
	Tool  provider.ToolDef
	Score float64
}

// FindSimilar returns registered tools whose canonical name is within
// SimilarityThreshold of name, most similar first (§4.2). Used, through
// BestMatch, by the validation pipeline's provider-sync stage to rewrite
// a near-miss tool name instead of failing the call outright.
func (r *Registry) FindSimilar(name string) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Match
	for canonical, td := range r.tools {
		score := similarity(strings.ToLower(name), strings.ToLower(canonical))
		if score >= SimilarityThreshold {
			matches = append(matches, Match{Tool: td, Score: score})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}

// BestMatch returns the single most similar tool to name, if any meets
// SimilarityThreshold.
func (r *Registry) BestMatch(name string) (provider.ToolDef, bool) {
	matches := r.FindSimilar(name)
	if len(matches) == 0 {
		return provider.ToolDef{}, false
	}
	return matches[0].Tool, true
}

// Resolve looks a tool up exactly, falling back to its best fuzzy
// match; returns a tool-not-found orcherr when neither succeeds.
func (r *Registry) Resolve(name string) (provider.ToolDef, error) {
	if td, ok := r.Get(name); ok {
		return td, nil
	}
	if td, ok := r.BestMatch(name); ok {
		return td, nil
	}
	return provider.ToolDef{}, orcherr.New(orcherr.KindToolNotFound, fmt.Sprintf("no tool matches %q", name))
}

// Similarity normalizes Levenshtein edit distance into a 0..1 score
// where 1.0 is an exact match (same ratio FindSimilar uses), exported
// for the validation pipeline's schema-stage key auto-correction.
func Similarity(a, b string) float64 {
	return similarity(a, b)
}

// similarity normalizes Levenshtein edit distance into a 0..1 score
// where 1.0 is an exact match, matching the ratio the teacher's
// strict_validator.go uses when ranking config-key typo suggestions.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshteinDistance(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}

// levenshteinDistance computes the edit distance between s1 and s2,
// ported from the teacher's pkg/config/strict_validator.go.
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	matrix := make([][]int, len(s1)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(s2)+1)
		matrix[i][0] = i
	}
	for j := range matrix[0] {
		matrix[0][j] = j
	}

	for i := 1; i <= len(s1); i++ {
		for j := 1; j <= len(s2); j++ {
			cost := 1
			if s1[i-1] == s2[j-1] {
				cost = 0
			}
			del := matrix[i-1][j] + 1
			ins := matrix[i][j-1] + 1
			sub := matrix[i-1][j-1] + cost
			min := del
			if ins < min {
				min = ins
			}
			if sub < min {
				min = sub
			}
			matrix[i][j] = min
		}
	}
	return matrix[len(s1)][len(s2)]
}
