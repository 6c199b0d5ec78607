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

// Package provider implements the Capability Provider Manager (spec §4.1):
// it spawns subprocess providers, speaks JSON-RPC 2.0 framed over their
// stdio (via mark3labs/mcp-go's stdio client), performs the initialize
// handshake, caches each provider's tool list under a canonical
// `provider__action` name, and relays tool calls.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/orchestra/internal/orcherr"
)

// State is a provider's lifecycle state (§4.1).
type State string

const (
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

const protocolVersion = "2024-11-05"

// Config describes one subprocess provider (the provider registry file
// of spec §6, one entry per provider name).
type Config struct {
	Name        string
	Argv        []string
	Env         map[string]string
	Enabled     bool
	Description string

	InitTimeout time.Duration // default 15s
	CallTimeout time.Duration // default 60s
	// Concurrency bounds simultaneous in-flight tool calls to this
	// provider. Providers are single-threaded stdio processes, so the
	// default is 1 (§4.6 Stage 4).
	Concurrency int
}

// ToolDef is one tool as advertised by a provider, keyed by its
// canonical name in the Manager's registry.
type ToolDef struct {
	Canonical   string // provider__action
	WireName    string // the name the provider itself expects
	Provider    string
	Description string
	InputSchema map[string]any
}

type providerConn struct {
	cfg   Config
	mu    sync.Mutex
	state State
	sem   chan struct{} // concurrency limiter, buffered to cfg.Concurrency

	client *client.Client
	// tools maps canonical name -> ToolDef, and wire name -> canonical
	// name, rebuilt atomically on every (re)list.
	tools     map[string]ToolDef
	wireToCan map[string]string
}

// Manager owns every provider subprocess; callers only ever see
// canonical tool names and obtain results through request-response
// correlation, never touching a process directly (§3 Ownership).
type Manager struct {
	log       *slog.Logger
	mu        sync.RWMutex
	providers map[string]*providerConn
}

// NewManager builds an empty Manager.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{log: log, providers: make(map[string]*providerConn)}
}

// StartupReport summarizes which providers completed their initialize
// handshake and which did not (SPEC_FULL.md "Structured startup report").
type StartupReport struct {
	Ready   []string
	Failed  map[string]string // name -> reason
	Skipped []string          // disabled in config
}

// StartAll spawns and initializes every enabled provider in cfgs. A
// provider whose initialize fails is marked `failed`/disabled rather
// than aborting startup (§4.1 Failure semantics): subsequent tool
// lookups for it return empty and calls fail with provider-error.
func (m *Manager) StartAll(ctx context.Context, cfgs map[string]Config) StartupReport {
	report := StartupReport{Failed: make(map[string]string)}

	for name, cfg := range cfgs {
		cfg.Name = name
		if !cfg.Enabled {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		if cfg.InitTimeout == 0 {
			cfg.InitTimeout = 15 * time.Second
		}
		if cfg.CallTimeout == 0 {
			cfg.CallTimeout = 60 * time.Second
		}
		if cfg.Concurrency == 0 {
			cfg.Concurrency = 1
		}

		pc := &providerConn{
			cfg:       cfg,
			state:     StateStarting,
			sem:       make(chan struct{}, cfg.Concurrency),
			tools:     make(map[string]ToolDef),
			wireToCan: make(map[string]string),
		}

		if err := m.start(ctx, pc); err != nil {
			pc.state = StateFailed
			report.Failed[name] = err.Error()
			m.log.Warn("provider failed to start", "provider", name, "error", err)
		} else {
			pc.state = StateReady
			report.Ready = append(report.Ready, name)
			m.log.Info("provider ready", "provider", name, "tools", len(pc.tools))
		}

		m.mu.Lock()
		m.providers[name] = pc
		m.mu.Unlock()
	}

	m.log.Info("provider startup complete",
		"ready", report.Ready, "failed_count", len(report.Failed), "skipped", report.Skipped)
	return report
}

func (m *Manager) start(ctx context.Context, pc *providerConn) error {
	if len(pc.cfg.Argv) == 0 {
		return fmt.Errorf("provider %q has no argv configured", pc.cfg.Name)
	}

	initCtx, cancel := context.WithTimeout(ctx, pc.cfg.InitTimeout)
	defer cancel()

	mcpClient, err := client.NewStdioMCPClient(pc.cfg.Argv[0], envSlice(pc.cfg.Env), pc.cfg.Argv[1:]...)
	if err != nil {
		return fmt.Errorf("spawn: %w", err)
	}
	if err := mcpClient.Start(initCtx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "orchestra", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(initCtx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listResp, err := mcpClient.ListTools(initCtx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("tools/list: %w", err)
	}

	for _, mt := range listResp.Tools {
		canonical := pc.cfg.Name + "__" + mt.Name
		pc.tools[canonical] = ToolDef{
			Canonical:   canonical,
			WireName:    mt.Name,
			Provider:    pc.cfg.Name,
			Description: mt.Description,
			InputSchema: convertSchema(mt.InputSchema),
		}
		pc.wireToCan[mt.Name] = canonical
	}

	pc.client = mcpClient
	return nil
}

func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

// ListTools returns every tool currently advertised across ready
// providers, keyed by canonical name (§4.2 Tool Registry consumes this).
func (m *Manager) ListTools() []ToolDef {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ToolDef
	for _, pc := range m.providers {
		pc.mu.Lock()
		if pc.state == StateReady {
			for _, td := range pc.tools {
				out = append(out, td)
			}
		}
		pc.mu.Unlock()
	}
	return out
}

// State returns the provider's current lifecycle state for the health
// endpoint (§6 GET /health).
func (m *Manager) State(name string) (State, bool) {
	m.mu.RLock()
	pc, ok := m.providers[name]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state, true
}

// Call dispatches a canonical-name tool call to its provider, enforcing
// the per-provider concurrency limit and call timeout (§4.1, §4.6 Stage 4).
func (m *Manager) Call(ctx context.Context, canonical string, args map[string]any) (map[string]any, error) {
	providerName, _, ok := SplitCanonical(canonical)
	if !ok {
		return nil, orcherr.New(orcherr.KindToolNotFound, fmt.Sprintf("malformed tool name %q", canonical))
	}

	m.mu.RLock()
	pc, ok := m.providers[providerName]
	m.mu.RUnlock()
	if !ok {
		return nil, orcherr.New(orcherr.KindToolNotFound, fmt.Sprintf("unknown provider %q", providerName))
	}

	pc.mu.Lock()
	state := pc.state
	td, hasTool := pc.tools[canonical]
	cl := pc.client
	timeout := pc.cfg.CallTimeout
	pc.mu.Unlock()

	if state != StateReady {
		return nil, orcherr.New(orcherr.KindProviderError, fmt.Sprintf("provider %q is %s", providerName, state))
	}
	if !hasTool {
		return nil, orcherr.New(orcherr.KindToolNotFound, fmt.Sprintf("tool %q not found on provider %q", canonical, providerName))
	}

	select {
	case pc.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, orcherr.Wrap(orcherr.KindCancelled, "waiting for provider concurrency slot", ctx.Err())
	}
	defer func() { <-pc.sem }()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req := mcp.CallToolRequest{}
	req.Params.Name = td.WireName
	req.Params.Arguments = args

	resp, err := cl.CallTool(callCtx, req)
	if err != nil {
		if callCtx.Err() != nil {
			// Context cancellation is the mechanism by which the manager
			// abandons a timed-out call; mcp-go aborts the in-flight
			// stdio round-trip when the context it was given expires.
			m.markTerminatedIfProcessGone(pc, err)
			return nil, orcherr.Wrap(orcherr.KindTimeout, fmt.Sprintf("tool call %q timed out", canonical), callCtx.Err())
		}
		m.markTerminatedIfProcessGone(pc, err)
		return nil, orcherr.Wrap(orcherr.KindProviderError, fmt.Sprintf("tool call %q failed", canonical), err)
	}

	return parseCallResult(resp), nil
}

// markTerminatedIfProcessGone demotes the provider to failed when the
// underlying subprocess pipe appears broken, clearing its tool cache so
// later lookups return empty rather than stale entries (§4.1 Lifecycle).
func (m *Manager) markTerminatedIfProcessGone(pc *providerConn, err error) {
	msg := err.Error()
	if !strings.Contains(msg, "closed") && !strings.Contains(msg, "EOF") && !strings.Contains(msg, "broken pipe") {
		return
	}
	pc.mu.Lock()
	pc.state = StateFailed
	pc.tools = make(map[string]ToolDef)
	pc.wireToCan = make(map[string]string)
	pc.mu.Unlock()
	m.log.Warn("provider terminated unexpectedly", "provider", pc.cfg.Name, "error", err)
}

// StopAll transitions every provider through draining to stopped and
// closes its subprocess handle.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, pc := range m.providers {
		pc.mu.Lock()
		if pc.state == StateReady {
			pc.state = StateDraining
			if pc.client != nil {
				pc.client.Close()
			}
			pc.state = StateStopped
		}
		pc.mu.Unlock()
		m.log.Info("provider stopped", "provider", name)
	}
}

// SplitCanonical splits a canonical `provider__action` name. Returns
// ok=false if the double-underscore separator is absent.
func SplitCanonical(canonical string) (providerName, action string, ok bool) {
	idx := strings.Index(canonical, "__")
	if idx < 0 {
		return "", "", false
	}
	return canonical[:idx], canonical[idx+2:], true
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func parseCallResult(resp *mcp.CallToolResult) map[string]any {
	result := make(map[string]any)
	if resp.IsError {
		for _, content := range resp.Content {
			if textContent, ok := content.(mcp.TextContent); ok {
				result["error"] = textContent.Text
				break
			}
		}
		if result["error"] == nil {
			result["error"] = "unknown error"
		}
		return result
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	switch len(texts) {
	case 0:
	case 1:
		result["result"] = texts[0]
	default:
		result["results"] = texts
	}
	return result
}
