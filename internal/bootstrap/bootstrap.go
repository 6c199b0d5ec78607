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

// Package bootstrap wires every orchestrator component together from a
// validated configuration: event bus, provider manager, tool registry,
// validation pipeline, inspector, LLM gateway, the nine stage
// processors, the TODO executor, session store and streaming
// coordinator. The Orchestrator it builds is the in-process surface the
// transport layer (internal/server) exposes over HTTP.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kadirpekel/orchestra/internal/config"
	"github.com/kadirpekel/orchestra/internal/events"
	"github.com/kadirpekel/orchestra/internal/executor"
	"github.com/kadirpekel/orchestra/internal/gateway"
	"github.com/kadirpekel/orchestra/internal/history"
	"github.com/kadirpekel/orchestra/internal/inspector"
	"github.com/kadirpekel/orchestra/internal/llm"
	"github.com/kadirpekel/orchestra/internal/orcherr"
	"github.com/kadirpekel/orchestra/internal/provider"
	"github.com/kadirpekel/orchestra/internal/session"
	"github.com/kadirpekel/orchestra/internal/stage"
	"github.com/kadirpekel/orchestra/internal/stream"
	"github.com/kadirpekel/orchestra/internal/todo"
	"github.com/kadirpekel/orchestra/internal/toolregistry"
	"github.com/kadirpekel/orchestra/internal/validation"
)

// stageServices is every per-stage LLM gateway service, used by the
// health endpoint to report circuit status (§6 GET /health).
var stageServices = []string{
	"mode", "chat", "plan", "provider_select", "tool_plan",
	"verify", "verify_route", "semantic", "adjust", "replan", "summary",
}

// Options carries everything New needs; Cfg and Client are required.
type Options struct {
	Cfg     *config.Config
	Client  llm.Client
	Log     *slog.Logger
	Metrics prometheus.Registerer

	// LogDir and ConfigPath point the dev self-analysis planner at the
	// orchestrator's own runtime state (§4.13).
	LogDir     string
	ConfigPath string
}

// Orchestrator is the assembled core. All fields are wired once by New
// and never replaced afterwards.
type Orchestrator struct {
	cfg *config.Config
	log *slog.Logger

	bus       *events.Bus
	coord     *stream.Coordinator
	sessions  *session.Store
	histStore *history.Store
	insp      *inspector.Inspector
	gw        *gateway.Gateway
	manager   *provider.Manager
	registry  *toolregistry.Registry
	pipeline  *validation.Pipeline

	mode     *stage.ModeStage
	chat     *stage.ChatStage
	plan     *stage.PlanStage
	verify   *stage.VerifyStage
	taskExec *executor.Executor
	devExec  *executor.Executor

	providerInfos []stage.ProviderInfo
	report        provider.StartupReport

	logDir     string
	configPath string
}

// New assembles every component from cfg. No subprocess is spawned and
// no goroutine started; call Start for that.
func New(opts Options) (*Orchestrator, error) {
	if opts.Cfg == nil {
		return nil, orcherr.New(orcherr.KindConfigError, "bootstrap requires a configuration")
	}
	if opts.Client == nil {
		return nil, orcherr.New(orcherr.KindConfigError, "bootstrap requires an LLM client")
	}
	cfg := opts.Cfg
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	bus := events.NewBus()
	coord := stream.New(bus, stream.Config{})
	histStore := history.NewStore(cfg.History.MaxSize)

	safety, err := compileSafetyRules(cfg.Inspector.SafetyRules)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.KindConfigError, "compile safety rules", err)
	}
	insp := inspector.New(inspector.Config{
		MaxConsecutive:  cfg.Inspector.MaxConsecutive,
		MaxTotal:        cfg.Inspector.MaxTotal,
		ApprovalTimeout: cfg.Inspector.ApprovalTimeout(),
	}, safety, inspector.PermissionTable{
		ReadOnlyTools: toSet(cfg.Inspector.ReadOnlyTools),
		DevTreeTools:  toSet(cfg.Inspector.DevTreeTools),
	})

	sessions := session.NewStore(cfg.Session.IdleTimeout(), histStore, insp)
	sessions.SetOnEvict(func(id string) {
		bus.Forget(id)
		coord.Forget(id)
	})

	gw := gateway.New(opts.Client, gateway.Config{
		MinDelay:         time.Duration(cfg.RateLimit.MinDelayMS) * time.Millisecond,
		MaxDelay:         time.Duration(cfg.RateLimit.MaxDelayMS) * time.Millisecond,
		QueueCap:         cfg.RateLimit.QueueCap,
		FailureThreshold: cfg.Circuit.FailureThreshold,
		ResetTimeout:     cfg.Circuit.ResetTimeout(),
	}, log, opts.Metrics)

	manager := provider.NewManager(log)
	registry := toolregistry.NewRegistry(opts.Metrics)

	pipeline := validation.New(validation.Config{
		EarlyRejection:       cfg.Validation.EarlyRejection,
		SimilarityThreshold:  cfg.Validation.SimilarityThreshold,
		HistoryFailureWarnAt: cfg.Validation.HistoryFailureWarnAt,
	}, registry, &validation.SemanticChecker{
		Client: llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
			return gw.Complete(ctx, "semantic", gateway.PriorityNormal, req)
		}),
		Model:       cfg.StageModel("semantic").Model,
		Temperature: cfg.StageModel("semantic").Temperature,
	}, opts.Metrics)

	o := &Orchestrator{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		coord:     coord,
		sessions:  sessions,
		histStore: histStore,
		insp:      insp,
		gw:        gw,
		manager:   manager,
		registry:  registry,
		pipeline:  pipeline,

		logDir:     opts.LogDir,
		configPath: opts.ConfigPath,
	}

	o.mode = &stage.ModeStage{
		GW:          gw,
		Model:       cfg.StageModel("mode").Model,
		Temperature: cfg.StageModel("mode").Temperature,
		Keywords:    cfg.Mode.TaskKeywords,
	}
	o.chat = &stage.ChatStage{
		GW:          gw,
		Model:       cfg.StageModel("chat").Model,
		Temperature: cfg.StageModel("chat").Temperature,
	}
	o.plan = &stage.PlanStage{
		GW:          gw,
		Model:       cfg.StageModel("plan").Model,
		Temperature: cfg.StageModel("plan").Temperature,
		MaxAttempts: 3,
	}
	o.verify = &stage.VerifyStage{
		GW:                    gw,
		Provider:              manager,
		Model:                 cfg.StageModel("verify").Model,
		VisionModel:           cfg.StageModel("verify_vision").Model,
		Temperature:           cfg.StageModel("verify").Temperature,
		ConfidenceOverride:    0.7,
		MatchKeywords:         cfg.Verification.MatchKeywords,
		AcceptMinConfidence:   cfg.Verification.AcceptMinConfidence,
		OverrideMinConfidence: cfg.Verification.OverrideMinConfidence,
	}

	execCfg := executor.Config{
		MaxItemAttempts:     cfg.Executor.MaxItemAttempts,
		MaxReplans:          cfg.Executor.MaxReplans,
		BlockedCheckResolve: cfg.Executor.BlockedCheckThresholdResolve,
		BlockedCheckSkip:    cfg.Executor.BlockedCheckThresholdSkip,
	}
	o.taskExec = executor.New(execCfg, o.stagesFor(inspector.ModeTask), bus, log)
	o.devExec = executor.New(execCfg, o.stagesFor(inspector.ModeDev), bus, log)

	return o, nil
}

// stagesFor bundles the per-item stage processors, sharing every stage
// value except the ExecuteStage, whose inspector mode differs.
func (o *Orchestrator) stagesFor(mode inspector.Mode) executor.Stages {
	cfg := o.cfg
	return executor.Stages{
		Plan: o.plan,
		ProviderSelect: &stage.ProviderSelectStage{
			GW:              o.gw,
			Model:           cfg.StageModel("provider_select").Model,
			Temperature:     cfg.StageModel("provider_select").Temperature,
			DefaultProvider: defaultProviderName(cfg),
		},
		ToolPlan: &stage.ToolPlanStage{
			GW:          o.gw,
			Pipeline:    o.pipeline,
			Model:       cfg.StageModel("tool_plan").Model,
			Temperature: cfg.StageModel("tool_plan").Temperature,
			MaxAttempts: 3,
		},
		Execute: &stage.ExecuteStage{
			Provider:  o.manager,
			Inspector: o.insp,
			HistStore: o.histStore,
			Mode:      mode,
			Bus:       o.bus,
		},
		Verify: o.verify,
		Adjust: &stage.AdjustStage{
			GW:          o.gw,
			Model:       cfg.StageModel("adjust").Model,
			Temperature: cfg.StageModel("adjust").Temperature,
		},
		Replan: &stage.ReplanStage{
			GW:          o.gw,
			Model:       cfg.StageModel("replan").Model,
			Temperature: cfg.StageModel("replan").Temperature,
		},
		Summary: &stage.SummaryStage{
			GW:          o.gw,
			Model:       cfg.StageModel("summary").Model,
			Temperature: cfg.StageModel("summary").Temperature,
		},
	}
}

// Start spawns and initializes every enabled provider, refreshes the
// tool registry from the advertised tool lists, and starts the session
// idle sweeper. A required provider that fails to start is an
// unrecoverable startup error; any other failed provider is logged in
// the startup report and left disabled (§4.1 Failure semantics).
func (o *Orchestrator) Start(ctx context.Context) (provider.StartupReport, error) {
	cfgs := make(map[string]provider.Config, len(o.cfg.Providers))
	for name, pc := range o.cfg.Providers {
		cfgs[name] = provider.Config{
			Name:        name,
			Argv:        pc.Argv,
			Env:         pc.Env,
			Enabled:     pc.IsEnabled(),
			Description: pc.Description,
			InitTimeout: o.cfg.Executor.ProviderInitTimeout(),
			CallTimeout: o.cfg.Executor.ProviderCallTimeout(),
		}
	}

	report := o.manager.StartAll(ctx, cfgs)
	o.report = report

	for name, pc := range o.cfg.Providers {
		if !pc.Required {
			continue
		}
		if reason, failed := report.Failed[name]; failed {
			return report, fmt.Errorf("required provider %q failed to start: %s", name, reason)
		}
	}

	o.registry.Refresh(o.manager.ListTools())

	o.providerInfos = o.providerInfos[:0]
	for _, name := range report.Ready {
		o.providerInfos = append(o.providerInfos, stage.ProviderInfo{
			Name:        name,
			Description: o.cfg.Providers[name].Description,
		})
	}

	// The visual verification path needs a screenshot-capture tool; use
	// the first one any ready provider advertises (§4.6 Stage 5).
	for _, td := range o.registry.List() {
		if strings.Contains(td.Canonical, "screenshot") {
			o.verify.VisualTool = td.Canonical
			break
		}
	}

	go o.sessions.RunSweeper(ctx, time.Minute)

	return report, nil
}

// Stop drains and stops every provider subprocess.
func (o *Orchestrator) Stop() {
	o.manager.StopAll()
	o.sessions.Stop()
}

// Stream returns the Streaming Coordinator for transport attachment.
func (o *Orchestrator) Stream() *stream.Coordinator { return o.coord }

// Sessions returns the Session Store.
func (o *Orchestrator) Sessions() *session.Store { return o.sessions }

// Pause sets the session's pause flag; the executor blocks at its next
// stage boundary (§4.9). Idempotent.
func (o *Orchestrator) Pause(sessionID string) {
	if s, ok := o.sessions.Get(sessionID); ok {
		s.Pause()
	}
}

// Resume releases a paused session. Idempotent.
func (o *Orchestrator) Resume(sessionID string) {
	if s, ok := o.sessions.Get(sessionID); ok {
		s.Resume()
	}
}

// Cancel trips the session's cancel token and denies its pending
// approvals (§5 Cancellation semantics).
func (o *Orchestrator) Cancel(sessionID string) {
	o.sessions.Cancel(sessionID)
}

// Confirm resolves the session's pending approval waits (§6
// POST /session/confirm). Returns false when nothing was pending.
func (o *Orchestrator) Confirm(sessionID string, confirmed bool) bool {
	return o.insp.ConfirmForSession(sessionID, confirmed)
}

// HandleMessage drives one user message through the full workflow:
// Stage 0 mode routing, then either the chat short-circuit or TODO
// planning followed by the executor loop (§2 data flow). Progress,
// speech and chat events stream out on the bus as a side effect; the
// returned error is the terminal failure, if any, after all budgets.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID, message string) error {
	sess := o.sessions.GetOrCreate(sessionID)
	sess.Touch()

	in := stage.Input{
		SessionID:      sessionID,
		UserMessage:    message,
		ProviderInfos:  o.providerInfos,
		ConfiguredCode: o.cfg.Mode.AccessCode,
	}
	if code := o.cfg.Mode.AccessCode; code != "" && strings.Contains(message, code) {
		in.AccessCode = code
	}

	o.publishStage(sessionID, "mode")
	modeOut, err := o.mode.Process(ctx, in)
	if err != nil {
		return o.fail(sessionID, "mode", err)
	}

	mode := modeOut.Mode
	if mode == "dev" && in.AccessCode != o.cfg.Mode.AccessCode {
		// The classifier's dev verdict is only honored alongside the
		// access code (§4.12); without it the message is a plain task.
		mode = "task"
	}
	o.log.Info("mode routed", "session_id", sessionID, "mode", mode, "confidence", modeOut.ModeConfidence)

	if mode == "chat" {
		out, err := o.chat.Process(ctx, in)
		if err != nil {
			return o.fail(sessionID, "chat", err)
		}
		o.bus.Publish(sessionID, events.KindChatMessage, "chat", "", events.ChatPayload{Text: out.ChatReply})
		o.bus.Publish(sessionID, events.KindTerminal, "chat", "", events.TerminalPayload{Reason: events.TerminalCompleted})
		return nil
	}

	planIn := in
	if mode == "dev" {
		planIn.UserMessage = o.devAnalysisMessage(message)
	}
	o.publishStage(sessionID, "plan")
	planOut, err := o.plan.Process(ctx, planIn)
	if err != nil {
		return o.fail(sessionID, "plan", err)
	}

	t, err := todo.New(message, time.Now(), o.cfg.Executor.MaxReplans, planOut.PlannedItems)
	if err != nil {
		return o.fail(sessionID, "plan", orcherr.Wrap(orcherr.KindPlanInvalid, "planned items rejected", err))
	}
	for _, it := range t.Items() {
		o.bus.Publish(sessionID, events.KindProgress, "plan", it.ID, events.ProgressPayload{ItemID: it.ID, Status: string(it.Status)})
	}

	runIn := in
	runIn.Providers = o.registry.List()
	if hist := o.histStore.For(sessionID); hist != nil {
		entries := hist.All()
		if len(entries) > 10 {
			entries = entries[len(entries)-10:]
		}
		runIn.RecentHistory = entries
	}

	exec := o.taskExec
	if mode == "dev" {
		exec = o.devExec
	}
	if _, err := exec.Run(ctx, sessionID, t, runIn, sess); err != nil {
		return err
	}
	return nil
}

// fail publishes a terminal error event and returns err unchanged.
func (o *Orchestrator) fail(sessionID, stageName string, err error) error {
	o.bus.Publish(sessionID, events.KindTerminal, stageName, "", events.TerminalPayload{
		Reason:  events.TerminalError,
		Message: err.Error(),
	})
	return err
}

func (o *Orchestrator) publishStage(sessionID, stageName string) {
	o.bus.Publish(sessionID, events.KindStageTransition, stageName, "", events.StageTransitionPayload{Stage: stageName})
}

// devAnalysisMessage rewrites the user's request into the self-analysis
// planning prompt: the planner is directed at the orchestrator's own
// logs and configuration, and execution proceeds as a normal Todo
// (§4.13). The access code is stripped so it never reaches a prompt.
func (o *Orchestrator) devAnalysisMessage(message string) string {
	if code := o.cfg.Mode.AccessCode; code != "" {
		message = strings.ReplaceAll(message, code, "")
	}
	return fmt.Sprintf(
		"Analyze this orchestrator's own runtime state using the available tools. "+
			"Log directory: %s. Configuration file: %s. Operator request: %s",
		o.logDir, o.configPath, strings.TrimSpace(message))
}

// ProviderHealth is one provider's name and lifecycle state.
type ProviderHealth struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Health is the §6 GET /health readiness report.
type Health struct {
	Orchestrator string            `json:"orchestrator"`
	Providers    []ProviderHealth  `json:"providers"`
	Circuits     map[string]string `json:"circuits"`
	Sessions     int               `json:"sessions"`
}

// Health reports component readiness: orchestrator, each provider's
// state, and each stage service's circuit status.
func (o *Orchestrator) Health() Health {
	h := Health{
		Orchestrator: "ready",
		Circuits:     make(map[string]string, len(stageServices)),
		Sessions:     o.sessions.Len(),
	}
	for name := range o.cfg.Providers {
		state, ok := o.manager.State(name)
		if !ok {
			state = "skipped"
		}
		h.Providers = append(h.Providers, ProviderHealth{Name: name, State: string(state)})
	}
	for _, svc := range stageServices {
		h.Circuits[svc] = o.gw.CircuitState(svc)
	}
	return h
}

func toSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func compileSafetyRules(rules []config.SafetyRuleConfig) ([]inspector.SafetyRule, error) {
	out := make([]inspector.SafetyRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", r.Pattern, err)
		}
		severity := r.Severity
		if severity == "" {
			severity = "critical"
		}
		out = append(out, inspector.SafetyRule{Pattern: re, Severity: severity, Reason: r.Reason})
	}
	return out, nil
}

// defaultProviderName picks the fallback provider for Stage 2's
// unparseable-response path: the configured browser provider when one
// exists, otherwise any enabled provider (§4.6 Stage 2).
func defaultProviderName(cfg *config.Config) string {
	var first string
	for name, pc := range cfg.Providers {
		if !pc.IsEnabled() {
			continue
		}
		if strings.Contains(name, "browser") || strings.Contains(name, "playwright") {
			return name
		}
		if first == "" || name < first {
			first = name
		}
	}
	return first
}
