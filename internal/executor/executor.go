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

// Package executor implements the TODO Executor (spec §4.9): the
// per-item ready-queue state machine that sequences the nine Stage
// Processors, applies the blocked-check dependency-substitution rule,
// and drives the adjust/replan/skip decision at each item's attempt
// boundary.
package executor

import (
	"context"
	"log/slog"

	"github.com/kadirpekel/orchestra/internal/events"
	"github.com/kadirpekel/orchestra/internal/orcherr"
	"github.com/kadirpekel/orchestra/internal/provider"
	"github.com/kadirpekel/orchestra/internal/stage"
	"github.com/kadirpekel/orchestra/internal/todo"
)

// Control is the cooperative cancellation/pause surface a Session
// implements; the Executor never owns this state itself (§3 Ownership).
type Control interface {
	Cancelled() bool
	// AwaitResume blocks while the session is paused, or returns
	// immediately if it is not, or if ctx is done first.
	AwaitResume(ctx context.Context)
}

// Config bounds the per-item retry/replan/blocked-check budgets (§6).
type Config struct {
	MaxItemAttempts int
	MaxReplans      int

	BlockedCheckResolve int
	BlockedCheckSkip    int
}

func (c Config) withDefaults() Config {
	if c.MaxItemAttempts == 0 {
		c.MaxItemAttempts = 2
	}
	if c.MaxReplans == 0 {
		c.MaxReplans = 3
	}
	if c.BlockedCheckResolve == 0 {
		c.BlockedCheckResolve = 5
	}
	if c.BlockedCheckSkip == 0 {
		c.BlockedCheckSkip = 10
	}
	return c
}

// Stages bundles the stage processors the Executor sequences. Mode and
// Chat belong to Stage 0 and run once before a Todo even exists, and Plan
// (Stage 1) produces the Todo before Run is called; Executor.Run only
// ever drives ProviderSelect through Summary (Stages 2-8).
type Stages struct {
	Plan           *stage.PlanStage
	ProviderSelect *stage.ProviderSelectStage
	ToolPlan       *stage.ToolPlanStage
	Execute        *stage.ExecuteStage
	Verify         *stage.VerifyStage
	Adjust         *stage.AdjustStage
	Replan         *stage.ReplanStage
	Summary        *stage.SummaryStage
}

// Executor runs the ready-queue loop described in spec §4.9 for one
// session's Todo.
type Executor struct {
	cfg    Config
	stages Stages
	bus    *events.Bus
	log    *slog.Logger
}

// New builds an Executor.
func New(cfg Config, stages Stages, bus *events.Bus, log *slog.Logger) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{cfg: cfg.withDefaults(), stages: stages, bus: bus, log: log}
}

// Run drives t's items to completion: Stage 1 (planning) must already
// have produced t before Run is called. ctl gates cancellation and
// pause; in carries the shared, mostly-static Input fields (session id,
// provider infos, access code) that every stage invocation copies and
// extends with the current item.
func (e *Executor) Run(ctx context.Context, sessionID string, t *todo.Todo, in stage.Input, ctl Control) (summary stage.Output, err error) {
	for {
		if ctl.Cancelled() {
			e.bus.Publish(sessionID, events.KindTerminal, "executor", "", events.TerminalPayload{Reason: events.TerminalCancelled})
			return stage.Output{}, orcherr.New(orcherr.KindCancelled, "session cancelled")
		}

		ready := t.Ready()
		if len(ready) == 0 {
			if t.AllTerminal() {
				break
			}
			// Nothing ready and not all terminal: every remaining item is
			// blocked on an unresolved (possibly replanned) dependency.
			// The spec's ready-queue loop only scans blocked_check_count
			// on items it *pops*; items never becoming ready are handled
			// by scanning every non-terminal item here instead.
			if !e.scanBlocked(sessionID, t) {
				break
			}
			continue
		}

		for _, item := range ready {
			if ctl.Cancelled() {
				e.bus.Publish(sessionID, events.KindTerminal, "executor", item.ID, events.TerminalPayload{Reason: events.TerminalCancelled})
				return stage.Output{}, orcherr.New(orcherr.KindCancelled, "session cancelled")
			}
			ctl.AwaitResume(ctx)
			e.runItem(ctx, sessionID, t, item, in, ctl)
		}
	}

	out, err := e.stages.Summary.Process(ctx, stage.Input{SessionID: sessionID, Todo: t})
	if err != nil {
		e.bus.Publish(sessionID, events.KindTerminal, "summary", "", events.TerminalPayload{Reason: events.TerminalError, Message: err.Error()})
		return stage.Output{}, err
	}
	e.bus.Publish(sessionID, events.KindChatMessage, "summary", "", events.ChatPayload{Text: out.Summary})
	e.publishSpeech(sessionID, "", "Task complete")
	e.bus.Publish(sessionID, events.KindTerminal, "summary", "", events.TerminalPayload{Reason: events.TerminalCompleted})
	return out, nil
}

// scanBlocked increments blocked_check_count for every pending item
// whose dependencies are not yet resolved, applying the substitution
// (at BlockedCheckResolve) and skip (at BlockedCheckSkip) rules of
// §4.9. Returns true if it made progress (so the caller should loop
// again), false if nothing changed (true deadlock, caller should stop).
func (e *Executor) scanBlocked(sessionID string, t *todo.Todo) bool {
	progressed := false
	for _, item := range t.Items() {
		if item.Status != todo.StatusPending {
			continue
		}
		resolved, _ := t.DependenciesResolved(item.ID)
		if resolved {
			continue
		}
		progressed = true
		count, _ := t.IncrementBlockedCheck(item.ID)

		if count == e.cfg.BlockedCheckResolve {
			if t.SubstituteReplannedDependencies(item.ID) {
				t.ResetBlockedCheck(item.ID)
			}
		}
		if count >= e.cfg.BlockedCheckSkip {
			t.SetStatus(item.ID, todo.StatusSkipped)
			e.publishProgress(sessionID, item.ID, todo.StatusSkipped)
		}
	}
	return progressed
}

// runItem drives a single ready item through Stages 2-5, and into
// adjust/replan/skip on verification failure (§4.9).
func (e *Executor) runItem(ctx context.Context, sessionID string, t *todo.Todo, item *todo.Item, base stage.Input, ctl Control) {
	for {
		t.SetStatus(item.ID, todo.StatusPlanning)
		e.publishProgress(sessionID, item.ID, todo.StatusPlanning)

		itemIn := base
		itemIn.SessionID = sessionID
		itemIn.Item = item
		itemIn.Todo = t

		psOut, err := e.stages.ProviderSelect.Process(ctx, itemIn)
		if err != nil {
			if e.adjustOrReplan(ctx, sessionID, t, item, base, ctl, err.Error()) {
				continue
			}
			return
		}
		item.SelectedProviders = psOut.SelectedProviders
		itemIn.Providers = filterProviders(base.Providers, psOut.SelectedProviders)

		tpOut, err := e.stages.ToolPlan.Process(ctx, itemIn)
		if err != nil {
			if e.adjustOrReplan(ctx, sessionID, t, item, base, ctl, err.Error()) {
				continue
			}
			return
		}
		item.ToolCalls = tpOut.ToolCalls

		t.SetStatus(item.ID, todo.StatusExecuting)
		e.publishProgress(sessionID, item.ID, todo.StatusExecuting)
		e.publishSpeech(sessionID, item.ID, "Executing "+item.Action)

		exOut, err := e.stages.Execute.Process(ctx, itemIn)
		if err != nil {
			if e.adjustOrReplan(ctx, sessionID, t, item, base, ctl, err.Error()) {
				continue
			}
			return
		}
		item.ExecutionResults = exOut.ExecutionResults

		t.SetStatus(item.ID, todo.StatusVerifying)
		e.publishProgress(sessionID, item.ID, todo.StatusVerifying)

		vOut, err := e.stages.Verify.Process(ctx, itemIn)
		if err != nil {
			if e.adjustOrReplan(ctx, sessionID, t, item, base, ctl, err.Error()) {
				continue
			}
			return
		}
		item.Verification = vOut.Verification

		if vOut.Verification != nil && vOut.Verification.Verified {
			t.SetStatus(item.ID, todo.StatusCompleted)
			e.publishProgress(sessionID, item.ID, todo.StatusCompleted)
			e.publishSpeech(sessionID, item.ID, "Verified")
			return
		}

		reason := "verification rejected the item"
		if vOut.Verification != nil {
			reason = vOut.Verification.Reasoning
		}
		if !e.adjustOrReplan(ctx, sessionID, t, item, base, ctl, reason) {
			return
		}
	}
}

// adjustOrReplan implements the §4.9 "adjust_or_replan" branch: first
// attempt Stage 6 while under the attempt budget and before any replan
// has occurred, then Stage 7 while under the replan budget, and finally
// give up and mark the item failed. Returns true if the item should be
// retried in place (adjust only; replan moves work onto fresh children
// and the caller's loop exits).
func (e *Executor) adjustOrReplan(ctx context.Context, sessionID string, t *todo.Todo, item *todo.Item, base stage.Input, ctl Control, reason string) bool {
	ctl.AwaitResume(ctx)

	if item.AttemptCount < e.cfg.MaxItemAttempts && item.ReplanCount == 0 {
		itemIn := base
		itemIn.SessionID = sessionID
		itemIn.Item = item
		itemIn.Todo = t
		itemIn.Diagnostics = reason

		e.publishSpeech(sessionID, item.ID, "Adjusting")
		out, err := e.stages.Adjust.Process(ctx, itemIn)
		item.AttemptCount++
		if err != nil {
			e.log.Warn("adjust stage failed", "item", item.ID, "error", err)
			return e.tryReplan(ctx, sessionID, t, item, base, ctl, reason)
		}
		if out.AdjustedAction != "" || out.AdjustedCriteria != "" || len(out.InsertedChildren) > 0 {
			t.Adjust(item.ID, out.AdjustedAction, out.AdjustedCriteria, out.InsertedChildren)
		}
		t.SetStatus(item.ID, todo.StatusPending)
		e.publishProgress(sessionID, item.ID, todo.StatusPending)
		return true
	}

	return e.tryReplan(ctx, sessionID, t, item, base, ctl, reason)
}

func (e *Executor) tryReplan(ctx context.Context, sessionID string, t *todo.Todo, item *todo.Item, base stage.Input, ctl Control, reason string) bool {
	if item.ReplanCount >= e.cfg.MaxReplans {
		t.SetStatus(item.ID, todo.StatusFailed)
		e.publishProgress(sessionID, item.ID, todo.StatusFailed)
		return false
	}

	itemIn := base
	itemIn.SessionID = sessionID
	itemIn.Item = item
	itemIn.Todo = t
	itemIn.Diagnostics = reason

	out, err := e.stages.Replan.Process(ctx, itemIn)
	if err != nil || len(out.ReplanChildren) == 0 {
		t.SetStatus(item.ID, todo.StatusFailed)
		e.publishProgress(sessionID, item.ID, todo.StatusFailed)
		return false
	}

	t.Replan(item.ID, out.ReplanChildren)
	e.publishProgress(sessionID, item.ID, todo.StatusReplanned)
	return false
}

func (e *Executor) publishProgress(sessionID, itemID string, status todo.Status) {
	e.bus.Publish(sessionID, events.KindProgress, "executor", itemID, events.ProgressPayload{ItemID: itemID, Status: string(status)})
}

// publishSpeech queues a spoken phrase into the session's ordered stream
// so audio, chat text and structured progress arrive coherently (§4.7).
func (e *Executor) publishSpeech(sessionID, itemID, text string) {
	e.bus.Publish(sessionID, events.KindTtsChunk, "executor", itemID, events.TtsChunkPayload{Text: text})
}

// filterProviders narrows base to only the tool defs belonging to the
// selected provider names (§4.6 Stage 3's "pruned tool list").
func filterProviders(base []provider.ToolDef, selected []string) []provider.ToolDef {
	allowed := make(map[string]bool, len(selected))
	for _, name := range selected {
		allowed[name] = true
	}
	out := make([]provider.ToolDef, 0, len(base))
	for _, td := range base {
		if allowed[td.Provider] {
			out = append(out, td)
		}
	}
	return out
}
