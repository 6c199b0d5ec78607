package executor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchestra/internal/events"
	"github.com/kadirpekel/orchestra/internal/gateway"
	"github.com/kadirpekel/orchestra/internal/history"
	"github.com/kadirpekel/orchestra/internal/inspector"
	"github.com/kadirpekel/orchestra/internal/llm"
	"github.com/kadirpekel/orchestra/internal/provider"
	"github.com/kadirpekel/orchestra/internal/stage"
	"github.com/kadirpekel/orchestra/internal/todo"
	"github.com/kadirpekel/orchestra/internal/toolregistry"
	"github.com/kadirpekel/orchestra/internal/validation"
)

type alwaysResume struct{}

func (alwaysResume) Cancelled() bool                { return false }
func (alwaysResume) AwaitResume(ctx context.Context) {}

type cancelledControl struct{}

func (cancelledControl) Cancelled() bool                { return true }
func (cancelledControl) AwaitResume(ctx context.Context) {}

func newTestGateway(t *testing.T, fn llm.ClientFunc) *gateway.Gateway {
	t.Helper()
	return gateway.New(fn, gateway.Config{MinDelay: time.Millisecond, MaxDelay: 20 * time.Millisecond, QueueCap: 20}, nil, nil)
}

// buildStages wires the eight non-mode stage processors behind a single
// scripted LLM client keyed off the gateway service name, plus a real
// validation pipeline and an empty (never-reachable) provider manager.
func buildStages(t *testing.T, script map[string]string, verified bool) Stages {
	t.Helper()

	reg := toolregistry.NewRegistry(nil)
	reg.Refresh([]provider.ToolDef{
		{Canonical: "filesystem__read_file", Provider: "filesystem", WireName: "read_file"},
	})

	fn := llm.ClientFunc(func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{}, nil
	})
	gw := newTestGateway(t, fn)

	pipeline := validation.New(validation.Config{}, reg, nil, nil)
	mgr := provider.NewManager(nil)

	return Stages{
		Plan: &stage.PlanStage{GW: gw},
		ProviderSelect: &stage.ProviderSelectStage{
			GW:              scriptedGateway(t, "provider_select: one"),
			DefaultProvider: "filesystem",
		},
		ToolPlan: &stage.ToolPlanStage{
			GW:       scriptedGateway(t, "tool_plan: one"),
			Pipeline: pipeline,
		},
		Execute: &stage.ExecuteStage{
			Provider:  mgr,
			Inspector: inspector.New(inspector.Config{}, nil, inspector.PermissionTable{}),
			HistStore: history.NewStore(10),
			Mode:      inspector.ModeTask,
		},
		Verify: &stage.VerifyStage{GW: scriptedGateway(t, verifyReply(verified))},
		Adjust: &stage.AdjustStage{GW: scriptedGateway(t, `{"action": "", "success_criteria": "", "inserted_children": []}`)},
		Replan: &stage.ReplanStage{GW: scriptedGateway(t, `{"children": [{"id": "r1", "action": "retry", "success_criteria": "done", "dependencies": []}]}`)},
		Summary: &stage.SummaryStage{GW: scriptedGateway(t, "all done")},
	}
}

func verifyReply(verified bool) string {
	if verified {
		return `{"verified": true, "confidence": 95, "reasoning": "looks good", "evidence": ""}`
	}
	return `{"verified": false, "confidence": 10, "reasoning": "missing output", "evidence": ""}`
}

// scriptedGateway returns a Gateway whose Complete always replies with
// reply, regardless of which service name it's asked under.
func scriptedGateway(t *testing.T, reply string) *gateway.Gateway {
	t.Helper()
	return newTestGateway(t, func(ctx context.Context, req llm.Request) (llm.Response, error) {
		return llm.Response{Text: providerSelectJSON(reply)}, nil
	})
}

// providerSelectJSON maps a couple of shorthand reply tokens used above
// onto real JSON for the corresponding stage; anything else passes
// through unchanged so scriptedGateway can also serve raw JSON replies.
func providerSelectJSON(reply string) string {
	switch reply {
	case "provider_select: one":
		return `{"providers": ["filesystem"]}`
	case "tool_plan: one":
		return `{"tool_calls": [{"provider": "filesystem", "tool": "filesystem__read_file", "parameters": {"path": "/tmp/x"}}], "reasoning": "read it"}`
	default:
		return reply
	}
}

func buildTodo(t *testing.T) *todo.Todo {
	t.Helper()
	tdo, err := todo.New("read then write a file", time.Now(), 3, []*todo.Item{
		{ID: "1", Action: "read the file", SuccessCriteria: "contents known"},
		{ID: "2", Action: "write the file", SuccessCriteria: "file written", Dependencies: []string{"1"}},
	})
	require.NoError(t, err)
	return tdo
}

func TestExecutor_RunCompletesAllItemsWhenVerified(t *testing.T) {
	bus := events.NewBus()
	var progressed []string
	bus.Subscribe("s1", func(ev events.Event) {
		if ev.Kind == events.KindProgress {
			p := ev.Payload.(events.ProgressPayload)
			progressed = append(progressed, p.ItemID+":"+p.Status)
		}
	})

	stages := buildStages(t, nil, true)
	ex := New(Config{}, stages, bus, nil)

	tdo := buildTodo(t)
	in := stage.Input{
		ProviderInfos: []stage.ProviderInfo{{Name: "filesystem", Description: "file access"}},
	}

	out, err := ex.Run(context.Background(), "s1", tdo, in, alwaysResume{})
	require.NoError(t, err)
	assert.Equal(t, "all done", out.Summary)
	assert.Equal(t, todo.StatusCompleted, tdo.StatusOf("1"))
	assert.Equal(t, todo.StatusCompleted, tdo.StatusOf("2"))
	assert.Contains(t, progressed, "1:completed")
	assert.Contains(t, progressed, "2:completed")
}

func TestExecutor_RunItemReplansAfterExhaustingAdjustBudget(t *testing.T) {
	bus := events.NewBus()
	stages := buildStages(t, nil, false)
	ex := New(Config{MaxItemAttempts: 1, MaxReplans: 1}, stages, bus, nil)

	tdo, err := todo.New("do one thing", time.Now(), 3, []*todo.Item{
		{ID: "1", Action: "do it", SuccessCriteria: "done"},
	})
	require.NoError(t, err)
	item, _ := tdo.Get("1")

	in := stage.Input{ProviderInfos: []stage.ProviderInfo{{Name: "filesystem", Description: "file access"}}}
	// runItem alone (not the full Run loop) so a single exhausted item is
	// observed without following its freshly-inserted replacement child,
	// which would itself fail verification under this all-false script.
	ex.runItem(context.Background(), "s2", tdo, item, in, alwaysResume{})

	assert.Equal(t, todo.StatusReplanned, tdo.StatusOf("1"))
	child, ok := tdo.Get("1.1")
	require.True(t, ok)
	assert.Equal(t, "retry", child.Action)
}

func TestExecutor_RunStopsImmediatelyWhenCancelled(t *testing.T) {
	bus := events.NewBus()
	stages := buildStages(t, nil, true)
	ex := New(Config{}, stages, bus, nil)

	tdo := buildTodo(t)
	in := stage.Input{ProviderInfos: []stage.ProviderInfo{{Name: "filesystem", Description: "file access"}}}

	_, err := ex.Run(context.Background(), "s3", tdo, in, cancelledControl{})
	assert.Error(t, err)
	assert.NotEqual(t, todo.StatusCompleted, tdo.StatusOf("1"))
}
