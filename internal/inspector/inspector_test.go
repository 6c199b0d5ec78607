package inspector

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/orchestra/internal/history"
	"github.com/kadirpekel/orchestra/internal/todo"
)

func TestInspector_SafetyDeniesCriticalMatch(t *testing.T) {
	ins := New(Config{}, []SafetyRule{
		{Pattern: regexp.MustCompile(`rm -rf`), Severity: "critical", Reason: "destructive shell command"},
	}, PermissionTable{})

	v := ins.InspectCall(todo.ToolCall{
		Tool:       "shell__exec",
		Parameters: map[string]any{"command": "rm -rf /"},
	}, ModeTask, nil)
	assert.Equal(t, DecisionDeny, v.Decision)
}

func TestInspector_ChatModeRestrictsToReadOnly(t *testing.T) {
	ins := New(Config{}, nil, PermissionTable{ReadOnlyTools: map[string]bool{"filesystem__read_file": true}})

	v := ins.InspectCall(todo.ToolCall{Tool: "filesystem__read_file"}, ModeChat, nil)
	assert.Equal(t, DecisionAllow, v.Decision)

	v = ins.InspectCall(todo.ToolCall{Tool: "filesystem__write_file"}, ModeChat, nil)
	assert.Equal(t, DecisionRequireApproval, v.Decision)
}

func TestInspector_RepetitionDeniesAtConsecutiveThreshold(t *testing.T) {
	ins := New(Config{MaxConsecutive: 3}, nil, PermissionTable{})
	call := todo.ToolCall{Tool: "shell__exec", Parameters: map[string]any{"command": "ls"}}
	paramsHash := history.Hash(call.Parameters)

	hist := history.NewRing(10)
	// Successful repeats trip the gate too: the spec counts executions,
	// not failures.
	for i := 0; i < 3; i++ {
		hist.Record(history.Entry{Tool: call.Tool, ParamsHash: paramsHash, Outcome: history.OutcomeSuccess})
	}

	v := ins.InspectCall(call, ModeTask, hist)
	assert.Equal(t, DecisionDeny, v.Decision)
}

func TestInspector_RepetitionAllowsSameToolWithDifferentParams(t *testing.T) {
	ins := New(Config{MaxConsecutive: 3}, nil, PermissionTable{})
	repeated := todo.ToolCall{Tool: "shell__exec", Parameters: map[string]any{"command": "ls"}}
	paramsHash := history.Hash(repeated.Parameters)

	hist := history.NewRing(10)
	for i := 0; i < 3; i++ {
		hist.Record(history.Entry{Tool: repeated.Tool, ParamsHash: paramsHash, Outcome: history.OutcomeFailure})
	}

	// A different parameter set on the same tool is a different
	// (tool, params_hash) pair and must not be lumped into its bucket.
	fresh := todo.ToolCall{Tool: "shell__exec", Parameters: map[string]any{"command": "pwd"}}
	v := ins.InspectCall(fresh, ModeTask, hist)
	assert.Equal(t, DecisionAllow, v.Decision)
}

func TestInspector_RepetitionDeniesAtSessionTotal(t *testing.T) {
	ins := New(Config{MaxConsecutive: 3, MaxTotal: 4}, nil, PermissionTable{})
	call := todo.ToolCall{Tool: "shell__exec", Parameters: map[string]any{"command": "ls"}}
	paramsHash := history.Hash(call.Parameters)
	other := history.Hash(map[string]any{"command": "pwd"})

	hist := history.NewRing(10)
	// Interleaved so the consecutive gate never trips; the session-total
	// gate must still catch the fourth identical execution.
	for i := 0; i < 4; i++ {
		hist.Record(history.Entry{Tool: call.Tool, ParamsHash: paramsHash, Outcome: history.OutcomeSuccess})
		hist.Record(history.Entry{Tool: call.Tool, ParamsHash: other, Outcome: history.OutcomeSuccess})
	}

	v := ins.InspectCall(call, ModeTask, hist)
	assert.Equal(t, DecisionDeny, v.Decision)
}

func TestInspector_BatchTakesStrictestVerdict(t *testing.T) {
	ins := New(Config{}, []SafetyRule{
		{Pattern: regexp.MustCompile(`secret`), Severity: "critical", Reason: "denied"},
	}, PermissionTable{})

	v := ins.InspectBatch([]todo.ToolCall{
		{Tool: "a__b", Parameters: map[string]any{}},
		{Tool: "c__d", Parameters: map[string]any{"x": "secret"}},
	}, ModeTask, nil)
	assert.Equal(t, DecisionDeny, v.Decision)
}

func TestInspector_AwaitApproval_ConfirmResolves(t *testing.T) {
	ins := New(Config{ApprovalTimeout: time.Second}, nil, PermissionTable{})

	go func() {
		time.Sleep(10 * time.Millisecond)
		ins.Confirm("id-1", true)
	}()

	approved := ins.AwaitApproval(context.Background(), "id-1")
	assert.True(t, approved)
}

func TestInspector_ConfirmForSessionResolvesOnlyThatSession(t *testing.T) {
	ins := New(Config{ApprovalTimeout: time.Second}, nil, PermissionTable{})

	got := make(chan bool, 2)
	go func() { got <- ins.AwaitApproval(context.Background(), "s1:3") }()
	go func() { got <- ins.AwaitApproval(context.Background(), "s2:1") }()
	time.Sleep(10 * time.Millisecond)

	assert.True(t, ins.ConfirmForSession("s1", true))
	assert.True(t, <-got)

	// The other session's wait is untouched: confirming an unrelated
	// session resolves nothing, and s2 stays pending until it is denied.
	assert.False(t, ins.ConfirmForSession("s3", true))
	ins.DenyForSession("s2")
	assert.False(t, <-got)
}

func TestInspector_ShellSafetyChecksCommandField(t *testing.T) {
	ins := New(Config{}, []SafetyRule{
		{Pattern: regexp.MustCompile(`/etc/passwd`), Severity: "critical", Reason: "sensitive path"},
	}, PermissionTable{})

	// The typed fast path scopes the match to the command; a benign
	// command with the pattern only in an unrelated reasoning-ish
	// parameter of a shell call does not deny.
	v := ins.InspectCall(todo.ToolCall{
		Tool:       "shell__execute_command",
		Parameters: map[string]any{"command": "cat /etc/passwd"},
	}, ModeTask, nil)
	assert.Equal(t, DecisionDeny, v.Decision)

	v = ins.InspectCall(todo.ToolCall{
		Tool:       "shell__execute_command",
		Parameters: map[string]any{"command": "echo ok", "note": "do not touch /etc/passwd"},
	}, ModeTask, nil)
	assert.Equal(t, DecisionAllow, v.Decision)
}

func TestInspector_AwaitApproval_TimesOutToDeny(t *testing.T) {
	ins := New(Config{ApprovalTimeout: 10 * time.Millisecond}, nil, PermissionTable{})
	approved := ins.AwaitApproval(context.Background(), "id-2")
	assert.False(t, approved)
}
