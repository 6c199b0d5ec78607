package todo

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id string, deps ...string) *Item {
	return &Item{ID: id, Action: "do " + id, Dependencies: deps}
}

func TestNew_RejectsForwardDependency(t *testing.T) {
	_, err := New("msg", time.Now(), 3, []*Item{
		item("1", "2"),
		item("2"),
	})
	require.Error(t, err)
}

func TestNew_RejectsDuplicateID(t *testing.T) {
	_, err := New("msg", time.Now(), 3, []*Item{
		item("1"),
		item("1"),
	})
	require.Error(t, err)
}

func TestTodo_ReadySingleItem(t *testing.T) {
	td, err := New("msg", time.Now(), 3, []*Item{item("1")})
	require.NoError(t, err)

	ready := td.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "1", ready[0].ID)
}

func TestTodo_ReadyRespectsDependencies(t *testing.T) {
	td, err := New("msg", time.Now(), 3, []*Item{
		item("1"),
		item("2", "1"),
	})
	require.NoError(t, err)

	ready := td.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "1", ready[0].ID)

	require.NoError(t, td.SetStatus("1", StatusCompleted))
	ready = td.Ready()
	require.Len(t, ready, 1)
	assert.Equal(t, "2", ready[0].ID)
}

func TestTodo_ReplanInsertsChildrenAndSubstitutesDependents(t *testing.T) {
	td, err := New("msg", time.Now(), 3, []*Item{
		item("3"),
		item("4", "3"),
	})
	require.NoError(t, err)

	require.NoError(t, td.Replan("3", []*Item{item(""), item("")}))

	it3, ok := td.Get("3")
	require.True(t, ok)
	assert.Equal(t, StatusReplanned, it3.Status)

	_, ok = td.Get("3.1")
	require.True(t, ok)
	_, ok = td.Get("3.2")
	require.True(t, ok)

	changed := td.SubstituteReplannedDependencies("4")
	assert.True(t, changed)

	it4, ok := td.Get("4")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"3.1", "3.2"}, it4.Dependencies)
}

func TestTodo_BlockedCheckSkipThreshold(t *testing.T) {
	td, err := New("msg", time.Now(), 3, []*Item{
		item("1"),
		item("2", "1"),
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := td.IncrementBlockedCheck("2")
		require.NoError(t, err)
	}

	it2, ok := td.Get("2")
	require.True(t, ok)
	assert.Equal(t, 10, it2.BlockedCheckCount)
}

func TestTodo_JSONRoundTrip(t *testing.T) {
	td, err := New("read then write", time.Now().UTC().Truncate(time.Second), 3, []*Item{
		item("3"),
		item("4", "3"),
	})
	require.NoError(t, err)
	require.NoError(t, td.Replan("3", []*Item{item(""), item("")}))

	data, err := json.Marshal(td)
	require.NoError(t, err)

	var back Todo
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, td.UserMessage, back.UserMessage)
	assert.Equal(t, td.RetryBudget, back.RetryBudget)

	orig, rt := td.Items(), back.Items()
	require.Len(t, rt, len(orig))
	for i := range orig {
		assert.Equal(t, orig[i].ID, rt[i].ID)
		assert.Equal(t, orig[i].Status, rt[i].Status)
		assert.Equal(t, orig[i].Dependencies, rt[i].Dependencies)
	}
	_, ok := back.Get("3.2")
	assert.True(t, ok)
}

func TestTodo_UnmarshalRejectsForwardDependency(t *testing.T) {
	payload := `{"user_message": "m", "retry_budget": 3, "items": [
		{"id": "1", "action": "a", "success_criteria": "c", "dependencies": ["2"], "status": "pending"},
		{"id": "2", "action": "b", "success_criteria": "c", "status": "pending"}
	]}`
	var back Todo
	assert.Error(t, json.Unmarshal([]byte(payload), &back))
}

func TestTodo_AllTerminal(t *testing.T) {
	td, err := New("msg", time.Now(), 3, []*Item{item("1")})
	require.NoError(t, err)
	assert.False(t, td.AllTerminal())

	require.NoError(t, td.SetStatus("1", StatusCompleted))
	assert.True(t, td.AllTerminal())
}
