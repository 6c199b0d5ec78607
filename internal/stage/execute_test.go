package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kadirpekel/orchestra/internal/todo"
)

func TestIndependent_SingleCallIsAlwaysIndependent(t *testing.T) {
	assert.True(t, independent([]todo.ToolCall{{Tool: "a__b"}}))
}

func TestIndependent_NoPlaceholderReferences(t *testing.T) {
	calls := []todo.ToolCall{
		{Tool: "filesystem__read_file", Parameters: map[string]any{"path": "/tmp/x"}},
		{Tool: "filesystem__read_file", Parameters: map[string]any{"path": "/tmp/y"}},
	}
	assert.True(t, independent(calls))
}

func TestIndependent_PlaceholderReferenceIsNotIndependent(t *testing.T) {
	calls := []todo.ToolCall{
		{Tool: "filesystem__read_file", Parameters: map[string]any{"path": "/tmp/x"}},
		{Tool: "filesystem__write_file", Parameters: map[string]any{"content": "{{filesystem__read_file.result}}"}},
	}
	assert.False(t, independent(calls))
}
