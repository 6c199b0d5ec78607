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

package toolcall

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeShell(t *testing.T) {
	args, err := DecodeShell(map[string]any{
		"command":    "ls -la",
		"cwd":        "/tmp",
		"timeout_ms": 5000,
		"extra":      "ignored",
	})
	require.NoError(t, err)
	assert.Equal(t, "ls -la", args.Command)
	assert.Equal(t, "/tmp", args.Cwd)
	assert.Equal(t, 5000, args.TimeoutMS)
}

func TestDecodeFile(t *testing.T) {
	args, err := DecodeFile(map[string]any{"path": "/tmp/x", "content": "ok"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", args.Path)
	assert.Equal(t, "ok", args.Content)
}

func TestToolClassification(t *testing.T) {
	assert.True(t, IsShell("shell__execute_command"))
	assert.True(t, IsShell("terminal__run"))
	assert.False(t, IsShell("filesystem__read_file"))

	assert.True(t, IsFile("filesystem__read_file"))
	assert.True(t, IsFile("filesystem__create_directory"))
	assert.False(t, IsFile("playwright__browser_navigate"))
}

func TestSafetyStrings(t *testing.T) {
	tests := []struct {
		name   string
		tool   string
		params map[string]any
		want   []string
	}{
		{
			name:   "shell call yields command and cwd",
			tool:   "shell__execute_command",
			params: map[string]any{"command": "rm -rf /", "cwd": "/home", "timeout_ms": 100},
			want:   []string{"rm -rf /", "/home"},
		},
		{
			name:   "file call yields path only",
			tool:   "filesystem__write_file",
			params: map[string]any{"path": "/etc/passwd", "content": "secret payload"},
			want:   []string{"/etc/passwd"},
		},
		{
			name:   "unknown tool falls back to every string param",
			tool:   "playwright__browser_navigate",
			params: map[string]any{"url": "https://example.com", "depth": 2},
			want:   []string{"https://example.com"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ElementsMatch(t, tt.want, SafetyStrings(tt.tool, tt.params))
		})
	}
}

func TestSafetyStringsMalformedShellFallsBack(t *testing.T) {
	// A shell tool with no decodable command falls through to the
	// generic string scan instead of going unchecked.
	got := SafetyStrings("shell__execute_command", map[string]any{"cmd_lines": "rm -rf /"})
	assert.Equal(t, []string{"rm -rf /"}, got)
}
