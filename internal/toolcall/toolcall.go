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

// Package toolcall provides the typed fast path for common tool
// parameters: shell and filesystem calls decode into concrete structs,
// everything else stays a generic map validated at the schema boundary.
package toolcall

import (
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ShellArgs is the typed parameter shape of shell-execution tools
// (shell__execute_command and friends).
type ShellArgs struct {
	Command   string `mapstructure:"command"`
	Cwd       string `mapstructure:"cwd"`
	TimeoutMS int    `mapstructure:"timeout_ms"`
}

// FileArgs is the typed parameter shape of filesystem tools
// (filesystem__read_file, filesystem__write_file and friends).
type FileArgs struct {
	Path    string `mapstructure:"path"`
	Content string `mapstructure:"content"`
}

// DecodeShell decodes params into ShellArgs. Unknown keys are ignored
// and a missing command decodes as the empty string; a non-string
// command is an error.
func DecodeShell(params map[string]any) (ShellArgs, error) {
	var out ShellArgs
	if err := mapstructure.Decode(params, &out); err != nil {
		return ShellArgs{}, err
	}
	return out, nil
}

// DecodeFile decodes params into FileArgs.
func DecodeFile(params map[string]any) (FileArgs, error) {
	var out FileArgs
	if err := mapstructure.Decode(params, &out); err != nil {
		return FileArgs{}, err
	}
	return out, nil
}

// action extracts the action component of a canonical provider__action
// name, or returns the whole name when no separator is present.
func action(tool string) string {
	if idx := strings.Index(tool, "__"); idx >= 0 {
		return tool[idx+2:]
	}
	return tool
}

// IsShell reports whether the tool's action looks like shell execution.
func IsShell(tool string) bool {
	a := action(tool)
	return strings.Contains(a, "command") || strings.Contains(a, "shell") || a == "execute" || a == "run"
}

// IsFile reports whether the tool's action looks like a filesystem
// read/write.
func IsFile(tool string) bool {
	a := action(tool)
	return strings.Contains(a, "file") || strings.Contains(a, "directory") || strings.Contains(a, "path")
}

// SafetyStrings returns the parameter values worth matching against
// dangerous-pattern rules: the command and working directory of a shell
// call, the path of a filesystem call, and every string parameter for
// the long tail of tools with no typed shape.
func SafetyStrings(tool string, params map[string]any) []string {
	switch {
	case IsShell(tool):
		if args, err := DecodeShell(params); err == nil && args.Command != "" {
			out := []string{args.Command}
			if args.Cwd != "" {
				out = append(out, args.Cwd)
			}
			return out
		}
	case IsFile(tool):
		if args, err := DecodeFile(params); err == nil && args.Path != "" {
			return []string{args.Path}
		}
	}

	var out []string
	for _, v := range params {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
