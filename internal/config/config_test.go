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

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromBytes_EmptyConfigGetsDefaults(t *testing.T) {
	cfg, err := LoadFromBytes([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Executor.MaxItemAttempts)
	assert.Equal(t, 3, cfg.Executor.MaxReplans)
	assert.Equal(t, 5, cfg.Executor.BlockedCheckThresholdResolve)
	assert.Equal(t, 10, cfg.Executor.BlockedCheckThresholdSkip)
	assert.Equal(t, 60*time.Second, cfg.Executor.LLMTimeout())
	assert.Equal(t, 15*time.Second, cfg.Executor.ProviderInitTimeout())
	assert.Equal(t, 50, cfg.RateLimit.QueueCap)
	assert.Equal(t, 3, cfg.Circuit.FailureThreshold)
	assert.True(t, cfg.Validation.EarlyRejection)
	assert.InDelta(t, 0.8, cfg.Validation.SimilarityThreshold, 0.001)
	assert.Equal(t, 60, cfg.Verification.AcceptMinConfidence)
	assert.Equal(t, 80, cfg.Verification.OverrideMinConfidence)
	assert.Equal(t, 1000, cfg.History.MaxSize)
	assert.Equal(t, 3, cfg.Inspector.MaxConsecutive)
	assert.Equal(t, 10, cfg.Inspector.MaxTotal)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout())
}

func TestLoadFromBytes_RejectsInvertedBlockedThresholds(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
executor:
  blocked_check_threshold_resolve: 10
  blocked_check_threshold_skip: 5
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked_check_threshold_skip")
}

func TestLoadFromBytes_RejectsEnabledProviderWithoutArgv(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
providers:
  filesystem:
    description: "file access"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "argv is required")
}

func TestLoadFromBytes_DisabledProviderWithoutArgvIsFine(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
providers:
  filesystem:
    enabled: false
`))
	require.NoError(t, err)
	assert.False(t, cfg.Providers["filesystem"].IsEnabled())
}

func TestLoadFromBytes_RejectsBadSafetyRulePattern(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
inspector:
  safety_rules:
    - pattern: "["
      severity: critical
`))
	require.Error(t, err)
}

func TestLoadFromBytes_ProviderRegistryEntry(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
providers:
  shell:
    argv: ["orchestra-shell", "--stdio"]
    env:
      SHELL_TIMEOUT: "30"
    description: "shell command execution"
    required: true
`))
	require.NoError(t, err)

	p := cfg.Providers["shell"]
	assert.Equal(t, []string{"orchestra-shell", "--stdio"}, p.Argv)
	assert.Equal(t, "30", p.Env["SHELL_TIMEOUT"])
	assert.True(t, p.IsEnabled())
	assert.True(t, p.Required)
}

func TestLoadFromBytes_EnvVarExpansion(t *testing.T) {
	t.Setenv("ORCH_TEST_CODE", "hunter2")
	cfg, err := LoadFromBytes([]byte(`
mode:
  access_code: "${ORCH_TEST_CODE}"
`))
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Mode.AccessCode)
}

func TestLoadFromBytes_EnvVarDefaultSyntax(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
logging:
  level: "${ORCH_UNSET_LEVEL:-debug}"
`))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestStageModel_FallsBackToDefault(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
stages:
  verify:
    model: big-model
    temperature: 0.05
`))
	require.NoError(t, err)

	assert.Equal(t, "big-model", cfg.StageModel("verify").Model)
	assert.InDelta(t, 0.05, cfg.StageModel("verify").Temperature, 0.001)
	assert.Equal(t, "default", cfg.StageModel("tool_plan").Model)
}

func TestVerificationConfig_RejectsOutOfRangeFloor(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
verification:
  accept_min_confidence: 150
`))
	require.Error(t, err)
}
