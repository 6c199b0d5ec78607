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

// Package config is the single entry point for the orchestrator's
// configuration surface (spec §6). A Config is constructed once at
// startup and passed explicitly to every component; there is no
// package-level mutable configuration state.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete, immutable-after-load configuration surface.
type Config struct {
	Executor     ExecutorConfig              `yaml:"executor,omitempty"`
	RateLimit    RateLimitConfig             `yaml:"rate_limit,omitempty"`
	Circuit      CircuitConfig               `yaml:"circuit,omitempty"`
	Validation   ValidationConfig            `yaml:"validation,omitempty"`
	Verification VerificationConfig          `yaml:"verification,omitempty"`
	History      HistoryConfig               `yaml:"history,omitempty"`
	Inspector    InspectorConfig             `yaml:"inspector,omitempty"`
	Session      SessionConfig               `yaml:"session,omitempty"`
	Mode         ModeConfig                  `yaml:"mode,omitempty"`
	Providers    map[string]ProviderConfig   `yaml:"providers,omitempty"`
	Logging      LoggingConfig               `yaml:"logging,omitempty"`
	Stages       map[string]StageModelConfig `yaml:"stages,omitempty"`
}

// ExecutorConfig covers the per-item attempt/replan budgets (§3 invariants, §6).
type ExecutorConfig struct {
	MaxItemAttempts              int `yaml:"max_item_attempts"`
	MaxReplans                   int `yaml:"max_replans"`
	BlockedCheckThresholdResolve int `yaml:"blocked_check_threshold_resolve"`
	BlockedCheckThresholdSkip    int `yaml:"blocked_check_threshold_skip"`
	LLMTimeoutMS                 int `yaml:"llm_timeout_ms"`
	ProviderInitTimeoutMS        int `yaml:"provider_init_timeout_ms"`
	ProviderCallTimeoutMS        int `yaml:"provider_call_timeout_ms"`
}

func (c *ExecutorConfig) Validate() error {
	if c.MaxItemAttempts <= 0 {
		return fmt.Errorf("max_item_attempts must be positive, got %d", c.MaxItemAttempts)
	}
	if c.MaxReplans < 0 {
		return fmt.Errorf("max_replans must be non-negative, got %d", c.MaxReplans)
	}
	if c.BlockedCheckThresholdResolve <= 0 || c.BlockedCheckThresholdSkip <= c.BlockedCheckThresholdResolve {
		return fmt.Errorf("blocked_check_threshold_skip (%d) must exceed blocked_check_threshold_resolve (%d)", c.BlockedCheckThresholdSkip, c.BlockedCheckThresholdResolve)
	}
	return nil
}

func (c *ExecutorConfig) SetDefaults() {
	if c.MaxItemAttempts == 0 {
		c.MaxItemAttempts = 2
	}
	if c.MaxReplans == 0 {
		c.MaxReplans = 3
	}
	if c.BlockedCheckThresholdResolve == 0 {
		c.BlockedCheckThresholdResolve = 5
	}
	if c.BlockedCheckThresholdSkip == 0 {
		c.BlockedCheckThresholdSkip = 10
	}
	if c.LLMTimeoutMS == 0 {
		c.LLMTimeoutMS = 60000
	}
	if c.ProviderInitTimeoutMS == 0 {
		c.ProviderInitTimeoutMS = 15000
	}
	if c.ProviderCallTimeoutMS == 0 {
		c.ProviderCallTimeoutMS = 60000
	}
}

func (c ExecutorConfig) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMS) * time.Millisecond
}

func (c ExecutorConfig) ProviderInitTimeout() time.Duration {
	return time.Duration(c.ProviderInitTimeoutMS) * time.Millisecond
}

func (c ExecutorConfig) ProviderCallTimeout() time.Duration {
	return time.Duration(c.ProviderCallTimeoutMS) * time.Millisecond
}

// RateLimitConfig configures the LLM Gateway's adaptive throttler and queue.
type RateLimitConfig struct {
	MinDelayMS int `yaml:"min_delay_ms"`
	MaxDelayMS int `yaml:"max_delay_ms"`
	QueueCap   int `yaml:"queue_cap"`
}

func (c *RateLimitConfig) Validate() error {
	if c.MinDelayMS < 0 || c.MaxDelayMS < c.MinDelayMS {
		return fmt.Errorf("invalid rate_limit delay bounds: min=%d max=%d", c.MinDelayMS, c.MaxDelayMS)
	}
	if c.QueueCap <= 0 {
		return fmt.Errorf("rate_limit.queue_cap must be positive, got %d", c.QueueCap)
	}
	return nil
}

func (c *RateLimitConfig) SetDefaults() {
	if c.MinDelayMS == 0 {
		c.MinDelayMS = 200
	}
	if c.MaxDelayMS == 0 {
		c.MaxDelayMS = 5000
	}
	if c.QueueCap == 0 {
		c.QueueCap = 50
	}
}

// CircuitConfig configures the Gateway's per-service circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold"`
	ResetMS          int `yaml:"reset_ms"`
}

func (c *CircuitConfig) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("circuit.failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.ResetMS <= 0 {
		return fmt.Errorf("circuit.reset_ms must be positive, got %d", c.ResetMS)
	}
	return nil
}

func (c *CircuitConfig) SetDefaults() {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.ResetMS == 0 {
		c.ResetMS = 60000
	}
}

func (c CircuitConfig) ResetTimeout() time.Duration {
	return time.Duration(c.ResetMS) * time.Millisecond
}

// ValidationConfig configures the five-stage Validation Pipeline.
type ValidationConfig struct {
	EarlyRejection       bool    `yaml:"early_rejection"`
	SimilarityThreshold   float64 `yaml:"similarity_threshold"`
	HistoryFailureWarnAt  int     `yaml:"history_failure_warn_at"`
}

func (c *ValidationConfig) Validate() error {
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("validation.similarity_threshold must be in (0,1], got %f", c.SimilarityThreshold)
	}
	return nil
}

// SetDefaults fills the numeric defaults. EarlyRejection defaults to true
// by being pre-set before decoding in LoadFromBytes, so an explicit
// early_rejection: false in the file is kept.
func (c *ValidationConfig) SetDefaults() {
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.8
	}
	if c.HistoryFailureWarnAt == 0 {
		c.HistoryFailureWarnAt = 3
	}
}

// VerificationConfig configures the Stage 5 decision rules: the accept
// and override confidence floors and the localized match-keyword list,
// kept external rather than hard-coded.
type VerificationConfig struct {
	MatchKeywords         []string `yaml:"match_keywords,omitempty"`
	AcceptMinConfidence   int      `yaml:"accept_min_confidence"`
	OverrideMinConfidence int      `yaml:"override_min_confidence"`
}

func (c *VerificationConfig) Validate() error {
	if c.AcceptMinConfidence < 0 || c.AcceptMinConfidence > 100 {
		return fmt.Errorf("verification.accept_min_confidence must be in [0,100], got %d", c.AcceptMinConfidence)
	}
	if c.OverrideMinConfidence > 100 {
		return fmt.Errorf("verification.override_min_confidence must be at most 100, got %d", c.OverrideMinConfidence)
	}
	return nil
}

func (c *VerificationConfig) SetDefaults() {
	if c.AcceptMinConfidence == 0 {
		c.AcceptMinConfidence = 60
	}
	if c.OverrideMinConfidence == 0 {
		c.OverrideMinConfidence = 80
	}
}

// HistoryConfig configures the Tool History ring buffer.
type HistoryConfig struct {
	MaxSize int `yaml:"max_size"`
}

func (c *HistoryConfig) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("history.max_size must be positive, got %d", c.MaxSize)
	}
	return nil
}

func (c *HistoryConfig) SetDefaults() {
	if c.MaxSize == 0 {
		c.MaxSize = 1000
	}
}

// InspectorConfig configures the Tool Inspector's repetition gate,
// safety rules and permission table.
type InspectorConfig struct {
	MaxConsecutive    int `yaml:"max_consecutive"`
	MaxTotal          int `yaml:"max_total"`
	ApprovalTimeoutMS int `yaml:"approval_timeout_ms"`

	SafetyRules []SafetyRuleConfig `yaml:"safety_rules,omitempty"`
	// ReadOnlyTools are canonical tool names allowed outright in chat
	// mode; DevTreeTools are additionally allowed in dev mode (§4.4).
	ReadOnlyTools []string `yaml:"read_only_tools,omitempty"`
	DevTreeTools  []string `yaml:"dev_tree_tools,omitempty"`
}

// SafetyRuleConfig is one dangerous-pattern rule (§4.4 Safety).
type SafetyRuleConfig struct {
	Pattern  string `yaml:"pattern"`
	Severity string `yaml:"severity"`
	Reason   string `yaml:"reason"`
}

func (c *InspectorConfig) Validate() error {
	if c.MaxConsecutive <= 0 || c.MaxTotal < c.MaxConsecutive {
		return fmt.Errorf("invalid inspector repetition bounds: max_consecutive=%d max_total=%d", c.MaxConsecutive, c.MaxTotal)
	}
	for _, r := range c.SafetyRules {
		if r.Pattern == "" {
			return fmt.Errorf("inspector safety rule with empty pattern")
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("inspector safety rule %q: %w", r.Pattern, err)
		}
	}
	return nil
}

func (c *InspectorConfig) SetDefaults() {
	if c.MaxConsecutive == 0 {
		c.MaxConsecutive = 3
	}
	if c.MaxTotal == 0 {
		c.MaxTotal = 10
	}
	if c.ApprovalTimeoutMS == 0 {
		c.ApprovalTimeoutMS = 60000
	}
}

func (c InspectorConfig) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMS) * time.Millisecond
}

// SessionConfig configures the Session Store's idle eviction sweeper.
type SessionConfig struct {
	IdleTimeoutMS int `yaml:"idle_timeout_ms"`
}

func (c *SessionConfig) Validate() error {
	if c.IdleTimeoutMS <= 0 {
		return fmt.Errorf("session.idle_timeout_ms must be positive, got %d", c.IdleTimeoutMS)
	}
	return nil
}

func (c *SessionConfig) SetDefaults() {
	if c.IdleTimeoutMS == 0 {
		c.IdleTimeoutMS = 1_800_000
	}
}

func (c SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// ModeConfig configures the Mode Router's privileged-mode access code
// and the deterministic keyword overlay (§4.12, configurable per locale).
type ModeConfig struct {
	AccessCode   string   `yaml:"access_code"`
	TaskKeywords []string `yaml:"task_keywords,omitempty"`
}

func (c *ModeConfig) Validate() error { return nil }

func (c *ModeConfig) SetDefaults() {}

// ProviderConfig is one entry of the provider registry file (§6).
type ProviderConfig struct {
	Argv        []string          `yaml:"argv"`
	Env         map[string]string `yaml:"env,omitempty"`
	Enabled     *bool             `yaml:"enabled,omitempty"`
	Description string            `yaml:"description,omitempty"`
	// Required marks a provider whose failed startup is unrecoverable
	// (exit code 1) rather than a disable-and-continue (§6 Exit codes).
	Required bool `yaml:"required,omitempty"`
}

func (c *ProviderConfig) Validate(name string) error {
	if c.IsEnabled() && len(c.Argv) == 0 {
		return fmt.Errorf("provider %q: argv is required for an enabled provider", name)
	}
	return nil
}

func (c ProviderConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// StageModelConfig is the per-stage model/temperature configuration (§4.6).
type StageModelConfig struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
}

func (c *StageModelConfig) SetDefaults(defaultModel string, defaultTemp float64) {
	if c.Model == "" {
		c.Model = defaultModel
	}
	if c.Temperature == 0 {
		c.Temperature = defaultTemp
	}
}

// LoggingConfig configures the orchlog logging substrate.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
	File   string `yaml:"file,omitempty"`
}

func (c *LoggingConfig) Validate() error { return nil }

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate validates every nested section, wrapping errors with context
// in the same style as the teacher's Config.Validate.
func (c *Config) Validate() error {
	if err := c.Executor.Validate(); err != nil {
		return fmt.Errorf("executor config validation failed: %w", err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("rate_limit config validation failed: %w", err)
	}
	if err := c.Circuit.Validate(); err != nil {
		return fmt.Errorf("circuit config validation failed: %w", err)
	}
	if err := c.Validation.Validate(); err != nil {
		return fmt.Errorf("validation config validation failed: %w", err)
	}
	if err := c.Verification.Validate(); err != nil {
		return fmt.Errorf("verification config validation failed: %w", err)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history config validation failed: %w", err)
	}
	if err := c.Inspector.Validate(); err != nil {
		return fmt.Errorf("inspector config validation failed: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config validation failed: %w", err)
	}
	if err := c.Mode.Validate(); err != nil {
		return fmt.Errorf("mode config validation failed: %w", err)
	}
	for name, p := range c.Providers {
		if err := p.Validate(name); err != nil {
			return fmt.Errorf("provider config validation failed: %w", err)
		}
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config validation failed: %w", err)
	}
	return nil
}

// SetDefaults fills every nested section with its documented default (§6).
func (c *Config) SetDefaults() {
	c.Executor.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Circuit.SetDefaults()
	c.Validation.SetDefaults()
	c.Verification.SetDefaults()
	c.History.SetDefaults()
	c.Inspector.SetDefaults()
	c.Session.SetDefaults()
	c.Mode.SetDefaults()
	c.Logging.SetDefaults()
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	if c.Stages == nil {
		c.Stages = make(map[string]StageModelConfig)
	}
	for name := range c.Stages {
		s := c.Stages[name]
		s.SetDefaults("default", 0.2)
		c.Stages[name] = s
	}
}

// StageModel returns the configured model/temperature for a stage name,
// falling back to the same low-temperature default for any stage that is
// not configured.
func (c *Config) StageModel(stage string) StageModelConfig {
	if s, ok := c.Stages[stage]; ok {
		return s
	}
	return StageModelConfig{Model: "default", Temperature: 0.2}
}

// Load reads and parses a YAML configuration file, applies environment
// variable overrides, fills defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes parses raw YAML bytes into a validated Config.
func LoadFromBytes(data []byte) (*Config, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}
	expanded := ExpandEnvVarsInData(raw)

	reEncoded, err := yaml.Marshal(expanded)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode expanded config: %w", err)
	}

	// Fields absent from the file keep these pre-set values.
	cfg := Config{Validation: ValidationConfig{EarlyRejection: true}}
	if err := yaml.Unmarshal(reEncoded, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}
