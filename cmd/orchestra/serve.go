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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kadirpekel/orchestra/internal/bootstrap"
	"github.com/kadirpekel/orchestra/internal/config"
	"github.com/kadirpekel/orchestra/internal/llmhttp"
	"github.com/kadirpekel/orchestra/internal/orcherr"
	"github.com/kadirpekel/orchestra/internal/orchlog"
	"github.com/kadirpekel/orchestra/internal/server"
)

// ServeCmd starts the orchestrator and its HTTP endpoints.
type ServeCmd struct {
	Host string `help:"Address to listen on." default:"0.0.0.0"`
	Port int    `help:"Port to listen on." default:"8080"`

	LLMBaseURL string `name:"llm-base-url" help:"OpenAI-compatible API root for the model service." env:"ORCHESTRA_LLM_BASE_URL"`
	LLMAPIKey  string `name:"llm-api-key" help:"Model service API key." env:"ORCHESTRA_LLM_API_KEY"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	log, cleanup, err := initLogging(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := config.LoadEnvFiles(); err != nil {
		log.Warn("env file loading failed", "error", err)
	}

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return orcherr.Wrap(orcherr.KindConfigError, "load configuration", err)
	}

	if c.LLMBaseURL == "" {
		return orcherr.New(orcherr.KindConfigError, "an LLM base URL is required (--llm-base-url or ORCHESTRA_LLM_BASE_URL)")
	}
	client := llmhttp.New(llmhttp.Config{
		BaseURL: c.LLMBaseURL,
		APIKey:  c.LLMAPIKey,
		Timeout: cfg.Executor.LLMTimeout(),
	}, log)

	logDir := "."
	if cli.LogFile != "" {
		logDir = filepath.Dir(cli.LogFile)
	}
	orch, err := bootstrap.New(bootstrap.Options{
		Cfg:        cfg,
		Client:     client,
		Log:        log,
		LogDir:     logDir,
		ConfigPath: cli.Config,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	report, err := orch.Start(ctx)
	if err != nil {
		return fmt.Errorf("provider startup: %w", err)
	}
	defer orch.Stop()

	log.Info("orchestrator ready",
		"providers_ready", len(report.Ready),
		"providers_failed", len(report.Failed),
		"providers_skipped", len(report.Skipped))

	addr := fmt.Sprintf("%s:%d", c.Host, c.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           server.New(orch, log).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", "error", err)
	}
	return nil
}

// ValidateCmd loads and validates a configuration file, reporting the
// first error it finds.
type ValidateCmd struct{}

func (c *ValidateCmd) Run(cli *CLI) error {
	if _, err := config.Load(cli.Config); err != nil {
		return orcherr.Wrap(orcherr.KindConfigError, "validate configuration", err)
	}
	fmt.Printf("%s: configuration valid\n", cli.Config)
	return nil
}

// initLogging installs the process logger from the global CLI flags and
// returns it alongside a file-handle cleanup.
func initLogging(cli *CLI) (*slog.Logger, func(), error) {
	level, err := orchlog.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, nil, orcherr.Wrap(orcherr.KindConfigError, "parse log level", err)
	}

	out := os.Stderr
	cleanup := func() {}
	if cli.LogFile != "" {
		file, closeFile, err := orchlog.OpenLogFile(cli.LogFile)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = file
		cleanup = closeFile
	}

	orchlog.Init(level, out, cli.LogFormat)
	return orchlog.GetLogger(), cleanup, nil
}
