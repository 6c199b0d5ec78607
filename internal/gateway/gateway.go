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

// Package gateway implements the Rate-limited LLM Gateway (spec §4.5): a
// per-service queue with an adaptive throttler, single-flight coalescing
// of identical in-flight requests, a bounded queue, and a circuit
// breaker, sitting in front of an internal/llm.Client.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/kadirpekel/orchestra/internal/llm"
	"github.com/kadirpekel/orchestra/internal/orcherr"
)

// Priority distinguishes normal stage calls from critical ones (e.g.
// verification) that should be served ahead of the FIFO queue (§4.5).
type Priority int

const (
	PriorityNormal   Priority = 0
	PriorityCritical Priority = 1
)

// circuitState is the breaker's lifecycle state (§4.5).
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// Config configures one service's queue, throttler and breaker (§6
// rate_limit.*, circuit.*).
type Config struct {
	// MaxPromptTokens, when positive, bounds the token count of every
	// outgoing request's Messages via a TokenBudget for that request's
	// model, trimming from the front (oldest non-system turn first).
	// Zero disables trimming entirely.
	MaxPromptTokens int

	MinDelay         time.Duration
	MaxDelay         time.Duration
	QueueCap         int
	FailureThreshold int
	ResetTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinDelay == 0 {
		c.MinDelay = 200 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.QueueCap == 0 {
		c.QueueCap = 50
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 60 * time.Second
	}
	return c
}

// ticket is one queued caller waiting for its turn to dispatch.
type ticket struct {
	ready chan struct{}
}

// inflightCall is a single-flight entry: every caller whose request body
// hashes the same while this call is outstanding waits on done instead of
// re-dispatching (§4.5 "single-flight key built from the request body hash").
type inflightCall struct {
	done chan struct{}
	resp llm.Response
	err  error
}

// service holds the per-model-name queue, throttle state and breaker.
type service struct {
	mu sync.Mutex

	cfg     Config
	limiter *rate.Limiter // paced at 1/delay; adjusted adaptively

	queueLen  int
	highQueue []*ticket
	lowQueue  []*ticket

	inflight map[string]*inflightCall

	state              circuitState
	consecutiveFails   int
	failureWindowStart time.Time
	openedAt           time.Time
	// probeInFlight gates half-open to a single probe call; cleared when
	// that call resolves in observeLocked.
	probeInFlight bool

	dispatcherOnce sync.Once
}

func newService(cfg Config) *service {
	s := &service{
		cfg:      cfg,
		inflight: make(map[string]*inflightCall),
		state:    circuitClosed,
	}
	s.limiter = rate.NewLimiter(rate.Every(cfg.MinDelay), 1)
	return s
}

// Gateway fronts an llm.Client with per-service rate limiting, single-
// flight coalescing, a bounded queue and a circuit breaker (§4.5).
type Gateway struct {
	log     *slog.Logger
	client  llm.Client
	cfg     Config
	mu      sync.Mutex
	byModel map[string]*service

	requests  *prometheus.CounterVec
	queueGauge *prometheus.GaugeVec
	circuitGauge *prometheus.GaugeVec

	budgetMu sync.Mutex
	budgets  map[string]*TokenBudget
}

// New builds a Gateway delegating completions to client, using cfg as the
// default per-service configuration. reg may be nil to skip metrics
// registration.
func New(client llm.Client, cfg Config, log *slog.Logger, reg prometheus.Registerer) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{
		log:     log,
		client:  client,
		cfg:     cfg.withDefaults(),
		byModel: make(map[string]*service),
		budgets: make(map[string]*TokenBudget),
	}
	g.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orchestra", Subsystem: "gateway", Name: "requests_total",
		Help: "LLM gateway requests by service and outcome.",
	}, []string{"service", "outcome"})
	g.queueGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestra", Subsystem: "gateway", Name: "queue_depth",
		Help: "Current queue depth per service.",
	}, []string{"service"})
	g.circuitGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "orchestra", Subsystem: "gateway", Name: "circuit_state",
		Help: "Circuit breaker state per service (0=closed,1=open,2=half-open).",
	}, []string{"service"})
	if reg != nil {
		reg.MustRegister(g.requests, g.queueGauge, g.circuitGauge)
	}
	return g
}

// budgetFor returns the cached TokenBudget for model, building one on
// first use (§6 StageModelConfig picks a model per stage, so one Gateway
// serves many distinct encodings over its lifetime).
func (g *Gateway) budgetFor(model string) *TokenBudget {
	g.budgetMu.Lock()
	defer g.budgetMu.Unlock()
	b, ok := g.budgets[model]
	if !ok {
		b = NewTokenBudget(model)
		g.budgets[model] = b
	}
	return b
}

func (g *Gateway) serviceFor(name string) *service {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.byModel[name]
	if !ok {
		s = newService(g.cfg)
		g.byModel[name] = s
	}
	return s
}

// hashRequest builds the single-flight coalescing key from the request body.
func hashRequest(service string, req llm.Request) string {
	data, _ := json.Marshal(struct {
		Service string
		Req     llm.Request
	}{service, req})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Complete enqueues req against service, coalescing identical in-flight
// requests, waiting for the adaptive throttle and the circuit breaker to
// admit it, then delegates to the underlying llm.Client (§4.5).
func (g *Gateway) Complete(ctx context.Context, serviceName string, priority Priority, req llm.Request) (llm.Response, error) {
	if g.cfg.MaxPromptTokens > 0 {
		req.Messages = g.budgetFor(req.Model).FitWithinLimit(req.Messages, g.cfg.MaxPromptTokens)
	}

	s := g.serviceFor(serviceName)
	key := hashRequest(serviceName, req)

	s.mu.Lock()
	if call, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		select {
		case <-call.done:
			return call.resp, call.err
		case <-ctx.Done():
			return llm.Response{}, orcherr.Wrap(orcherr.KindCancelled, "waiting on coalesced request", ctx.Err())
		}
	}

	if !s.admitLocked() {
		reason := "rate-limited"
		if s.state == circuitOpen {
			reason = "circuit breaker open"
		}
		s.mu.Unlock()
		g.requests.WithLabelValues(serviceName, "rejected").Inc()
		return llm.Response{}, orcherr.New(orcherr.KindRateLimited, reason)
	}

	call := &inflightCall{done: make(chan struct{})}
	s.inflight[key] = call
	t := &ticket{ready: make(chan struct{})}
	if priority == PriorityCritical {
		s.highQueue = append(s.highQueue, t)
	} else {
		s.lowQueue = append(s.lowQueue, t)
	}
	s.queueLen++
	g.queueGauge.WithLabelValues(serviceName).Set(float64(s.queueLen))
	s.mu.Unlock()

	s.ensureDispatcher()

	select {
	case <-t.ready:
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.inflight, key)
		// An abandoned half-open probe must release the slot or the
		// circuit could never recover.
		s.probeInFlight = false
		s.mu.Unlock()
		close(call.done)
		return llm.Response{}, orcherr.Wrap(orcherr.KindCancelled, "waiting in gateway queue", ctx.Err())
	}

	resp, err := g.client.Complete(ctx, req)

	s.mu.Lock()
	s.observeLocked(err)
	delete(s.inflight, key)
	s.mu.Unlock()

	call.resp, call.err = resp, err
	close(call.done)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	g.requests.WithLabelValues(serviceName, outcome).Inc()
	return resp, err
}

// admitLocked reports whether a new call may enter the queue: the queue
// is below capacity and the circuit breaker is not open (or is due for a
// half-open probe). Must be called with s.mu held.
func (s *service) admitLocked() bool {
	switch s.state {
	case circuitOpen:
		if time.Since(s.openedAt) < s.cfg.ResetTimeout {
			return false
		}
	case circuitHalfOpen:
		if s.probeInFlight {
			return false
		}
	}
	if s.queueLen >= s.cfg.QueueCap {
		return false
	}
	if s.state == circuitOpen {
		s.state = circuitHalfOpen
	}
	if s.state == circuitHalfOpen {
		// Exactly one probe is admitted while half-open; everyone else
		// is rejected until it resolves (§4.5 "closing after one
		// successful half-open probe").
		s.probeInFlight = true
	}
	return true
}

// ensureDispatcher starts the per-service dispatch loop exactly once; it
// runs for the lifetime of the Gateway, pacing dispatches by the current
// adaptive delay and serving the high-priority queue before FIFO (§4.5).
func (s *service) ensureDispatcher() {
	s.dispatcherOnce.Do(func() {
		go s.dispatchLoop()
	})
}

func (s *service) dispatchLoop() {
	for {
		s.mu.Lock()
		var next *ticket
		if len(s.highQueue) > 0 {
			next = s.highQueue[0]
			s.highQueue = s.highQueue[1:]
		} else if len(s.lowQueue) > 0 {
			next = s.lowQueue[0]
			s.lowQueue = s.lowQueue[1:]
		}
		if next == nil {
			s.mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			continue
		}
		s.queueLen--
		s.mu.Unlock()

		_ = s.limiter.Wait(context.Background())
		close(next.ready)
	}
}

// observeLocked adjusts the adaptive delay and circuit breaker state
// after a call completes. Must be called with s.mu held.
func (s *service) observeLocked(err error) {
	s.probeInFlight = false
	if err == nil {
		s.consecutiveFails = 0
		if s.state == circuitHalfOpen {
			s.state = circuitClosed
		}
		// Shorten the delay (probe faster) when the queue is backed up,
		// and ease it slowly back toward the minimum otherwise (§4.5).
		if s.queueLen > 20 {
			s.setDelay(s.currentDelay() * 9 / 10)
		} else {
			s.setDelay(s.currentDelay() * 99 / 100)
		}
		return
	}

	rateLimited := orcherr.Is(err, orcherr.KindRateLimited) || orcherr.Is(err, orcherr.KindTransport)
	if rateLimited {
		s.setDelay(time.Duration(float64(s.currentDelay()) * 1.5))
	}

	if s.failureWindowStart.IsZero() || time.Since(s.failureWindowStart) > 60*time.Second {
		s.failureWindowStart = time.Now()
		s.consecutiveFails = 0
	}
	s.consecutiveFails++
	if s.state == circuitHalfOpen || s.consecutiveFails >= s.cfg.FailureThreshold {
		s.state = circuitOpen
		s.openedAt = time.Now()
	}
}

func (s *service) currentDelay() time.Duration {
	return time.Duration(float64(time.Second) / float64(s.limiter.Limit()))
}

func (s *service) setDelay(d time.Duration) {
	if d < s.cfg.MinDelay {
		d = s.cfg.MinDelay
	}
	if d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}
	s.limiter.SetLimit(rate.Every(d))
}

// CircuitState reports a service's breaker state as a string, for the
// §6 GET /health "LLM gateway circuit status" surface.
func (g *Gateway) CircuitState(serviceName string) string {
	s := g.serviceFor(serviceName)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
