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

// Package session implements the Session Store (spec §4.11): an
// in-memory session_id -> Session map with an idle-timeout sweeper, and
// the cooperative cancel/pause token each Session exposes to the
// Executor (§5 Suspension points, Cancellation semantics).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/kadirpekel/orchestra/internal/history"
	"github.com/kadirpekel/orchestra/internal/inspector"
)

// Session is one client's conversation state: cooperative cancel/pause
// flags, last-activity timestamp and last-acked event sequence number.
// Its tool history is kept by the Store, not on the Session. The
// Executor treats a *Session as an executor.Control.
type Session struct {
	ID string

	mu           sync.Mutex
	lastActivity time.Time
	cancelled    bool
	paused       bool
	resumeCh     chan struct{}

	// LastAckedSeq is the highest event sequence number the client has
	// acknowledged, used by the Streaming Coordinator's reconnect replay
	// (§4.10 "replay from the first un-acked sequence number").
	LastAckedSeq uint64
}

func newSession(id string) *Session {
	return &Session{ID: id, lastActivity: time.Now(), resumeCh: make(chan struct{})}
}

// Touch records activity, resetting the idle-timeout clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

// Cancel sets the session's cancel flag; the Executor observes it at
// the next stage boundary (cooperative, §5 Cancellation semantics). Also
// releases any pause, so a cancelled session cannot remain blocked.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	if s.paused {
		s.paused = false
		close(s.resumeCh)
		s.resumeCh = make(chan struct{})
	}
}

// Cancelled implements executor.Control.
func (s *Session) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Pause blocks the Executor at its next stage boundary until Resume or
// Cancel (§4.9 "No partial stage is left mid-LLM-call — paused means
// between stages").
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume releases a paused session.
func (s *Session) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.paused = false
		close(s.resumeCh)
		s.resumeCh = make(chan struct{})
	}
}

// AwaitResume implements executor.Control: blocks while paused.
func (s *Session) AwaitResume(ctx context.Context) {
	for {
		s.mu.Lock()
		paused := s.paused
		ch := s.resumeCh
		s.mu.Unlock()
		if !paused {
			return
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return
		}
	}
}

// Store is the in-memory session_id -> Session map (§4.11). Lookup is
// O(1) under a read-write lock; there is no persistence, matching the
// teacher's in-memory component stores.
type Store struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration

	history  *history.Store
	inspctor *inspector.Inspector

	onEvict func(id string)

	stopSweep chan struct{}
}

// NewStore builds a Store whose sweeper evicts sessions idle for more
// than idleTimeout (default 30 minutes, §4.11).
func NewStore(idleTimeout time.Duration, histStore *history.Store, insp *inspector.Inspector) *Store {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &Store{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		history:     histStore,
		inspctor:    insp,
		stopSweep:   make(chan struct{}),
	}
}

// GetOrCreate returns the existing session for id, or creates one.
func (st *Store) GetOrCreate(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	if !ok {
		s = newSession(id)
		st.sessions[id] = s
	}
	return s
}

// Get returns the session for id without creating one.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.sessions[id]
	return s, ok
}

// SetOnEvict registers a callback invoked after a session is removed,
// letting the Event Bus and Streaming Coordinator drop their per-session
// state in the same sweep. Call before the sweeper starts.
func (st *Store) SetOnEvict(fn func(id string)) {
	st.onEvict = fn
}

// Evict removes a session and its associated history, used both by the
// idle sweeper and by explicit session termination.
func (st *Store) Evict(id string) {
	st.mu.Lock()
	delete(st.sessions, id)
	st.mu.Unlock()
	if st.history != nil {
		st.history.Forget(id)
	}
	if st.onEvict != nil {
		st.onEvict(id)
	}
}

// Cancel marks the session id cancelled and denies any approval it has
// pending in the shared Inspector (§5 Cancellation semantics: "unblocks
// any require_approval wait with deny").
func (st *Store) Cancel(id string) {
	s, ok := st.Get(id)
	if !ok {
		return
	}
	s.Cancel()
	if st.inspctor != nil {
		st.inspctor.DenyForSession(id)
	}
}

// RunSweeper runs the idle-timeout sweep loop until ctx is cancelled,
// checking every interval (§4.11 "background sweeper").
func (st *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-st.stopSweep:
			return
		case <-ticker.C:
			st.sweepOnce()
		}
	}
}

// Stop halts a running sweeper loop.
func (st *Store) Stop() {
	close(st.stopSweep)
}

func (st *Store) sweepOnce() {
	now := time.Now()
	var expired []string
	st.mu.RLock()
	for id, s := range st.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity)
		s.mu.Unlock()
		if idle > st.idleTimeout {
			expired = append(expired, id)
		}
	}
	st.mu.RUnlock()
	for _, id := range expired {
		st.Evict(id)
	}
}

// Len reports the number of live sessions, used by the §6 health endpoint.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}
