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

// Package stream implements the Streaming Coordinator (spec §4.10): fair
// fan-out of a session's Event Bus traffic to possibly many client
// connections, reconnection replay from a client's last-acked sequence
// number, and the backpressure policy that drops TTS chunks, progress,
// tool and stage-transition events from a stalled client, but never chat
// messages, approvals or terminals.
package stream

import (
	"sync"
	"time"

	"github.com/kadirpekel/orchestra/internal/events"
)

// defaultBackpressureWindow is how long the coordinator waits for a
// stalled client before applying the drop policy (§4.10 "full for >5 s").
const defaultBackpressureWindow = 5 * time.Second

// droppable reports whether kind may be discarded under backpressure.
// TTS chunks, progress, tool and stage-transition events are droppable
// and all are treated alike: each is dropped once it has waited out the
// backpressure window, with no preference for dropping TTS chunks before
// progress. Chat, approval and terminal events are never dropped.
func droppable(kind events.Kind) bool {
	switch kind {
	case events.KindTtsChunk, events.KindProgress, events.KindToolEvent, events.KindStageTransition:
		return true
	default:
		return false
	}
}

// Conn is one client connection's outbound event queue. Events() is the
// channel a transport (HTTP long-poll, WebSocket — out of scope here,
// §1) drains to push events to the client.
type Conn struct {
	sessionID          string
	out                chan events.Event
	onAck              func(seq uint64)
	backpressureWindow time.Duration

	closeOnce sync.Once
	closeCh   chan struct{}
}

func newConn(sessionID string, bufSize int, backpressureWindow time.Duration, onAck func(seq uint64)) *Conn {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Conn{
		sessionID:          sessionID,
		out:                make(chan events.Event, bufSize),
		onAck:              onAck,
		backpressureWindow: backpressureWindow,
		closeCh:            make(chan struct{}),
	}
}

// Events returns the channel the transport layer should drain.
func (c *Conn) Events() <-chan events.Event { return c.out }

// Ack records that the client has received up through seq, so a future
// reconnect replays only what follows it (§4.10 "replay from the first
// un-acked sequence number").
func (c *Conn) Ack(seq uint64) {
	if c.onAck != nil {
		c.onAck(seq)
	}
}

// Close detaches the connection; any deliver() call blocked on a
// must-deliver event unblocks immediately.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}

// deliver pushes ev to the client, applying the backpressure policy
// when the outbound buffer is stalled full.
func (c *Conn) deliver(ev events.Event) {
	select {
	case c.out <- ev:
		return
	case <-c.closeCh:
		return
	default:
	}

	if droppable(ev.Kind) {
		timer := time.NewTimer(c.backpressureWindow)
		defer timer.Stop()
		select {
		case c.out <- ev:
		case <-timer.C:
			// dropped: client has been stalled past the backpressure window
		case <-c.closeCh:
		}
		return
	}

	// Chat and terminal events are never dropped: block until the
	// client drains, or the connection is closed out from under us.
	select {
	case c.out <- ev:
	case <-c.closeCh:
	}
}

// sessionStreams is the fan-out state for one session: a bounded replay
// log plus every attached connection.
type sessionStreams struct {
	mu          sync.Mutex
	replayLog   []events.Event
	replayCap   int
	conns       map[*Conn]struct{}
	unsubscribe func()
}

func (s *sessionStreams) record(ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replayLog) >= s.replayCap {
		s.replayLog = s.replayLog[1:]
	}
	s.replayLog = append(s.replayLog, ev)
}

func (s *sessionStreams) replay(fromSeq uint64) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Event, 0, len(s.replayLog))
	for _, ev := range s.replayLog {
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Config bounds the coordinator's per-session replay buffer and each
// connection's outbound queue depth.
type Config struct {
	ReplayBufferSize   int
	ConnBufferSize     int
	BackpressureWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReplayBufferSize <= 0 {
		c.ReplayBufferSize = 500
	}
	if c.ConnBufferSize <= 0 {
		c.ConnBufferSize = 64
	}
	if c.BackpressureWindow <= 0 {
		c.BackpressureWindow = defaultBackpressureWindow
	}
	return c
}

// Coordinator is the Streaming Coordinator (§4.10). It subscribes to the
// Event Bus on demand (first Attach for a session) and tears the
// subscription down once the last connection detaches.
type Coordinator struct {
	cfg Config
	bus *events.Bus

	mu       sync.Mutex
	sessions map[string]*sessionStreams
}

// New builds a Coordinator bound to bus.
func New(bus *events.Bus, cfg Config) *Coordinator {
	return &Coordinator{cfg: cfg.withDefaults(), bus: bus, sessions: make(map[string]*sessionStreams)}
}

// Attach registers a new client connection for sessionID, replaying
// every retained event with Seq > fromSeq before live events follow
// (§4.10 reconnect semantics). onAck, if non-nil, is called whenever the
// caller acknowledges a sequence number via the returned Conn.
func (c *Coordinator) Attach(sessionID string, fromSeq uint64, onAck func(seq uint64)) *Conn {
	c.mu.Lock()
	ss, ok := c.sessions[sessionID]
	if !ok {
		ss = &sessionStreams{replayCap: c.cfg.ReplayBufferSize, conns: make(map[*Conn]struct{})}
		ss.unsubscribe = c.bus.Subscribe(sessionID, func(ev events.Event) {
			ss.record(ev)
			ss.mu.Lock()
			conns := make([]*Conn, 0, len(ss.conns))
			for conn := range ss.conns {
				conns = append(conns, conn)
			}
			ss.mu.Unlock()
			for _, conn := range conns {
				conn.deliver(ev)
			}
		})
		c.sessions[sessionID] = ss
	}
	c.mu.Unlock()

	conn := newConn(sessionID, c.cfg.ConnBufferSize, c.cfg.BackpressureWindow, onAck)
	ss.mu.Lock()
	ss.conns[conn] = struct{}{}
	ss.mu.Unlock()

	for _, ev := range ss.replay(fromSeq) {
		conn.deliver(ev)
	}
	return conn
}

// Detach removes conn from its session's fan-out set, closing it. Once a
// session has no attached connections, its bus subscription is dropped;
// a later Attach re-subscribes and replays from the retained log.
func (c *Coordinator) Detach(conn *Conn) {
	conn.Close()

	c.mu.Lock()
	ss, ok := c.sessions[conn.sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}

	ss.mu.Lock()
	delete(ss.conns, conn)
	empty := len(ss.conns) == 0
	ss.mu.Unlock()

	if !empty {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ss2, ok := c.sessions[conn.sessionID]; ok && ss2 == ss {
		ss.unsubscribe()
		delete(c.sessions, conn.sessionID)
	}
}

// Forget drops a session's replay log entirely, used by the Session
// Store on idle eviction so a stale session can never be replayed into.
func (c *Coordinator) Forget(sessionID string) {
	c.mu.Lock()
	ss, ok := c.sessions[sessionID]
	delete(c.sessions, sessionID)
	c.mu.Unlock()
	if ok {
		ss.unsubscribe()
	}
}
