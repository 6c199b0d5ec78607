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

// Package server exposes the §6 client-facing endpoint shapes over
// net/http: the server-sent-event chat stream, the pause/resume/confirm
// session controls, and the component health report. Heavier transport
// concerns (WebSockets, static files, session cookies) are out of scope
// per §1; this is the thin seam between HTTP and the orchestrator core.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kadirpekel/orchestra/internal/bootstrap"
	"github.com/kadirpekel/orchestra/internal/events"
)

// Server adapts an assembled Orchestrator to HTTP handlers.
type Server struct {
	orch *bootstrap.Orchestrator
	log  *slog.Logger
}

// New builds a Server.
func New(orch *bootstrap.Orchestrator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{orch: orch, log: log}
}

// Routes returns the §6 endpoint mux.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /session/pause", s.handlePause)
	mux.HandleFunc("POST /session/resume", s.handleResume)
	mux.HandleFunc("POST /session/confirm", s.handleConfirm)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
	Confirmed bool   `json:"confirmed"`
}

// sseEvent is the JSON body of one server-sent event.
type sseEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
	Stage     string `json:"stage,omitempty"`
	ItemID    string `json:"itemId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// eventType maps a bus event to its §6 SSE event type: agent, stage,
// todo, item_executing, item_verified, tts_chunk, tool_call,
// approval_required, complete, error.
func eventType(ev events.Event) string {
	switch ev.Kind {
	case events.KindChatMessage:
		return "agent"
	case events.KindStageTransition:
		return "stage"
	case events.KindTtsChunk:
		return "tts_chunk"
	case events.KindToolEvent:
		return "tool_call"
	case events.KindApproval:
		return "approval_required"
	case events.KindProgress:
		p, ok := ev.Payload.(events.ProgressPayload)
		if !ok {
			return "todo"
		}
		switch p.Status {
		case "executing":
			return "item_executing"
		case "completed":
			return "item_verified"
		default:
			return "todo"
		}
	case events.KindTerminal:
		p, ok := ev.Payload.(events.TerminalPayload)
		if ok && p.Reason == events.TerminalError {
			return "error"
		}
		return "complete"
	default:
		return string(ev.Kind)
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		http.Error(w, "message is required", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Session-Id", req.SessionID)

	sess := s.orch.Sessions().GetOrCreate(req.SessionID)
	conn := s.orch.Stream().Attach(req.SessionID, sess.LastAckedSeq, func(seq uint64) {
		sess.LastAckedSeq = seq
	})
	defer s.orch.Stream().Detach(conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.orch.HandleMessage(r.Context(), req.SessionID, req.Message); err != nil {
			s.log.Warn("message handling failed", "session_id", req.SessionID, "error", err)
		}
	}()

	for {
		select {
		case ev := <-conn.Events():
			body, err := json.Marshal(sseEvent{
				Type:      eventType(ev),
				SessionID: ev.SessionID,
				Seq:       ev.Seq,
				Stage:     ev.Stage,
				ItemID:    ev.ItemID,
				Payload:   ev.Payload,
			})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType(ev), body)
			flusher.Flush()
			conn.Ack(ev.Seq)
			if ev.Kind == events.KindTerminal {
				<-done
				return
			}
		case <-r.Context().Done():
			// Client went away mid-run; the workflow keeps going and a
			// reconnect replays from the last acked sequence number.
			<-done
			return
		}
	}
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	s.orch.Pause(req.SessionID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	s.orch.Resume(req.SessionID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSession(w, r)
	if !ok {
		return
	}
	resolved := s.orch.Confirm(req.SessionID, req.Confirmed)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"resolved": resolved})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.orch.Health())
}

func (s *Server) decodeSession(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		http.Error(w, "sessionId is required", http.StatusBadRequest)
		return sessionRequest{}, false
	}
	return req, true
}
