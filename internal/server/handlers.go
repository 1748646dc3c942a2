package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dipeo/engine/internal/diagram"
	"github.com/dipeo/engine/internal/engine"
)

// validExecutionID matches ULIDs, UUIDs, and other safe identifiers.
// Only alphanumeric, dashes, and underscores are allowed.
var validExecutionID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"executions": len(s.registry.List()),
	})
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req SubmitExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Diagram == "" && req.DiagramPath == "" {
		writeError(w, http.StatusBadRequest, "diagram or diagram_path is required")
		return
	}
	if req.Diagram != "" && req.DiagramPath != "" {
		writeError(w, http.StatusBadRequest, "provide diagram or diagram_path, not both")
		return
	}

	var d *diagram.Diagram
	var err error
	if req.Diagram != "" {
		d, err = loadInlineDiagram(req.Diagram)
	} else {
		d, err = diagram.LoadFile(req.DiagramPath)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid diagram: %v", err))
		return
	}

	executionID := strings.TrimSpace(req.ExecutionID)
	if executionID == "" {
		executionID = ulid.Make().String()
	}
	if !validExecutionID.MatchString(executionID) {
		writeError(w, http.StatusBadRequest, "execution_id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	broadcaster := NewBroadcaster()
	interviewer := NewWebInterviewer(s.config.PromptTimeout)
	runCtx, cancel := context.WithCancel(s.baseCtx)

	entry := &ExecutionEntry{
		ID:          executionID,
		Broadcaster: broadcaster,
		Interviewer: interviewer,
		Cancel:      cancel,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.registry.Register(executionID, entry); err != nil {
		cancel()
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	opts := engine.Options{
		Variables:      req.Variables,
		APIKeys:        s.apiKeys,
		MaxIterations:  req.MaxIterations,
		TimeoutSeconds: req.TimeoutSeconds,
		Interactive:    interviewer.Ask,
		DebugMode:      req.Debug,
	}

	eventCh, err := s.coord.Execute(runCtx, d, opts, executionID)
	if err != nil {
		s.registry.Remove(executionID)
		cancel()
		broadcaster.Close()
		writeError(w, http.StatusBadRequest, fmt.Sprintf("execution rejected: %v", err))
		return
	}

	go func() {
		defer broadcaster.Close()
		defer cancel()
		for ev := range eventCh {
			broadcaster.Send(ev)
			if ev.Terminal() {
				entry.SetDone(ev)
			}
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"execution_id": executionID,
		"status":       "accepted",
	})
}

// loadInlineDiagram dispatches on the payload's first byte: JSON documents
// start with '{', everything else is YAML.
func loadInlineDiagram(src string) (*diagram.Diagram, error) {
	if strings.HasPrefix(strings.TrimSpace(src), "{") {
		return diagram.LoadJSON([]byte(src))
	}
	return diagram.LoadYAML([]byte(src))
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, registered := s.registry.Get(id)

	status := ExecutionStatus{}
	if st, err := s.store.GetState(r.Context(), id); err == nil {
		status.ExecutionState = st
	} else if registered {
		status.ExecutionState = entry.LiveStatus()
	} else {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		return
	}
	if registered {
		status.PendingPrompts = entry.Interviewer.Pending()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		return
	}
	WriteSSE(w, r, entry.Broadcaster)
}

func (s *Server) handleGetPrompts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, entry.Interviewer.Pending())
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		return
	}

	var req RespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return
	}
	if !entry.Interviewer.Answer(req.PromptID, req.Answer) {
		writeError(w, http.StatusNotFound, "prompt not found, ambiguous, or already answered")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "answered"})
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entry, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("execution %s not found", id))
		return
	}
	entry.Cancel()
	entry.Interviewer.Cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
