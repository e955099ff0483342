package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/petrijr/fluxrun/pkg/api"
)

type launchRequest struct {
	CompanyName    string `json:"company_name"`
	SessionID      string `json:"session_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type launchResponse struct {
	RunID   string        `json:"run_id"`
	Status  api.RunStatus `json:"status"`
	Message string        `json:"message"`
}

// runResponse is the public projection of a run.
type runResponse struct {
	RunID       string        `json:"run_id"`
	Status      api.RunStatus `json:"status"`
	CompanyName string        `json:"company_name"`
	EventCount  int           `json:"event_count"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type runActionResponse struct {
	runResponse
	Message string `json:"message"`
}

type pauseRequest struct {
	Reason string `json:"reason,omitempty"`
}

type resumeRequest struct {
	Data map[string]any `json:"data"`
}

type approvalRequest struct {
	RunID     string `json:"run_id"`
	Approved  *bool  `json:"approved"`
	Responder string `json:"responder,omitempty"`
	Comment   string `json:"comment,omitempty"`
}

type approvalResponse struct {
	RunID    string        `json:"run_id"`
	Approved bool          `json:"approved"`
	Status   api.RunStatus `json:"status"`
	Message  string        `json:"message"`
}

type contextResponse struct {
	RunID   string `json:"run_id"`
	Context string `json:"context"`
}

type eventsResponse struct {
	RunID  string              `json:"run_id"`
	Events []api.WorkflowEvent `json:"events"`
}

func projection(run *api.RunState) runResponse {
	return runResponse{
		RunID:       run.RunID,
		Status:      run.Status,
		CompanyName: run.CompanyName,
		EventCount:  run.EventCount(),
		CreatedAt:   run.CreatedAt,
		UpdatedAt:   run.UpdatedAt,
	}
}

func (s *server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	var req launchRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, invalidInput("launch", err.Error()))
		return
	}

	res, err := s.lc.Launch(r.Context(), api.LaunchRequest{
		CompanyName:    req.CompanyName,
		SessionID:      req.SessionID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msg := "Run already exists (idempotent)."
	if res.Created {
		msg = fmt.Sprintf("Run launched for company '%s'.", res.Run.CompanyName)
	}
	writeJSON(w, http.StatusOK, launchResponse{
		RunID:   res.Run.RunID,
		Status:  res.Run.Status,
		Message: msg,
	})
}

func (s *server) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := s.lc.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, projection(run))
}

func (s *server) handleContext(w http.ResponseWriter, r *http.Request) {
	run, err := s.lc.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, contextResponse{RunID: run.RunID, Context: run.RenderContext()})
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	run, err := s.lc.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{RunID: run.RunID, Events: run.Events})
}

func (s *server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, invalidInput("pause", err.Error()))
		return
	}

	run, err := s.lc.Pause(r.Context(), r.PathValue("run_id"), req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runActionResponse{runResponse: projection(run), Message: "Run paused."})
}

func (s *server) handleResume(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, invalidInput("resume", err.Error()))
		return
	}

	run, err := s.lc.Resume(r.Context(), r.PathValue("run_id"), req.Data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runActionResponse{runResponse: projection(run), Message: "Run resumed."})
}

func (s *server) handleApproval(w http.ResponseWriter, r *http.Request) {
	const op = "receive_approval"

	var req approvalRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, invalidInput(op, err.Error()))
		return
	}
	if strings.TrimSpace(req.RunID) == "" {
		s.writeError(w, r, invalidInput(op, "run_id is required"))
		return
	}
	if req.Approved == nil {
		s.writeError(w, r, invalidInput(op, "approved is required"))
		return
	}

	run, err := s.lc.ReceiveApproval(r.Context(), req.RunID, api.ApprovalDecision{
		Approved:  *req.Approved,
		Responder: req.Responder,
		Comment:   req.Comment,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	msg := "Approval received."
	if !*req.Approved {
		msg = "Approval denied, run marked as failed."
	}
	writeJSON(w, http.StatusOK, approvalResponse{
		RunID:    run.RunID,
		Approved: *req.Approved,
		Status:   run.Status,
		Message:  msg,
	})
}

func (s *server) handleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	runs, err := s.lc.List(r.Context(), api.ListOptions{Status: status})
	if err != nil {
		if api.KindOf(err) == api.KindInvalidInput {
			body := errorBody(err)
			body.Detail = fmt.Sprintf("Invalid status '%s'.", status)
			body.RequestID, _ = RequestIDFromContext(r.Context())
			for _, st := range api.Statuses() {
				body.ValidStatuses = append(body.ValidStatuses, string(st))
			}
			writeJSON(w, http.StatusBadRequest, body)
			return
		}
		s.writeError(w, r, err)
		return
	}

	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, projection(run))
	}
	writeJSON(w, http.StatusOK, out)
}
