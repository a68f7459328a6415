package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/fieldwatch/internal/access"
	"github.com/ent0n29/fieldwatch/internal/audit"
	"github.com/ent0n29/fieldwatch/internal/monitoring"
	"github.com/ent0n29/fieldwatch/internal/policy"
)

const maxHistoryLimit = 1000

type startMonitoringRequest struct {
	TargetID     int64  `json:"targetId"`
	TargetKind   string `json:"targetKind"`
	SupervisorID int64  `json:"supervisorId"`
	RoomName     string `json:"roomName,omitempty"`
}

type stopMonitoringResponse struct {
	SessionID string `json:"sessionId"`
	Stopped   bool   `json:"stopped"`
}

type publisherTokenRequest struct {
	AgentID   int64  `json:"agentId"`
	AgentKind string `json:"agentKind"`
	RoomName  string `json:"roomName,omitempty"`
}

type historyResponse struct {
	Records []audit.Record `json:"records"`
}

func (s *Server) handleStartMonitoring(w http.ResponseWriter, r *http.Request) {
	var req startMonitoringRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	kind, err := monitoring.ParseTargetKind(req.TargetKind)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_target", err.Error())
		return
	}
	if req.SupervisorID == 0 {
		caller, _ := access.CallerFrom(r.Context())
		req.SupervisorID = caller.ID
	}

	details, err := s.coordinator.StartMonitoring(r.Context(), monitoring.StartRequest{
		TargetID:     req.TargetID,
		TargetKind:   kind,
		SupervisorID: req.SupervisorID,
		RoomName:     req.RoomName,
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusCreated, details)
	case errors.Is(err, monitoring.ErrInvalidTarget):
		respondError(w, http.StatusBadRequest, "invalid_target", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "start_failed", "could not start listening session - try again")
	}
}

func (s *Server) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	respondJSON(w, http.StatusOK, stopMonitoringResponse{
		SessionID: id,
		Stopped:   s.coordinator.StopMonitoring(r.Context(), id),
	})
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.coordinator.ActiveSessions(r.Context()))
}

func (s *Server) handleActiveRooms(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.coordinator.ListActiveRooms(r.Context()))
}

func (s *Server) handlePublisherToken(w http.ResponseWriter, r *http.Request) {
	var req publisherTokenRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	caller, _ := access.CallerFrom(r.Context())
	grant, d := policy.DecidePublisher(caller, req.AgentID, req.AgentKind)
	if !d.Allowed {
		respondError(w, http.StatusForbidden, "forbidden", d.Reason)
		return
	}

	details, err := s.coordinator.IssuePublisherCredential(r.Context(), grant.AgentID, grant.Kind, req.RoomName)
	if err != nil {
		respondError(w, http.StatusBadGateway, "credential_failed", "could not issue publisher credential - try again")
		return
	}
	respondJSON(w, http.StatusOK, details)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "history store not configured")
		return
	}
	q := r.URL.Query()

	limit := s.cfg.AuditHistoryLimit
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	var requested int64
	if raw := strings.TrimSpace(q.Get("supervisor_id")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_supervisor_id", "supervisor_id must be a positive integer")
			return
		}
		requested = n
	}

	caller, _ := access.CallerFrom(r.Context())
	supervisorID, d := policy.HistoryScope(caller, requested)
	if !d.Allowed {
		respondError(w, http.StatusForbidden, "forbidden", d.Reason)
		return
	}

	records, err := s.audit.Recent(r.Context(), audit.Filter{
		SupervisorID: supervisorID,
		SessionID:    strings.TrimSpace(q.Get("session_id")),
		Limit:        limit,
	})
	if err != nil {
		s.logger.Warn("history query failed", "err", err)
		respondError(w, http.StatusInternalServerError, "history_unavailable", "could not read monitoring history")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	respondJSON(w, http.StatusOK, historyResponse{Records: records})
}
