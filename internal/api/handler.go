// Package api serves the async query REST surface.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"duck-async/internal/asyncquery"
	"duck-async/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// AsyncQueryService is the query lifecycle behind the handler.
type AsyncQueryService interface {
	CreateAsyncQuery(ctx context.Context, req asyncquery.CreateRequest) (*asyncquery.CreateResponse, error)
	GetAsyncQueryResults(ctx context.Context, queryID string) (*asyncquery.Results, error)
	CancelQuery(ctx context.Context, queryID string) error
}

// SessionService is the session housekeeping behind the handler.
type SessionService interface {
	ListActiveSessions(ctx context.Context, dataSourceName string) ([]*domain.Session, error)
	PollSession(ctx context.Context, dataSourceName, sessionID string) (*domain.Session, error)
	CloseSession(ctx context.Context, dataSourceName, sessionID string) (*domain.Session, error)
}

// Handler implements the HTTP endpoints.
type Handler struct {
	queries  AsyncQueryService
	sessions SessionService
	logger   *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(queries AsyncQueryService, sessions SessionService, logger *slog.Logger) *Handler {
	return &Handler{queries: queries, sessions: sessions, logger: logger.With("component", "api")}
}

// Routes mounts the endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/async_query", h.createAsyncQuery)
	r.Get("/async_query/{queryId}", h.getAsyncQueryResults)
	r.Delete("/async_query/{queryId}", h.cancelAsyncQuery)

	r.Get("/async_query/sessions/{datasource}", h.listSessions)
	r.Get("/async_query/sessions/{datasource}/{sessionId}", h.getSession)
	r.Delete("/async_query/sessions/{datasource}/{sessionId}", h.closeSession)
}

func (h *Handler) createAsyncQuery(w http.ResponseWriter, r *http.Request) {
	var req asyncquery.CreateRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		h.writeError(w, r, domain.ErrValidation("read request body: %v", err))
		return
	}
	if len(body) > maxBodyBytes {
		h.writeError(w, r, domain.ErrValidation("request body exceeds %d bytes", maxBodyBytes))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, domain.ErrValidation("invalid request body: %v", err))
		return
	}
	if req.DataSourceName == "" {
		h.writeError(w, r, domain.ErrValidation("datasource is required"))
		return
	}
	if req.Lang == "" {
		req.Lang = "sql"
	}

	resp, err := h.queries.CreateAsyncQuery(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getAsyncQueryResults(w http.ResponseWriter, r *http.Request) {
	res, err := h.queries.GetAsyncQueryResults(r.Context(), chi.URLParam(r, "queryId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) cancelAsyncQuery(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryId")
	if err := h.queries.CancelQuery(r.Context(), queryID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"queryId": queryID})
}

// sessionView is the JSON form of a session.
type sessionView struct {
	SessionID      string `json:"sessionId"`
	SessionType    string `json:"sessionType"`
	DataSourceName string `json:"datasource"`
	State          string `json:"state"`
	JobID          string `json:"jobId,omitempty"`
	Error          string `json:"error,omitempty"`
	LastUpdateTime int64  `json:"lastUpdateTime"`
}

func toSessionView(s *domain.Session) sessionView {
	return sessionView{
		SessionID:      s.SessionID,
		SessionType:    s.SessionType,
		DataSourceName: s.DataSourceName,
		State:          string(s.State),
		JobID:          s.JobID,
		Error:          s.Error,
		LastUpdateTime: s.LastUpdateTime,
	}
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListActiveSessions(r.Context(), chi.URLParam(r, "datasource"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, toSessionView(s))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.PollSession(r.Context(), chi.URLParam(r, "datasource"), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(s))
}

func (h *Handler) closeSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.sessions.CloseSession(r.Context(), chi.URLParam(r, "datasource"), chi.URLParam(r, "sessionId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionView(s))
}
