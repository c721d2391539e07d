package httpapi

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/assistkit/recall/internal/archive"
	"github.com/assistkit/recall/internal/config"
	"github.com/assistkit/recall/internal/controller"
	"github.com/assistkit/recall/internal/conversation"
	"github.com/assistkit/recall/internal/notify"
	"github.com/assistkit/recall/internal/observability"
	"github.com/assistkit/recall/internal/todo"
)

type Server struct {
	cfg        config.Config
	controller *controller.Controller
	conv       *conversation.Store
	todos      *todo.Store
	archiver   *archive.Archiver
	hub        *notify.Hub
	metrics    *observability.Metrics
	upgrader   websocket.Upgrader
}

func New(cfg config.Config, ctrl *controller.Controller, conv *conversation.Store, todos *todo.Store, archiver *archive.Archiver, hub *notify.Hub, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:        cfg,
		controller: ctrl,
		conv:       conv,
		todos:      todos,
		archiver:   archiver,
		hub:        hub,
		metrics:    metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser clients unless explicitly opened
				// up; other sites must not stream a user's reminders.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/turns", s.handleRecordTurn)
	r.Post("/v1/commands", s.handleRecordCommand)

	r.Get("/v1/memory/stats", s.handleMemoryStats)
	r.Get("/v1/memory/{userID}/window", s.handleWindow)
	r.Post("/v1/memory/{userID}/reset", s.handleReset)

	r.Post("/v1/todos", s.handleAddTodo)
	r.Get("/v1/todos", s.handleListTodos)
	r.Get("/v1/todos/stats", s.handleTodoStats)
	r.Get("/v1/todos/similar", s.handleSimilarTodos)
	r.Post("/v1/todos/{id}/complete", s.handleCompleteTodo)
	r.Post("/v1/todos/{id}/due", s.handleUpdateDue)

	r.Post("/v1/archive/flush", s.handleArchiveFlush)
	r.Get("/v1/archive/partitions", s.handleArchivePartitions)
	r.Get("/v1/archive/summary", s.handleArchiveSummary)

	r.Get("/v1/reminders/ws", s.handleRemindersWS)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":               "ready",
		"queued_audit_events":  s.controller.QueuedAuditEvents(),
		"reminder_subscribers": s.hub.Subscribers(),
	})
}

type recordTurnRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	Text   string `json:"text"`
}

func (s *Server) handleRecordTurn(w http.ResponseWriter, r *http.Request) {
	var req recordTurnRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	role := conversation.Role(req.Role)
	if role != conversation.RoleUser && role != conversation.RoleAssistant {
		respondError(w, http.StatusBadRequest, "invalid_role", "role must be user or assistant")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}

	turn := s.controller.RecordTurn(req.UserID, role, req.Text)
	respondJSON(w, http.StatusCreated, turn)
}

type recordCommandRequest struct {
	UserID string            `json:"user_id"`
	Name   string            `json:"name"`
	Args   map[string]string `json:"args,omitempty"`
}

func (s *Server) handleRecordCommand(w http.ResponseWriter, r *http.Request) {
	var req recordCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and name are required")
		return
	}
	s.controller.RecordCommand(req.UserID, req.Name, req.Args)
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "recorded"})
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if strings.TrimSpace(userID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "missing user id")
		return
	}
	turns := s.controller.Window(userID)
	respondJSON(w, http.StatusOK, map[string]any{"user_id": userID, "turns": turns})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if strings.TrimSpace(userID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "missing user id")
		return
	}
	s.controller.ResetSession(userID)
	respondJSON(w, http.StatusOK, map[string]any{"status": "reset", "user_id": userID})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.conv.Summary())
}

type addTodoRequest struct {
	UserID string     `json:"user_id"`
	Text   string     `json:"text"`
	DueAt  *time.Time `json:"due_at,omitempty"`
}

func (s *Server) handleAddTodo(w http.ResponseWriter, r *http.Request) {
	var req addTodoRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}

	item, err := s.todos.Add(req.UserID, req.Text, req.DueAt)
	if err != nil {
		var dup *todo.DuplicateError
		switch {
		case errors.As(err, &dup):
			if s.metrics != nil {
				s.metrics.DedupeRejections.Inc()
			}
			respondJSON(w, http.StatusConflict, map[string]any{
				"error":       "duplicate todo",
				"code":        "duplicate_todo",
				"existing_id": dup.ExistingID,
				"existing":    dup.Existing,
				"similarity":  dup.Similarity,
			})
		case errors.Is(err, todo.ErrEmptyText), errors.Is(err, todo.ErrTextTooLong):
			respondError(w, http.StatusBadRequest, "invalid_text", err.Error())
		case errors.Is(err, todo.ErrTooManyOpen):
			respondError(w, http.StatusUnprocessableEntity, "too_many_open", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "internal", err.Error())
		}
		return
	}
	if s.metrics != nil {
		s.metrics.TodosCreated.Inc()
	}
	s.controller.RecordCommand(req.UserID, "todo.add", map[string]string{"todo_id": item.ID})
	respondJSON(w, http.StatusCreated, item)
}

func (s *Server) handleListTodos(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	status := todo.Status(r.URL.Query().Get("status"))
	if status != "" && status != todo.StatusOpen && status != todo.StatusDone {
		respondError(w, http.StatusBadRequest, "invalid_status", "status must be open or done")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": s.todos.List(userID, status)})
}

func (s *Server) handleSimilarTodos(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	text := strings.TrimSpace(r.URL.Query().Get("text"))
	if userID == "" || text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "user_id and text are required")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"matches": s.todos.SimilarOpen(userID, text)})
}

func (s *Server) handleCompleteTodo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "query parameter user_id is required")
		return
	}
	item, err := s.todos.Complete(userID, id)
	if err != nil {
		respondError(w, http.StatusNotFound, "todo_not_found", err.Error())
		return
	}
	s.controller.RecordCommand(userID, "todo.complete", map[string]string{"todo_id": item.ID})
	respondJSON(w, http.StatusOK, item)
}

type updateDueRequest struct {
	UserID string     `json:"user_id"`
	DueAt  *time.Time `json:"due_at"`
}

func (s *Server) handleUpdateDue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req updateDueRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		respondError(w, http.StatusBadRequest, "missing_user_id", "user_id is required")
		return
	}
	item, err := s.todos.UpdateDue(req.UserID, id, req.DueAt)
	if err != nil {
		respondError(w, http.StatusNotFound, "todo_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, item)
}

func (s *Server) handleTodoStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.todos.Stats())
}

func (s *Server) handleArchiveFlush(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force") == "true"
	res, err := s.archiver.FlushDue(r.Context(), force)
	if err != nil {
		// Partial progress still matters to the operator; report both.
		respondJSON(w, http.StatusBadGateway, map[string]any{
			"error":  err.Error(),
			"code":   "flush_incomplete",
			"result": res,
		})
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleArchivePartitions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"partitions": s.archiver.Partitions()})
}

func (s *Server) handleArchiveSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.archiver.Summary(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "archive_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) handleRemindersWS(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Serve(conn, userID)
}
