package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskboard-sync/internal/access"
	"github.com/BuzzLyutic/taskboard-sync/internal/auth"
	"github.com/BuzzLyutic/taskboard-sync/internal/model"
	"github.com/BuzzLyutic/taskboard-sync/internal/repo"
	"github.com/BuzzLyutic/taskboard-sync/internal/service"
	"github.com/BuzzLyutic/taskboard-sync/internal/store"
	"github.com/BuzzLyutic/taskboard-sync/pkg/respond"
)

const pingInterval = 15 * time.Second

type createProjectRequest struct {
	Name string `json:"name"`
}

type joinRequest struct {
	AccessCode string `json:"accessCode"`
}

type joinResponse struct {
	Role model.Role `json:"role"`
}

type addTaskRequest struct {
	Description string `json:"description"`
	AssignedTo  string `json:"assignedTo"`
}

type taskProgressRequest struct {
	TaskName string `json:"taskName"`
	Progress *int   `json:"progress"`
}

type reviewRequest struct {
	TaskName string `json:"taskName"`
	Review   string `json:"review"`
}

type progressRequest struct {
	Progress *int `json:"progress"`
}

type ProjectHandler struct {
	service *service.ProjectService
	logger  *zap.Logger
}

func NewProjectHandler(srv *service.ProjectService, logger *zap.Logger) *ProjectHandler {
	return &ProjectHandler{
		service: srv,
		logger:  logger,
	}
}

func (h *ProjectHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.ContentLength == 0 {
		respond.Error(w, r, http.StatusBadRequest, "empty request body")
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Debug("failed to decode json", zap.Error(err))
		respond.Error(w, r, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return false
	}
	return true
}

func (h *ProjectHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if !h.decode(w, r, &req) {
		return
	}

	v, err := h.service.Create(r.Context(), req.Name)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	w.Header().Set("Location", "/api/projects/"+v.Project.ID)
	respond.JSON(w, r, http.StatusCreated, v)
}

func (h *ProjectHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, list)
}

func (h *ProjectHandler) Get(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, v)
}

func (h *ProjectHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.handleErrors(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ProjectHandler) Join(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if !h.decode(w, r, &req) {
		return
	}

	role, err := h.service.Join(r.Context(), chi.URLParam(r, "id"), req.AccessCode)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, joinResponse{Role: role})
}

func (h *ProjectHandler) AddTask(w http.ResponseWriter, r *http.Request) {
	var req addTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	v, err := h.service.AddTask(r.Context(), chi.URLParam(r, "id"), req.Description, req.AssignedTo)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusCreated, v)
}

func (h *ProjectHandler) UpdateTaskProgress(w http.ResponseWriter, r *http.Request) {
	var req taskProgressRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Progress == nil {
		respond.Error(w, r, http.StatusBadRequest, "progress is required")
		return
	}

	v, err := h.service.UpdateTaskProgress(r.Context(), chi.URLParam(r, "id"), req.TaskName, *req.Progress)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, v)
}

func (h *ProjectHandler) AddReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !h.decode(w, r, &req) {
		return
	}

	v, err := h.service.AddReview(r.Context(), chi.URLParam(r, "id"), req.TaskName, req.Review)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusCreated, v)
}

func (h *ProjectHandler) SetProgress(w http.ResponseWriter, r *http.Request) {
	var req progressRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Progress == nil {
		respond.Error(w, r, http.StatusBadRequest, "progress is required")
		return
	}

	v, err := h.service.SetProgress(r.Context(), chi.URLParam(r, "id"), *req.Progress)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, v)
}

func (h *ProjectHandler) Board(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.Board(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}
	respond.JSON(w, r, http.StatusOK, b)
}

// Events streams the project as server-sent events: a "snapshot" event per
// change and a final "deleted" event when the project goes away.
func (h *ProjectHandler) Events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	events, err := h.service.Watch(r.Context(), id)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	// The server's write timeout is meant for plain requests.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	stream, err := respond.NewStream(w)
	if err != nil {
		h.handleErrors(w, r, err)
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := stream.Ping(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			name := "snapshot"
			switch {
			case ev.Forbidden:
				name = "forbidden"
			case !ev.Exists:
				name = "deleted"
			}
			if err := stream.Event(name, ev); err != nil {
				h.logger.Debug("event stream closed", zap.String("project_id", id), zap.Error(err))
				return
			}
		}
	}
}

func (h *ProjectHandler) handleErrors(w http.ResponseWriter, r *http.Request, err error) {
	var locked *access.LockedError
	switch {
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", strconv.Itoa(int(locked.RetryAfter.Seconds())+1))
		respond.Error(w, r, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, auth.ErrUnauthenticated):
		respond.Error(w, r, http.StatusUnauthorized, "unauthenticated")
	case errors.Is(err, repo.ErrValidation):
		respond.Error(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, repo.ErrorNotFound):
		respond.Error(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, access.ErrInvalidAccessCode):
		respond.Error(w, r, http.StatusForbidden, "invalid access code")
	case errors.Is(err, access.ErrForbidden):
		respond.Error(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, repo.ErrorConflict):
		respond.Error(w, r, http.StatusConflict, "conflict")
	case errors.Is(err, store.ErrorUnavailable):
		respond.Error(w, r, http.StatusServiceUnavailable, "store unavailable")
	default:
		h.logger.Error("internal error", zap.Error(err))
		respond.Error(w, r, http.StatusInternalServerError, "internal error")
	}
}
