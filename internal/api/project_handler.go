package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shaiso/Scribe/internal/domain"
	"github.com/shaiso/Scribe/internal/orchestrator"
	"github.com/shaiso/Scribe/internal/repo"
)

const defaultListLimit = 50

// ListProjects возвращает сводки проектов.
// GET /api/v1/projects?status=...&limit=...&offset=...
func (h *Handler) ListProjects(w http.ResponseWriter, r *http.Request) {
	filter := repo.ProjectFilter{Limit: defaultListLimit}

	if s := r.URL.Query().Get("status"); s != "" {
		status := domain.ParseStatus(s)
		if !status.IsValid() {
			BadRequest(w, "invalid status")
			return
		}
		filter.Status = status
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit", defaultListLimit); err != nil {
		BadRequest(w, "invalid limit")
		return
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		BadRequest(w, "invalid offset")
		return
	}

	projects, err := h.store.ListProjects(r.Context(), filter)
	if HandleError(w, h.logger, err, "") {
		return
	}

	result := make([]orchestrator.Report, len(projects))
	for i := range projects {
		result[i] = orchestrator.BuildReport(&projects[i])
	}

	List(w, result, len(result))
}

// CreateProject создаёт проект и запускает конвейер.
// POST /api/v1/projects
//
// 201 — стартовое сообщение опубликовано; 202 — проект создан, старт
// отложен до recovery sweeper'а.
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	p, err := h.launcher.Launch(r.Context(), req.Input())
	if errors.Is(err, orchestrator.ErrStartDeferred) {
		h.logger.Warn("project start deferred", "project_id", p.ID, "error", err)
		Accepted(w, ProjectFromDomain(p))
		return
	}
	if HandleError(w, h.logger, err, "") {
		return
	}

	Created(w, ProjectFromDomain(p))
}

// GetProject возвращает проект.
// GET /api/v1/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	p, err := h.store.GetProject(r.Context(), id)
	if HandleError(w, h.logger, err, "project not found") {
		return
	}

	Success(w, ProjectFromDomain(p))
}

// CancelProject отменяет проект.
// POST /api/v1/projects/{id}/cancel
func (h *Handler) CancelProject(w http.ResponseWriter, r *http.Request) {
	id, ok := projectID(w, r)
	if !ok {
		return
	}

	var req CancelProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		BadRequest(w, "invalid request body")
		return
	}

	p, err := h.launcher.Cancel(r.Context(), id, req.Reason)
	if HandleError(w, h.logger, err, "project not found") {
		return
	}

	Success(w, ProjectFromDomain(p))
}

func projectID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, "invalid project id")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt разбирает неотрицательный целый query параметр.
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key)
	}
	return n, nil
}
