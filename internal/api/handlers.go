package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/storage"
)

type createProjectRequest struct {
	Title           string `json:"title" validate:"required,max=200"`
	Genre           string `json:"genre" validate:"required,max=64"`
	Synopsis        string `json:"synopsis" validate:"max=20000"`
	TotalChapters   int    `json:"total_chapters" validate:"min=0,max=10000"`
	TargetWordCount int    `json:"target_word_count" validate:"min=0,max=20000"`
	MasterOutline   string `json:"master_outline" validate:"max=200000"`
}

type projectStatusRequest struct {
	Status domain.ProjectStatus `json:"status" validate:"required,oneof=active paused"`
}

// check runs struct validation and reports the first failing field
func (s *Server) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &domain.ValidationError{
			Field:   fe.Field(),
			Message: fmt.Sprintf("failed %q check", fe.Tag()),
		}
	}
	return &domain.ValidationError{Message: err.Error()}
}

// limitParam parses ?limit=, falling back to the default when absent or out of range
func limitParam(r *http.Request) int {
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= maxLimit {
			return n
		}
	}
	return defaultLimit
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Error("health check: storage unreachable", "error", err)
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	respondJSON(w, code, map[string]any{
		"status":  status,
		"clients": s.hub.ClientCount(),
		"time":    s.now().UTC().Format(time.RFC3339),
	})
}

// Projects

func (s *Server) createProjectHandler(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.check(&req); err != nil {
		respondError(w, err)
		return
	}

	now := s.now().UTC()
	p := &domain.Project{
		ID:              uuid.NewString(),
		Title:           req.Title,
		Genre:           req.Genre,
		Synopsis:        req.Synopsis,
		TotalChapters:   req.TotalChapters,
		Status:          domain.ProjectActive,
		MasterOutline:   req.MasterOutline,
		TargetWordCount: req.TargetWordCount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateProject(r.Context(), p); err != nil {
		s.logger.Error("failed to create project", "error", err)
		respondError(w, err)
		return
	}

	s.logger.Info("project created", "project_id", p.ID, "genre", p.Genre)
	respondJSON(w, http.StatusCreated, p)
}

func (s *Server) listProjectsHandler(w http.ResponseWriter, r *http.Request) {
	filter := &storage.ProjectFilter{Limit: limitParam(r)}
	if st := r.URL.Query().Get("status"); st != "" {
		filter.Status = domain.ProjectStatus(st)
	}

	projects, err := s.store.ListProjects(r.Context(), filter)
	if err != nil {
		respondError(w, err)
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"projects": projects,
		"count":    len(projects),
	})
}

func (s *Server) getProjectHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (s *Server) setProjectStatusHandler(w http.ResponseWriter, r *http.Request) {
	var req projectStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, err)
		return
	}
	if err := s.check(&req); err != nil {
		respondError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.store.UpdateProjectStatus(r.Context(), id, req.Status, s.now().UTC()); err != nil {
		respondError(w, err)
		return
	}
	p, err := s.store.GetProject(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// Jobs

func (s *Server) startJobHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	jobID, err := s.jobs.Create(r.Context(), projectID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id":     jobID,
		"project_id": projectID,
		"status":     string(domain.JobPending),
	})
}

func (s *Server) listJobsHandler(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")
	if _, err := s.store.GetProject(r.Context(), projectID); err != nil {
		respondError(w, err)
		return
	}

	list, err := s.jobs.ListJobs(r.Context(), projectID, limitParam(r))
	if err != nil {
		respondError(w, err)
		return
	}
	if list == nil {
		list = []*domain.Job{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"jobs":  list,
		"count": len(list),
	})
}

func (s *Server) getJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) stopJobHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) listAttemptsHandler(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.jobs.Attempts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if attempts == nil {
		attempts = []*domain.Attempt{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// Chapters

func (s *Server) listChaptersHandler(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}

	// ?before= pages backwards from the newest chapter
	before := p.CurrentChapter + 1
	if b := r.URL.Query().Get("before"); b != "" {
		n, err := strconv.Atoi(b)
		if err != nil || n < 1 {
			respondError(w, &domain.ValidationError{Field: "before", Message: "must be a positive chapter number"})
			return
		}
		before = n
	}

	chapters, err := s.store.ListChapters(r.Context(), storage.ChapterQuery{
		ProjectID: p.ID,
		Before:    before,
		Limit:     limitParam(r),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if chapters == nil {
		chapters = []*domain.Chapter{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"chapters": chapters,
		"count":    len(chapters),
		"current":  p.CurrentChapter,
	})
}

func (s *Server) getChapterHandler(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number < 1 {
		respondError(w, &domain.ValidationError{Field: "number", Message: "must be a positive chapter number"})
		return
	}

	ch, err := s.store.GetChapter(r.Context(), chi.URLParam(r, "id"), number)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ch)
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"total_jobs":     stats.TotalJobs,
		"completed":      stats.CompletedCount,
		"failed":         stats.FailedCount,
		"stopped":        stats.StoppedCount,
		"active":         stats.ActiveCount,
		"success_rate":   stats.SuccessRate,
		"avg_attempts":   stats.AvgAttempts,
		"total_chapters": stats.TotalChapters,
		"total_words":    stats.TotalWords,
		"jobs_by_day":    stats.JobsByDay,
	})
}
