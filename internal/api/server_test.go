package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertguss/serialforge/internal/assembler"
	"github.com/robertguss/serialforge/internal/backend"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/jobs"
	"github.com/robertguss/serialforge/internal/logging"
	"github.com/robertguss/serialforge/internal/metrics"
	"github.com/robertguss/serialforge/internal/pipeline"
	"github.com/robertguss/serialforge/internal/quality"
	"github.com/robertguss/serialforge/internal/storage"
	"github.com/robertguss/serialforge/internal/testutil"
)

const testKey = "test-api-key"

type testAPI struct {
	srv    *httptest.Server
	store  *storage.SQLiteStorage
	jobs   *jobs.Manager
	server *Server
}

type apiOption func(*apiSetup)

type apiSetup struct {
	start bool
	reg   *prometheus.Registry
}

func started() apiOption { return func(s *apiSetup) { s.start = true } }

func withRegistry(reg *prometheus.Registry) apiOption {
	return func(s *apiSetup) { s.reg = reg }
}

func newTestAPI(t *testing.T, opts ...apiOption) *testAPI {
	t.Helper()
	var setup apiSetup
	for _, o := range opts {
		o(&setup)
	}

	cfg := testutil.NewTestConfig(t)
	cfg.Server.APIKey = testKey
	s := testutil.NewTestStorage(t)
	logger := logging.Discard()
	b := backend.NewScripted()

	deps := jobs.Deps{
		Store:     s,
		Assembler: assembler.New(s, cfg.Context, logger),
		Pipeline:  pipeline.New(b, cfg.Pipeline, nil, logger),
		Quality:   quality.NewRunner(s, b, cfg.Quality, nil, logger),
		Logger:    logger,
	}
	apiDeps := Deps{Store: s, Logger: logger}
	if setup.reg != nil {
		deps.Metrics = metrics.NewPrometheus(setup.reg, "")
		apiDeps.Metrics = setup.reg
	}

	m := jobs.NewManager(cfg.Jobs, deps)
	apiDeps.Jobs = m
	server := NewServer(cfg.Server, apiDeps)
	m.AddSink(server.Hub())

	if setup.start {
		require.NoError(t, m.Start(context.Background()))
	}

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(func() {
		server.Hub().Close()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return &testAPI{srv: srv, store: s, jobs: m, server: server}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequest(method, a.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (a *testAPI) createProject(t *testing.T) *domain.Project {
	t.Helper()
	resp := a.do(t, "POST", "/api/projects", map[string]any{
		"title":          "The Ember Throne",
		"genre":          "fantasy",
		"synopsis":       "A smith's apprentice inherits a burning crown.",
		"total_chapters": 40,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[*domain.Project](t, resp)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	resp, err := a.srv.Client().Get(a.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode, "health needs no api key")
	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_RequiresKey(t *testing.T) {
	a := newTestAPI(t)

	resp, err := a.srv.Client().Get(a.srv.URL + "/api/projects")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, domain.CodeUnauthorized, body.Code)
}

func TestProjects(t *testing.T) {
	a := newTestAPI(t)

	p := a.createProject(t)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, domain.ProjectActive, p.Status)
	assert.Zero(t, p.CurrentChapter)

	t.Run("get", func(t *testing.T) {
		resp := a.do(t, "GET", "/api/projects/"+p.ID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		got := decode[*domain.Project](t, resp)
		assert.Equal(t, "The Ember Throne", got.Title)
	})

	t.Run("list", func(t *testing.T) {
		resp := a.do(t, "GET", "/api/projects?status=active", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[struct {
			Projects []*domain.Project `json:"projects"`
			Count    int               `json:"count"`
		}](t, resp)
		assert.Equal(t, 1, body.Count)
	})

	t.Run("unknown project", func(t *testing.T) {
		resp := a.do(t, "GET", "/api/projects/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, domain.CodeNotFound, decode[errorBody](t, resp).Code)
	})

	t.Run("pause and resume", func(t *testing.T) {
		resp := a.do(t, "POST", "/api/projects/"+p.ID+"/status", map[string]string{"status": "paused"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, domain.ProjectPaused, decode[*domain.Project](t, resp).Status)

		resp = a.do(t, "POST", "/api/projects/"+p.ID+"/jobs", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "paused projects take no jobs")

		resp = a.do(t, "POST", "/api/projects/"+p.ID+"/status", map[string]string{"status": "active"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestCreateProject_Validation(t *testing.T) {
	a := newTestAPI(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"missing title", map[string]any{"genre": "fantasy"}, "Title"},
		{"missing genre", map[string]any{"title": "x"}, "Genre"},
		{"negative chapters", map[string]any{"title": "x", "genre": "y", "total_chapters": -1}, "TotalChapters"},
		{"unknown field", `{"title":"x","genre":"y","colour":"red"}`, "body"},
		{"malformed json", `{"title":`, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := a.do(t, "POST", "/api/projects", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body := decode[errorBody](t, resp)
			assert.Equal(t, domain.CodeValidation, body.Code)
			assert.True(t, strings.HasPrefix(body.Error, tt.field), body.Error)
		})
	}

	t.Run("bad status", func(t *testing.T) {
		p := a.createProject(t)
		resp := a.do(t, "POST", "/api/projects/"+p.ID+"/status", map[string]string{"status": "archived"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestStartJob_Conflict(t *testing.T) {
	// workers not started, so the first job stays pending
	a := newTestAPI(t)
	p := a.createProject(t)

	resp := a.do(t, "POST", "/api/projects/"+p.ID+"/jobs", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	first := decode[map[string]string](t, resp)["job_id"]
	require.NotEmpty(t, first)

	resp = a.do(t, "POST", "/api/projects/"+p.ID+"/jobs", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode[errorBody](t, resp)
	assert.Equal(t, domain.CodeConflict, body.Code)
	assert.Equal(t, first, body.JobID)

	t.Run("stop the pending job", func(t *testing.T) {
		resp := a.do(t, "POST", "/api/jobs/"+first+"/stop", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, domain.JobStopped, decode[*domain.Job](t, resp).Status)

		resp = a.do(t, "POST", "/api/projects/"+p.ID+"/jobs", nil)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode, "a stopped job frees the project")
	})

	t.Run("list jobs newest first", func(t *testing.T) {
		resp := a.do(t, "GET", "/api/projects/"+p.ID+"/jobs", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[struct {
			Jobs []*domain.Job `json:"jobs"`
		}](t, resp)
		require.Len(t, body.Jobs, 2)
		assert.Equal(t, domain.JobPending, body.Jobs[0].Status)
		assert.Equal(t, domain.JobStopped, body.Jobs[1].Status)
	})

	t.Run("unknown job", func(t *testing.T) {
		for _, path := range []string{"/api/jobs/nope", "/api/jobs/nope/attempts"} {
			resp := a.do(t, "GET", path, nil)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		}
	})
}

func TestJobLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := newTestAPI(t, started(), withRegistry(reg))
	p := a.createProject(t)

	resp := a.do(t, "POST", "/api/projects/"+p.ID+"/jobs", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	jobID := decode[map[string]string](t, resp)["job_id"]

	var job *domain.Job
	require.Eventually(t, func() bool {
		resp := a.do(t, "GET", "/api/jobs/"+jobID, nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		job = decode[*domain.Job](t, resp)
		return job.Status == domain.JobCompleted
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, domain.ProgressFinished, job.Progress)

	t.Run("attempts", func(t *testing.T) {
		resp := a.do(t, "GET", "/api/jobs/"+jobID+"/attempts", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[struct {
			Attempts []*domain.Attempt `json:"attempts"`
		}](t, resp)
		require.Len(t, body.Attempts, 1)
		assert.True(t, body.Attempts[0].Accepted)
	})

	t.Run("chapters", func(t *testing.T) {
		resp := a.do(t, "GET", "/api/projects/"+p.ID+"/chapters", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[struct {
			Chapters []*domain.Chapter `json:"chapters"`
			Current  int               `json:"current"`
		}](t, resp)
		require.Len(t, body.Chapters, 1)
		assert.Equal(t, 1, body.Current)
		assert.Empty(t, body.Chapters[0].Content, "listing omits chapter text")

		resp = a.do(t, "GET", "/api/projects/"+p.ID+"/chapters/1", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		ch := decode[*domain.Chapter](t, resp)
		assert.Equal(t, backend.MockTitle(1), ch.Title)
		assert.NotEmpty(t, ch.Content)
	})

	t.Run("chapter lookups", func(t *testing.T) {
		tests := []struct {
			path string
			want int
		}{
			{"/api/projects/" + p.ID + "/chapters/2", http.StatusNotFound},
			{"/api/projects/" + p.ID + "/chapters/zero", http.StatusBadRequest},
			{"/api/projects/" + p.ID + "/chapters/0", http.StatusBadRequest},
			{"/api/projects/" + p.ID + "/chapters?before=x", http.StatusBadRequest},
		}
		for _, tt := range tests {
			resp := a.do(t, "GET", tt.path, nil)
			assert.Equal(t, tt.want, resp.StatusCode, tt.path)
		}
	})

	t.Run("stopping a finished job changes nothing", func(t *testing.T) {
		resp := a.do(t, "POST", "/api/jobs/"+jobID+"/stop", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, domain.JobCompleted, decode[*domain.Job](t, resp).Status)
	})

	t.Run("stats", func(t *testing.T) {
		resp := a.do(t, "GET", "/api/stats", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[map[string]any](t, resp)
		assert.EqualValues(t, 1, body["completed"])
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := a.srv.Client().Get(a.srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		data, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(data), "serialforge_jobs_created_total 1")
	})
}

func TestMetrics_DisabledWithoutGatherer(t *testing.T) {
	a := newTestAPI(t)
	resp, err := a.srv.Client().Get(a.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&domain.AuthorizationError{}, http.StatusUnauthorized},
		{&domain.ValidationError{Message: "x"}, http.StatusBadRequest},
		{domain.ErrNotFound, http.StatusNotFound},
		{&domain.ConflictError{ProjectID: "p"}, http.StatusConflict},
		{&domain.TimeoutError{JobID: "j"}, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(domain.ErrorCode(tt.err)), "%v", tt.err)
	}

	t.Run("internal errors are not echoed", func(t *testing.T) {
		rr := httptest.NewRecorder()
		respondError(rr, io.ErrUnexpectedEOF)
		body := decode[errorBody](t, rr.Result())
		assert.Equal(t, "internal error", body.Error)
		assert.Equal(t, domain.CodeInternal, body.Code)
	})
}
