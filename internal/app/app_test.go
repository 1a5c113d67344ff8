package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/logging"
	"github.com/robertguss/serialforge/internal/testutil"
	"github.com/robertguss/serialforge/internal/trigger"
)

const testKey = "app-test-key"

func newTestApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg := testutil.NewTestConfig(t)
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Server.APIKey = testKey
	cfg.Jobs.SweepInterval = 0
	if mutate != nil {
		mutate(cfg)
	}

	a, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func apiRequest(t *testing.T, a *App, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, "http://"+a.Addr()+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestApp_EndToEnd(t *testing.T) {
	_, nc := testutil.StartEmbeddedNATS(t)

	a := newTestApp(t, func(cfg *config.Config) {
		cfg.NATS.Enabled = true
		cfg.NATS.URL = nc.ConnectedUrl()
	})
	require.NoError(t, a.Start(context.Background()))
	require.NotEmpty(t, a.Addr())

	events := make(chan *nats.Msg, 64)
	sub, err := nc.ChanSubscribe(config.New().NATS.EventPrefix+".>", events)
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.NoError(t, nc.Flush())

	resp := apiRequest(t, a, "POST", "/api/projects", map[string]any{
		"title":          "The Ember Throne",
		"genre":          "fantasy",
		"total_chapters": 10,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var project domain.Project
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&project))

	// start through the scheduler trigger
	data, err := json.Marshal(trigger.Request{ProjectID: project.ID})
	require.NoError(t, err)
	reply, err := nc.Request(config.New().NATS.StartSubject, data, 5*time.Second)
	require.NoError(t, err)
	var started trigger.Response
	require.NoError(t, json.Unmarshal(reply.Data, &started))
	require.Empty(t, started.Error)
	require.NotEmpty(t, started.JobID)

	require.Eventually(t, func() bool {
		job, err := a.Jobs().Get(context.Background(), started.JobID)
		return err == nil && job.Status == domain.JobCompleted
	}, 10*time.Second, 20*time.Millisecond)

	resp = apiRequest(t, a, "GET", "/api/projects/"+project.ID+"/chapters/1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = apiRequest(t, a, "GET", "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case msg := <-events:
		assert.Contains(t, msg.Subject, project.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no job event published over nats")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
	assert.NoError(t, a.Shutdown(ctx), "second shutdown is a no-op")
}

func TestApp_APIDisabled(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Server.Enabled = false
		cfg.Metrics.Enabled = false
	})
	require.NoError(t, a.Start(context.Background()))
	assert.Empty(t, a.Addr())
	assert.Nil(t, a.api)
	assert.Nil(t, a.registry)

	assert.Error(t, a.Start(context.Background()), "second start is refused")
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a := newTestApp(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return a.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	cfg := testutil.NewTestConfig(t)
	cfg.Backend.Provider = "carrier-pigeon"

	_, err := New(cfg, logging.Discard())
	assert.Error(t, err)
}
