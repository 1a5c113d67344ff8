package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertguss/serialforge/internal/domain"
	"github.com/robertguss/serialforge/internal/jobs"
	"github.com/robertguss/serialforge/internal/logging"
)

type eventMessage struct {
	Type string     `json:"type"`
	Data jobs.Event `json:"data"`
}

func dialHub(t *testing.T, hub *Hub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) eventMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg eventMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func progressEvent(projectID string, progress int) jobs.Event {
	return jobs.Event{
		Type:      jobs.EventProgress,
		JobID:     "job-" + projectID,
		ProjectID: projectID,
		Status:    domain.JobRunning,
		Progress:  progress,
		Time:      time.Now(),
	}
}

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub(nil, logging.Discard())
	conn := dialHub(t, hub, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(progressEvent("p1", 30))

	msg := readMessage(t, conn)
	assert.Equal(t, string(jobs.EventProgress), msg.Type)
	assert.Equal(t, "p1", msg.Data.ProjectID)
	assert.Equal(t, 30, msg.Data.Progress)
}

func TestHub_ProjectFilter(t *testing.T) {
	t.Run("query parameter", func(t *testing.T) {
		hub := NewHub(nil, logging.Discard())
		conn := dialHub(t, hub, "?project_id=p2")
		require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

		hub.Publish(progressEvent("p1", 10))
		hub.Publish(progressEvent("p2", 20))

		msg := readMessage(t, conn)
		assert.Equal(t, "p2", msg.Data.ProjectID)
	})

	t.Run("subscribe command", func(t *testing.T) {
		hub := NewHub(nil, logging.Discard())
		conn := dialHub(t, hub, "")
		require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

		ctx := context.Background()
		require.NoError(t, wsjson.Write(ctx, conn, inbound{Type: "subscribe", ProjectID: "p3"}))
		// commands are handled in order, so the pong proves the subscription landed
		require.NoError(t, wsjson.Write(ctx, conn, inbound{Type: "ping"}))
		assert.Equal(t, "pong", readMessage(t, conn).Type)

		hub.Publish(progressEvent("p1", 10))
		hub.Publish(progressEvent("p3", 40))

		msg := readMessage(t, conn)
		assert.Equal(t, "p3", msg.Data.ProjectID)
	})
}

func TestHub_Close(t *testing.T) {
	hub := NewHub(nil, logging.Discard())
	conn := dialHub(t, hub, "")
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// the close handshake needs this side reading
	closed := make(chan struct{})
	go func() {
		hub.Close()
		close(closed)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))

	<-closed
	assert.Zero(t, hub.ClientCount())

	// publishing after close is a no-op
	assert.NotPanics(t, func() { hub.Publish(progressEvent("p1", 50)) })
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"http://localhost:*"}, logging.Discard())
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWs))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Origin", "http://evil.com")
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{HTTPHeader: header})
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
	assert.Zero(t, hub.ClientCount())
}
