package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mirvoism/browser-automation-service/internal/agent"
	"github.com/mirvoism/browser-automation-service/internal/events"
	"github.com/mirvoism/browser-automation-service/internal/orchestrator"
	"github.com/mirvoism/browser-automation-service/internal/task"
)

func newTestServer(t *testing.T, ag agent.Agent) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()
	orch := orchestrator.New(ag, orchestrator.Config{MaxConcurrent: 2, TaskBudget: 5 * time.Second}, nil, nil)
	require.NoError(t, orch.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		orch.Shutdown(ctx)
	})

	s := New(Config{PingInterval: 50 * time.Millisecond, DefaultParams: task.DefaultParams()}, orch, nil)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts, orch
}

func echoAgent() agent.Agent {
	return agent.Func(func(ctx context.Context, command string, params task.Params, report agent.ProgressSink) (map[string]interface{}, error) {
		report("working", nil)
		return map[string]interface{}{"command": command, "model": params.LLMModel}, nil
	})
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func submit(t *testing.T, ts *httptest.Server, command string) string {
	t.Helper()
	resp := postJSON(t, ts.URL+"/api/execute", map[string]string{"command": command})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	decode(t, resp, &body)
	require.NotEmpty(t, body.TaskID)
	require.Equal(t, "pending", body.Status)
	return body.TaskID
}

func waitCompleted(t *testing.T, orch *orchestrator.Orchestrator, id string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := orch.GetTaskStatus(id)
		require.NoError(t, err)
		return s.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExecuteAndResult(t *testing.T) {
	ts, orch := newTestServer(t, echoAgent())

	id := submit(t, ts, "summarize the news")
	waitCompleted(t, orch, id)

	resp, err := http.Get(ts.URL + "/api/tasks/" + id)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var summary task.Summary
	decode(t, resp, &summary)
	assert.Equal(t, task.StatusCompleted, summary.Status)
	assert.Equal(t, "summarize the news", summary.Command)
	assert.Equal(t, task.DefaultParams(), summary.Params)

	resp, err = http.Get(ts.URL + "/api/tasks/" + id + "/result")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result struct {
		TaskID string                 `json:"task_id"`
		Result map[string]interface{} `json:"result"`
	}
	decode(t, resp, &result)
	assert.Equal(t, id, result.TaskID)
	assert.Equal(t, "summarize the news", result.Result["command"])
}

func TestExecuteValidation(t *testing.T) {
	ts, _ := newTestServer(t, echoAgent())

	resp := postJSON(t, ts.URL+"/api/execute", map[string]string{"command": "  "})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(ts.URL+"/api/execute", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/execute")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestExecuteParamOverrides(t *testing.T) {
	ts, orch := newTestServer(t, echoAgent())

	resp := postJSON(t, ts.URL+"/api/execute", map[string]string{
		"command":   "check prices",
		"llm_model": "qwen3:32b",
	})
	var body struct {
		TaskID string `json:"task_id"`
	}
	decode(t, resp, &body)
	waitCompleted(t, orch, body.TaskID)

	s, err := orch.GetTaskStatus(body.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "qwen3:32b", s.Params.LLMModel)
	assert.Equal(t, task.DefaultParams().LLMProvider, s.Params.LLMProvider)
}

func TestResultErrorMapping(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	ag := agent.Func(func(ctx context.Context, command string, params task.Params, report agent.ProgressSink) (map[string]interface{}, error) {
		if command == "fail" {
			return nil, fmt.Errorf("proxy refused the connection")
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	ts, orch := newTestServer(t, ag)

	// Unknown task.
	resp, err := http.Get(ts.URL + "/api/tasks/nope/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Not finished yet.
	running := submit(t, ts, "hang")
	require.Eventually(t, func() bool {
		s, _ := orch.GetTaskStatus(running)
		return s.Status == task.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	resp, err = http.Get(ts.URL + "/api/tasks/" + running + "/result")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Failed: the fault text comes back.
	failed := submit(t, ts, "fail")
	waitCompleted(t, orch, failed)
	resp, err = http.Get(ts.URL + "/api/tasks/" + failed + "/result")
	require.NoError(t, err)
	raw := make([]byte, 256)
	n, _ := resp.Body.Read(raw)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(raw[:n]), "proxy refused the connection")
}

func TestListTasks(t *testing.T) {
	ts, orch := newTestServer(t, echoAgent())

	var last string
	for i := 0; i < 3; i++ {
		last = submit(t, ts, fmt.Sprintf("task %d", i))
	}
	waitCompleted(t, orch, last)

	resp, err := http.Get(ts.URL + "/api/tasks?limit=2")
	require.NoError(t, err)
	var list struct {
		Tasks []*task.Task `json:"tasks"`
		Total int          `json:"total"`
	}
	decode(t, resp, &list)
	assert.Len(t, list.Tasks, 2)
	assert.Equal(t, 2, list.Total)

	resp, err = http.Get(ts.URL + "/api/tasks?limit=bogus")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancel(t *testing.T) {
	started := make(chan struct{}, 1)
	ag := agent.Func(func(ctx context.Context, command string, params task.Params, report agent.ProgressSink) (map[string]interface{}, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ts, orch := newTestServer(t, ag)

	id := submit(t, ts, "long run")
	<-started

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/tasks/"+id, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s, err := orch.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, s.Status)

	// Cancelling again conflicts.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/tasks/nope", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, echoAgent())

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status string                 `json:"status"`
		Stats  map[string]interface{} `json:"stats"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.Contains(t, body.Stats, "queue_stats")
}

func TestWebSocketUpdates(t *testing.T) {
	gate := make(chan struct{})
	ag := agent.Func(func(ctx context.Context, command string, params task.Params, report agent.ProgressSink) (map[string]interface{}, error) {
		<-gate
		report("stepping", nil)
		return map[string]interface{}{"ok": true}, nil
	})
	ts, orch := newTestServer(t, ag)

	id := submit(t, ts, "watched")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/updates?task_id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var greeting events.Envelope
	require.NoError(t, conn.ReadJSON(&greeting))
	assert.Equal(t, events.TypeConnection, greeting.Type)

	close(gate)
	waitCompleted(t, orch, id)

	var seen []string
	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		assert.Equal(t, id, env.TaskID)
		seen = append(seen, env.Type)
		if env.Type == events.TypeTaskCompleted {
			break
		}
	}
	assert.Contains(t, seen, events.TypeAgentStep)
	assert.Contains(t, seen, events.TypeTaskCompleted)
}

// TestStalledConnectionDoesNotBlockWrites verifies a client that never
// reads cannot back-pressure the publisher: WriteJSON queues or drops
// but never waits on the wire.
func TestStalledConnectionDoesNotBlockWrites(t *testing.T) {
	conns := make(chan *wsConn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- newWSConn(raw, time.Minute)
	}))
	defer ts.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	// The client side never reads.

	conn := <-conns
	defer conn.Close()

	// Far more data than the kernel buffers will absorb.
	payload := map[string]interface{}{"data": strings.Repeat("x", 256<<10)}
	start := time.Now()
	for i := 0; i < 200; i++ {
		require.NoError(t, conn.WriteJSON(payload))
	}
	assert.Less(t, time.Since(start), time.Second)

	// A closed connection reports the error so the broadcaster drops it.
	conn.Close()
	assert.Error(t, conn.WriteJSON(payload))
}
