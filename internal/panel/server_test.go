package panel

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowchat/internal/engine"
	"github.com/rendis/flowchat/internal/store"
	"github.com/rendis/flowchat/internal/streaming"
	"github.com/rendis/flowchat/pkg/schema"
)

// fakeEngine records calls and serves canned data.
type fakeEngine struct {
	mu        sync.Mutex
	defs      map[int64]*schema.Definition
	insts     map[int64]*schema.RunInstance
	logs      map[int64][]*schema.ExecutionLogEntry
	waiting   map[int64]bool
	inputs    []string
	lastInput map[string]any
	lastIF    store.InstanceFilter
}

func newFakeEngine(t *testing.T) *fakeEngine {
	def, err := schema.ParseDefinition([]byte(`{
	  "name": "greeter",
	  "nodes": [
	    {"nodeKey": "s", "type": "start"},
	    {"nodeKey": "ask", "name": "Ask", "type": "user_input"},
	    {"nodeKey": "e", "type": "end"}
	  ],
	  "transitions": [{"fromNodeKey": "s", "toNodeKey": "ask"}, {"fromNodeKey": "ask", "toNodeKey": "e"}]
	}`))
	require.NoError(t, err)
	def.ID = 1

	return &fakeEngine{
		defs: map[int64]*schema.Definition{1: def},
		insts: map[int64]*schema.RunInstance{
			7: {ID: 7, DefinitionID: 1, Status: schema.RunWaiting, CurrentNodeKey: "ask"},
			8: {ID: 8, DefinitionID: 1, Status: schema.RunCompleted},
		},
		logs: map[int64][]*schema.ExecutionLogEntry{
			7: {
				{InstanceID: 7, NodeKey: "s", NodeType: schema.NodeStart, Status: schema.LogSuccess},
				{InstanceID: 7, NodeKey: "ask", NodeType: schema.NodeUserInput, Status: schema.LogFailed, ErrorMessage: "x"},
			},
		},
		waiting: map[int64]bool{7: true},
	}
}

func notFound(what string, id int64) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %d not found", what, id)
}

func (f *fakeEngine) DefineWorkflow(_ context.Context, raw []byte) (*schema.Definition, *schema.ValidationResult, error) {
	result := &schema.ValidationResult{}
	def, err := schema.ParseDefinition(raw)
	if err != nil {
		result.AddError("", schema.ErrCodeDefinition, err.Error())
		return nil, result, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	def.ID = int64(len(f.defs) + 1)
	f.defs[def.ID] = def
	return def, result, nil
}

func (f *fakeEngine) GetDefinition(_ context.Context, id int64) (*schema.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.defs[id]; ok {
		return d, nil
	}
	return nil, notFound("definition", id)
}

func (f *fakeEngine) ListDefinitions(context.Context, store.DefinitionFilter) ([]*schema.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*schema.Definition
	for _, d := range f.defs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeEngine) DeleteDefinition(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[id]; !ok {
		return notFound("definition", id)
	}
	delete(f.defs, id)
	return nil
}

func (f *fakeEngine) StartRun(_ context.Context, definitionID int64, input map[string]any) (*schema.RunInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.defs[definitionID]; !ok {
		return nil, notFound("definition", definitionID)
	}
	f.lastInput = input
	inst := &schema.RunInstance{ID: 99, DefinitionID: definitionID, Status: schema.RunPending, InputParams: input}
	f.insts[inst.ID] = inst
	return inst, nil
}

func (f *fakeEngine) GetInstance(_ context.Context, id int64) (*schema.RunInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i, ok := f.insts[id]; ok {
		return i, nil
	}
	return nil, notFound("instance", id)
}

func (f *fakeEngine) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*schema.RunInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastIF = filter
	return []*schema.RunInstance{f.insts[7], f.insts[8]}, nil
}

func (f *fakeEngine) ListExecutionLogs(_ context.Context, id int64) ([]*schema.ExecutionLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.insts[id]; !ok {
		return nil, notFound("instance", id)
	}
	return f.logs[id], nil
}

func (f *fakeEngine) SubmitUserInput(_ context.Context, id int64, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.waiting[id] {
		return false
	}
	f.waiting[id] = false
	f.inputs = append(f.inputs, text)
	return true
}

func (f *fakeEngine) Waiting(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waiting[id]
}

func (f *fakeEngine) Metrics() engine.Metrics {
	return engine.Metrics{Waiting: 1}
}

func (f *fakeEngine) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

type staticStats map[string]any

func (s staticStats) Stats() map[string]any { return s }

func newTestServer(t *testing.T) (*httptest.Server, *fakeEngine, *streaming.MemoryHub) {
	t.Helper()
	eng := newFakeEngine(t)
	hub := streaming.NewMemoryHub()
	srv := httptest.NewServer(NewServer(Deps{
		Engine:  eng,
		Hub:     hub,
		Sweeper: staticStats{"sweeps": 3},
	}).Handler())
	t.Cleanup(srv.Close)
	return srv, eng, hub
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestDefine(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/definitions",
		`{"name": "two", "nodes": [{"nodeKey": "s", "type": "start"}]}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "two", body["definition"].(map[string]any)["name"])

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/definitions", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeDefinition, body["code"])
	assert.NotEmpty(t, body["validation"].(map[string]any)["errors"])
}

func TestDefinitionRoutes(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/definitions/1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "greeter", body["name"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/definitions/42", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/definitions/abc", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/definitions?filter=.%5B%5D.name", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/definitions/1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/definitions/1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDiagram(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/definitions/1/diagram")
	require.NoError(t, err)
	raw, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(raw), "flowchart TD"))
	assert.Contains(t, string(raw), `n_ask[/"Ask<br/>(user_input)"/]`)

	resp, err = http.Get(srv.URL + "/api/definitions/1/diagram?format=ascii")
	require.NoError(t, err)
	raw, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(raw), "=== greeter ===")

	resp, err = http.Get(srv.URL + "/api/instances/7/diagram")
	require.NoError(t, err)
	raw, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(raw), "class n_s visited")
	assert.Contains(t, string(raw), "class n_ask waiting")

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/definitions/1/diagram?format=gif", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStartRun(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/definitions/1/runs", `{"name": "Ada", "n": 3}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, map[string]any{"name": "Ada", "n": json.Number("3")}, eng.lastInput)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/definitions/1/runs", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "empty body means no input")

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/definitions/1/runs", `[1]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/definitions/5/runs", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInstanceQueries(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/instances/7", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["awaitingInput"])
	assert.Equal(t, "ask", body["currentNodeKey"])

	resp, err := http.Get(srv.URL + "/api/instances?status=WAITING&definition_id=1&limit=5&filter=" +
		"%5B.%5B%5D%20%7C%20.id%5D")
	require.NoError(t, err)
	var ids []int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ids))
	resp.Body.Close()
	assert.Equal(t, []int{7, 8}, ids)
	require.NotNil(t, eng.lastIF.Status)
	assert.Equal(t, schema.RunWaiting, *eng.lastIF.Status)
	assert.Equal(t, int64(1), eng.lastIF.DefinitionID)
	assert.Equal(t, 5, eng.lastIF.Limit)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/instances?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + `/api/instances/7/logs?filter=` + "%5B.%5B%5D%20%7C%20select(.status%20%3D%3D%20%22failed%22)%20%7C%20.nodeKey%5D")
	require.NoError(t, err)
	var keys []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&keys))
	resp.Body.Close()
	assert.Equal(t, []string{"ask"}, keys)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/instances/7/logs?filter=%7B%7B", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeExpressionParse, body["code"])

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/instances/404/logs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubmitInput(t *testing.T) {
	srv, eng, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/instances/7/input", `{"content": "hello"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, []string{"hello"}, eng.submitted())

	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/instances/7/input", `{"content": "again"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, false, body["accepted"])

	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/instances/7/input", `nope`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["engine"].(map[string]any)["waiting"])
	assert.Equal(t, float64(3), body["sweeper"].(map[string]any)["sweeps"])
}

func TestRequestID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/metrics", "")
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/metrics", nil)
	req.Header.Set("X-Request-ID", "req-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-1", resp.Header.Get("X-Request-ID"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{schema.ErrCodeNotFound, http.StatusNotFound},
		{schema.ErrCodeValidation, http.StatusBadRequest},
		{schema.ErrCodeDefinition, http.StatusBadRequest},
		{schema.ErrCodeConflict, http.StatusConflict},
		{schema.ErrCodeNotWaiting, http.StatusConflict},
		{schema.ErrCodeStore, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(schema.NewError(tt.code, "x")), tt.code)
	}
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.EOF))
}

func TestSSE_FlushesQueuedEvents(t *testing.T) {
	srv, _, hub := newTestServer(t)
	ctx := context.Background()

	// Published before any client connects: queued.
	require.NoError(t, hub.SendMessage(ctx, 7, schema.RoleAssistant, "welcome", "bot"))

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req, _ := http.NewRequestWithContext(reqCtx, http.MethodGet, srv.URL+"/sse/instances/7", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan schema.ChatEvent, 4)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			line := sc.Text()
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				var e schema.ChatEvent
				if json.Unmarshal([]byte(data), &e) == nil {
					events <- e
				}
			}
		}
	}()

	first := <-events
	assert.Equal(t, schema.EventMessage, first.Type)
	assert.Equal(t, "welcome", first.Content)
	assert.Equal(t, "bot", first.Nickname)

	require.Eventually(t, func() bool { return hub.HasActiveConnection(7) }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.SendStatus(ctx, 7, schema.ChatStatusCompleted))
	select {
	case e := <-events:
		assert.Equal(t, schema.EventStatus, e.Type)
		assert.Equal(t, schema.ChatStatusCompleted, e.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("status event not received")
	}
}

func TestSSE_UnknownInstance(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/sse/instances/404", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocket_Chat(t *testing.T) {
	srv, eng, hub := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, hub.SendMessage(ctx, 7, schema.RoleAssistant, "请输入您的消息：", "系统"))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/instances/7"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var queued schema.ChatEvent
	require.NoError(t, conn.ReadJSON(&queued))
	assert.Equal(t, "请输入您的消息：", queued.Content)

	require.NoError(t, conn.WriteJSON(schema.InboundFrame{Type: schema.FrameUserInput, Content: "hi"}))
	var ack schema.InputAck
	require.NoError(t, conn.ReadJSON(&ack))
	assert.True(t, ack.Accepted)
	assert.Equal(t, []string{"hi"}, eng.submitted())

	require.NoError(t, conn.WriteJSON(schema.InboundFrame{Type: schema.FrameUserInput, Content: "late"}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.False(t, ack.Accepted)
	assert.NotEmpty(t, ack.Error)

	require.NoError(t, conn.WriteJSON(schema.InboundFrame{Type: schema.FramePing}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "pong", ack.Type)

	require.NoError(t, conn.WriteJSON(schema.InboundFrame{Type: "dance"}))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "unsupported frame type", ack.Error)

	require.NoError(t, hub.SendStatus(ctx, 7, schema.ChatStatusRunning))
	var status schema.ChatEvent
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, schema.ChatStatusRunning, status.Status)
}

func TestWebSocket_UnknownInstance(t *testing.T) {
	srv, _, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/instances/404"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
