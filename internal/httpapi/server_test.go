package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/assistkit/recall/internal/archive"
	"github.com/assistkit/recall/internal/audit"
	"github.com/assistkit/recall/internal/config"
	"github.com/assistkit/recall/internal/controller"
	"github.com/assistkit/recall/internal/conversation"
	"github.com/assistkit/recall/internal/notify"
	"github.com/assistkit/recall/internal/todo"
)

type testEnv struct {
	server *httptest.Server
	store  *archive.InMemoryStore
	hub    *notify.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cache, err := audit.NewCache(t.TempDir())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	conv := conversation.NewStore(5, 30*24*time.Hour)
	todos, err := todo.NewStore(0.6)
	if err != nil {
		t.Fatalf("todo.NewStore: %v", err)
	}
	store := archive.NewInMemoryStore()
	archiver := archive.NewArchiver(cache, store, archive.Options{})
	hub := notify.NewHub()
	ctrl := controller.New(conv, cache, nil)

	srv := New(config.Config{AllowAnyOrigin: true}, ctrl, conv, todos, archiver, hub, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: store, hub: hub}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	resp, err := http.Post(e.server.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp := env.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestRecordTurnAndWindow(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/v1/turns", map[string]any{"user_id": "alice", "role": "user", "text": "hello"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /v1/turns = %d, want 201", resp.StatusCode)
	}
	var turn conversation.Turn
	decodeBody(t, resp, &turn)
	if turn.SequenceNo != 1 {
		t.Fatalf("sequence = %d, want 1", turn.SequenceNo)
	}

	resp = env.get(t, "/v1/memory/alice/window")
	var window struct {
		Turns []conversation.Turn `json:"turns"`
	}
	decodeBody(t, resp, &window)
	if len(window.Turns) != 1 || window.Turns[0].Text != "hello" {
		t.Fatalf("window = %+v, want the recorded turn", window.Turns)
	}
}

func TestRecordTurnValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []map[string]any{
		{"role": "user", "text": "no user"},
		{"user_id": "alice", "role": "narrator", "text": "bad role"},
		{"user_id": "alice", "role": "user"},
	}
	for _, body := range cases {
		resp := env.post(t, "/v1/turns", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("POST %v = %d, want 400", body, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestResetClearsWindow(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/v1/turns", map[string]any{"user_id": "alice", "role": "user", "text": "ephemeral"}).Body.Close()

	resp := env.post(t, "/v1/memory/alice/reset", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST reset = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get(t, "/v1/memory/alice/window")
	var window struct {
		Turns []conversation.Turn `json:"turns"`
	}
	decodeBody(t, resp, &window)
	if len(window.Turns) != 0 {
		t.Fatalf("window after reset = %+v, want empty", window.Turns)
	}
}

func TestTodoLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/v1/todos", map[string]any{"user_id": "alice", "text": "buy milk"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /v1/todos = %d, want 201", resp.StatusCode)
	}
	var item todo.Item
	decodeBody(t, resp, &item)

	resp = env.post(t, "/v1/todos", map[string]any{"user_id": "alice", "text": "Buy Milk "})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate POST = %d, want 409", resp.StatusCode)
	}
	var dup struct {
		ExistingID string `json:"existing_id"`
	}
	decodeBody(t, resp, &dup)
	if dup.ExistingID != item.ID {
		t.Fatalf("existing_id = %s, want %s", dup.ExistingID, item.ID)
	}

	resp = env.post(t, "/v1/todos/"+item.ID+"/complete?user_id=alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.get(t, "/v1/todos?user_id=alice&status=done")
	var list struct {
		Items []todo.Item `json:"items"`
	}
	decodeBody(t, resp, &list)
	if len(list.Items) != 1 || list.Items[0].Status != todo.StatusDone {
		t.Fatalf("done list = %+v, want the completed item", list.Items)
	}
}

func TestTodoValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/v1/todos", map[string]any{"user_id": "alice", "text": "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty text = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	resp = env.post(t, "/v1/todos/no-such-id/complete?user_id=alice", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("complete unknown = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestArchiveFlushEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.post(t, "/v1/turns", map[string]any{"user_id": "alice", "role": "user", "text": "archive me"}).Body.Close()

	// Today's partition is still collecting; only a forced flush takes it.
	resp := env.post(t, "/v1/archive/flush", nil)
	var res archive.FlushResult
	decodeBody(t, resp, &res)
	if res.Flushed != 0 {
		t.Fatalf("unforced flush = %+v, want nothing flushed", res)
	}

	resp = env.post(t, "/v1/archive/flush?force=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("forced flush = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &res)
	if res.Flushed != 1 {
		t.Fatalf("forced flush = %+v, want one partition", res)
	}

	resp = env.get(t, "/v1/archive/summary")
	var sum archive.Summary
	decodeBody(t, resp, &sum)
	if sum.Archived != 1 || sum.Pending != 0 {
		t.Fatalf("summary = %+v, want one archived object", sum)
	}
}

func TestRemindersWebsocket(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/v1/reminders/ws?user_id=alice"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.hub.Notify(notify.Reminder{UserID: "alice", TodoID: "t1", Text: "submit report", SentAt: time.Now().UTC()})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var rem notify.Reminder
	if err := conn.ReadJSON(&rem); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if rem.TodoID != "t1" {
		t.Fatalf("reminder = %+v", rem)
	}
}
