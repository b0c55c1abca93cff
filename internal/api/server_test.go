package api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/internal/artifact"
	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/history"
	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/session"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, nil))
}

type fakeEngine struct {
	result *engine.Result
	err    error
}

func (f *fakeEngine) Execute(ctx context.Context, art *artifact.Artifact, timeout time.Duration) (*engine.Result, error) {
	return f.result, f.err
}

func newTestServer(t *testing.T, eng Executor) (*Server, artifact.Store, *history.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	artifacts, err := artifact.NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	hist, err := history.NewStore(db, 0)
	if err != nil {
		t.Fatal(err)
	}

	client := model.NewScripted("test-model", []model.Step{
		{Thinking: "hm", Text: "hello from loom"},
	})
	orch := session.New(client,
		session.WithRecorder(hist),
		session.WithLogger(quietLogger()),
	)

	srv := NewServer("", 0, orch, quietLogger())
	srv.SetArtifactStore(artifacts)
	srv.SetHistoryStore(hist)
	srv.SetEngine(eng)
	return srv, artifacts, hist
}

func TestExecuteEndpointSuccess(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{
		Success: true, Output: "hi\n", ReturnCode: 0, ExecutionTime: 0.05,
	}}
	srv, artifacts, hist := newTestServer(t, eng)

	art := &artifact.Artifact{ConversationID: "c1", Title: "demo", Language: "python", Content: "print('hi')"}
	if err := artifacts.Create(art); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/artifacts/"+art.ID+"/execute", "application/json",
		bytes.NewReader([]byte(`{"timeout": 10}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.ArtifactID != art.ID || body.Language != "python" {
		t.Errorf("body = %+v", body)
	}
	if !body.Execution.Success || !strings.Contains(body.Execution.Output, "hi") {
		t.Errorf("execution = %+v", body.Execution)
	}

	// A completed attempt lands in the executions feed.
	records, err := hist.RecentExecutions(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ArtifactID != art.ID {
		t.Errorf("records = %+v", records)
	}
}

func TestExecuteEndpointTimeoutIs200(t *testing.T) {
	eng := &fakeEngine{result: &engine.Result{
		Success:       false,
		Error:         "execution timeout after 2s",
		ErrorKind:     engine.KindTimeout,
		ReturnCode:    -1,
		ExecutionTime: 2.1,
	}}
	srv, artifacts, _ := newTestServer(t, eng)

	art := &artifact.Artifact{ConversationID: "c1", Language: "python", Content: "while True: pass"}
	if err := artifacts.Create(art); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/artifacts/"+art.ID+"/execute", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 for completed-but-failed attempt", resp.StatusCode)
	}

	var body ExecuteResponse
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Execution.ReturnCode != -1 || !strings.Contains(body.Execution.Error, "timeout") {
		t.Errorf("execution = %+v", body.Execution)
	}
}

func TestExecuteEndpointNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/artifacts/ghost/execute", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	msg := body["error"].(map[string]any)["message"].(string)
	if !strings.Contains(msg, "Artifact not found") {
		t.Errorf("message = %q", msg)
	}
}

func TestExecuteEndpointUnexecutableIs400(t *testing.T) {
	eng := &fakeEngine{err: &engine.UnexecutableError{Type: "markdown"}}
	srv, artifacts, _ := newTestServer(t, eng)

	art := &artifact.Artifact{ConversationID: "c1", Language: "markdown", Content: "# notes"}
	if err := artifacts.Create(art); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/artifacts/"+art.ID+"/execute", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	msg := body["error"].(map[string]any)["message"].(string)
	if !strings.Contains(msg, "markdown") {
		t.Errorf("400 message should name the artifact type, got %q", msg)
	}
}

func TestChatStreamSSE(t *testing.T) {
	srv, _, hist := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat/stream", "application/json",
		bytes.NewReader([]byte(`{"conversation_id": "conv-1", "message": "hi"}`)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	var eventNames []string
	var assistantText strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventNames = append(eventNames, strings.TrimPrefix(line, "event: "))
		case strings.HasPrefix(line, "data: "):
			if len(eventNames) > 0 && eventNames[len(eventNames)-1] == "message_delta" {
				var delta struct {
					Content string `json:"content"`
				}
				json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &delta)
				assistantText.WriteString(delta.Content)
			}
		}
	}

	if len(eventNames) < 3 {
		t.Fatalf("events = %v", eventNames)
	}
	if eventNames[0] != "start" {
		t.Errorf("first event = %q", eventNames[0])
	}
	if last := eventNames[len(eventNames)-1]; last != "done" {
		t.Errorf("last event = %q", last)
	}
	if assistantText.String() != "hello from loom" {
		t.Errorf("assistant text = %q", assistantText.String())
	}

	// Both turns persisted: the user message by the handler, the
	// assistant message by the orchestrator on completion.
	messages, err := hist.GetMessages("conv-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 2 || messages[0].Role != "user" || messages[1].Role != "assistant" {
		t.Errorf("messages = %+v", messages)
	}
}

func TestChatStreamRequiresMessage(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/chat/stream", "application/json",
		bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestConversationEndpoints(t *testing.T) {
	srv, artifacts, hist := newTestServer(t, &fakeEngine{})

	if err := hist.AddMessage("conv-9", "user", "hello"); err != nil {
		t.Fatal(err)
	}
	art := &artifact.Artifact{ConversationID: "conv-9", Language: "bash", Content: "echo hi"}
	if err := artifacts.Create(art); err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/conversations/conv-9/messages")
	if err != nil {
		t.Fatal(err)
	}
	var msgBody struct {
		Count int `json:"count"`
	}
	json.NewDecoder(resp.Body).Decode(&msgBody)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || msgBody.Count != 1 {
		t.Errorf("messages: status=%d count=%d", resp.StatusCode, msgBody.Count)
	}

	resp, err = http.Get(ts.URL + "/v1/conversations/conv-9/artifacts")
	if err != nil {
		t.Fatal(err)
	}
	var artBody struct {
		Count int `json:"count"`
	}
	json.NewDecoder(resp.Body).Decode(&artBody)
	resp.Body.Close()
	if artBody.Count != 1 {
		t.Errorf("artifacts count = %d, want 1", artBody.Count)
	}

	resp, err = http.Get(ts.URL + "/v1/conversations/missing/messages")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing conversation status = %d, want 404", resp.StatusCode)
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEngine{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for _, path := range []string{"/health", "/v1/version", "/"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}
