package chatstream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/authsession"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return New(server.URL, server.Client(), authsession.NewInMemoryTokenStore(), nil, "/chat/cancel", zap.NewNop())
}

func TestSendTurn_HappyPath(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		fmt.Fprint(w, `data: {"task_id":42,"subtask_id":100}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"content":"He"}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"content":"llo"}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"done":true,"task_id":42,"subtask_id":100}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
	}

	client := newTestClient(t, handler)

	var mu sync.Mutex
	var content string
	completeCh := make(chan struct{})

	handle, err := client.SendTurn(context.Background(), TurnRequest{Message: "hi", TeamID: "team-1"}, Callbacks{
		OnMessage: func(frame Frame) {
			mu.Lock()
			content += frame.Content
			mu.Unlock()
		},
		OnComplete: func(taskID, subtaskID int64) {
			close(completeCh)
		},
	})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}
	if handle.TaskID != 42 {
		t.Fatalf("TaskID = %d, want 42", handle.TaskID)
	}

	select {
	case <-completeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	mu.Lock()
	defer mu.Unlock()
	if content != "Hello" {
		t.Fatalf("content = %q, want %q", content, "Hello")
	}
}

func TestSendTurn_StreamError(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, `data: {"task_id":1,"subtask_id":2}`+"\n\n")
		flusher.Flush()
		fmt.Fprint(w, `data: {"error":"model unavailable"}`+"\n\n")
		flusher.Flush()
	}

	client := newTestClient(t, handler)

	errCh := make(chan error, 1)
	_, err := client.SendTurn(context.Background(), TurnRequest{Message: "hi", TeamID: "team-1"}, Callbacks{
		OnError: func(err error) { errCh <- err },
	})
	if err != nil {
		t.Fatalf("SendTurn: %v", err)
	}

	select {
	case gotErr := <-errCh:
		if gotErr == nil {
			t.Fatal("expected non-nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for OnError")
	}
}
