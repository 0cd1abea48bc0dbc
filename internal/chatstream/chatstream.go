// Package chatstream initiates one assistant turn over a streaming HTTP
// POST and parses the SSE-framed response: a bufio.Scanner loop over
// "data: "-prefixed lines with a "[DONE]" sentinel, carrying this module's
// flatter chat frame shape instead of a JSON-RPC envelope.
package chatstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/authsession"
	"github.com/wecode-ai/wegent-taskcore/internal/taskerrors"
)

// TurnRequest is the body of POST /chat/stream.
type TurnRequest struct {
	Message                string `json:"message"`
	TeamID                 string `json:"team_id"`
	TaskID                 *int64 `json:"task_id,omitempty"`
	ModelID                string `json:"model_id,omitempty"`
	ForceOverrideBotModel  bool   `json:"force_override_bot_model,omitempty"`
	AttachmentID           string `json:"attachment_id,omitempty"`
	GitURL                 string `json:"git_url,omitempty"`
	GitRepo                string `json:"git_repo,omitempty"`
	GitRepoID              string `json:"git_repo_id,omitempty"`
	GitDomain              string `json:"git_domain,omitempty"`
	BranchName             string `json:"branch_name,omitempty"`
}

// FrameResult is the optional "result" payload carried on a frame.
type FrameResult struct {
	Value string `json:"value,omitempty"`
}

// Frame is one "data: <json>" payload in the stream.
type Frame struct {
	Content   string       `json:"content,omitempty"`
	Done      bool         `json:"done,omitempty"`
	Error     string       `json:"error,omitempty"`
	TaskID    *int64       `json:"task_id,omitempty"`
	SubtaskID *int64       `json:"subtask_id,omitempty"`
	Result    *FrameResult `json:"result,omitempty"`
}

// CancelRequest is the body of POST /chat/cancel.
type CancelRequest struct {
	SubtaskID      int64  `json:"subtask_id"`
	PartialContent string `json:"partial_content,omitempty"`
}

// CancelResponse is the response of POST /chat/cancel.
type CancelResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Poster is the subset of internal/transport.Transport the cancel call
// needs; kept as an interface so tests can fake it without a live HTTP
// server.
type Poster interface {
	Post(ctx context.Context, path string, body any) (any, error)
}

// Handle is returned by SendTurn once the stream has started (see SendTurn).
type Handle struct {
	TaskID int64
	abort  context.CancelFunc
	done   chan struct{}
}

// Abort stops the body read. It does not itself notify the server; callers
// that need cooperative cancellation should also call Cancel.
func (h *Handle) Abort() {
	h.abort()
}

// Wait blocks until the stream has finished being read (terminally, by
// completion, error, or abort).
func (h *Handle) Wait() {
	<-h.done
}

// Callbacks are invoked as frames arrive. OnComplete is called exactly once
// when a frame carries done=true. OnError is called on network failure, a
// non-user abort, or a frame carrying "error".
type Callbacks struct {
	OnMessage  func(frame Frame)
	OnComplete func(taskID, subtaskID int64)
	OnError    func(err error)
}

// Client sends turns and parses the resulting SSE stream.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     authsession.TokenStore
	poster     Poster
	cancelPath string
	logger     *zap.Logger
}

// New constructs a streaming chat Client.
func New(baseURL string, httpClient *http.Client, tokens authsession.TokenStore, poster Poster, cancelPath string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		poster:     poster,
		cancelPath: cancelPath,
		logger:     logger,
	}
}

// SendTurn POSTs the turn and begins asynchronously reading the SSE body.
// It returns once the first frame (guaranteed to carry task_id/subtask_id)
// has been observed. If no frame arrives, it returns when the body ends or
// the caller's context is done.
func (c *Client) SendTurn(ctx context.Context, req TurnRequest, cb Callbacks) (*Handle, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal turn request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)

	httpReq, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.baseURL+"/chat/stream", bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build streaming request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if token := c.tokens.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start streaming request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()
		return nil, taskerrors.NewHttpError(resp.StatusCode, "unexpected status starting stream")
	}

	handle := &Handle{abort: cancel, done: make(chan struct{})}

	var firstFrame sync.Once
	resolved := make(chan struct{})

	go func() {
		defer close(handle.done)
		defer func() { _ = resp.Body.Close() }()
		defer firstFrame.Do(func() { close(resolved) })

		scanner := bufio.NewScanner(resp.Body)
		completed := false

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			raw := strings.TrimPrefix(line, "data: ")
			if strings.TrimSpace(raw) == "[DONE]" {
				break
			}

			var frame Frame
			if err := json.Unmarshal([]byte(raw), &frame); err != nil {
				c.logger.Warn("dropping unparseable streaming frame", zap.Error(err))
				continue
			}

			firstFrame.Do(func() {
				if frame.TaskID != nil {
					handle.TaskID = *frame.TaskID
				}
				close(resolved)
			})

			if cb.OnMessage != nil {
				cb.OnMessage(frame)
			}

			if frame.Error != "" {
				completed = true
				if cb.OnError != nil {
					cb.OnError(fmt.Errorf("stream error: %s", frame.Error))
				}
				break
			}

			if frame.Done {
				completed = true
				var taskID, subtaskID int64
				if frame.TaskID != nil {
					taskID = *frame.TaskID
				}
				if frame.SubtaskID != nil {
					subtaskID = *frame.SubtaskID
				}
				if cb.OnComplete != nil {
					cb.OnComplete(taskID, subtaskID)
				}
				break
			}
		}

		if err := scanner.Err(); err != nil && !completed {
			if streamCtx.Err() == nil && cb.OnError != nil {
				cb.OnError(fmt.Errorf("streaming read failed: %w", err))
			}
		} else if !completed && streamCtx.Err() != nil && cb.OnError != nil {
			cb.OnError(streamCtx.Err())
		}
	}()

	select {
	case <-resolved:
	case <-ctx.Done():
	}

	return handle, nil
}

// Cancel submits the best-known partial content for a cancelled turn. On
// success the caller is expected to invoke the equivalent of OnComplete so
// the state machine leaves "streaming".
func (c *Client) Cancel(ctx context.Context, subtaskID int64, partialContent string) (*CancelResponse, error) {
	raw, err := c.poster.Post(ctx, c.cancelPath, CancelRequest{
		SubtaskID:      subtaskID,
		PartialContent: partialContent,
	})
	if err != nil {
		return nil, err
	}

	bytesRaw, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("re-encode cancel response: %w", err)
	}
	var result CancelResponse
	if err := json.Unmarshal(bytesRaw, &result); err != nil {
		return nil, fmt.Errorf("decode cancel response: %w", err)
	}
	return &result, nil
}
