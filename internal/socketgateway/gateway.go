// Package socketgateway is the client side of the Socket Gateway: a single
// persistent multiplexed websocket connection shared across all tasks,
// exposing joinTask/leaveTask request-response calls and per-task chat:*
// event fan-out. The per-id registration, send loop, and cancel-on-close
// bookkeeping mirror a typical subscriber/broadcast hub turned inside out:
// that shape pushes to many server-held subscribers, this gateway is the
// one subscriber multiplexing many tasks over one outbound connection,
// plus a pendingRequests map for request/response correlation a pure
// broadcast hub wouldn't need.
package socketgateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/config"
	"github.com/wecode-ai/wegent-taskcore/internal/events"
	"github.com/wecode-ai/wegent-taskcore/internal/taskerrors"
	"github.com/wecode-ai/wegent-taskcore/internal/taskstate"
)

// frameType enumerates the wire message kinds multiplexed over the socket.
type frameType string

const (
	frameJoinRequest  frameType = "join_task"
	frameLeaveRequest frameType = "leave_task"
	frameJoinResponse frameType = "join_task_result"
	frameChatStart    frameType = "chat:start"
	frameChatChunk    frameType = "chat:chunk"
	frameChatDone     frameType = "chat:done"
	frameChatError    frameType = "chat:error"
	frameChatCancel   frameType = "chat:cancelled"
	frameChatMessage  frameType = "chat:message"
)

// frame is the envelope every socket message shares.
type frame struct {
	Type      frameType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	TaskID    int64           `json:"task_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Dispatcher routes a decoded chat:* event to the owning task's machine; the
// TaskStateManager satisfies this by calling GetOrCreate then the matching
// Handle* method.
type Dispatcher interface {
	DispatchChatStart(taskID int64, ev taskstate.ChatStartEvent)
	DispatchChatChunk(taskID int64, ev taskstate.ChatChunkEvent)
	DispatchChatDone(taskID int64, ev taskstate.ChatDoneEvent)
	DispatchChatError(taskID int64, ev taskstate.ChatErrorEvent)
	DispatchChatCancelled(taskID int64, ev taskstate.ChatCancelledEvent)
	DispatchChatMessage(taskID int64, ev taskstate.ChatMessageEvent)
}

// Gateway owns the single websocket connection and the pendingRequests
// correlation map.
type Gateway struct {
	url    string
	cfg    config.SocketConfig
	logger *zap.Logger

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	pending      map[string]chan frame
	dispatcher   Dispatcher
	reconnectCbs []func()
	chunkSeq     map[int64]int

	writeMu sync.Mutex
	done    chan struct{}
}

// New constructs a Gateway. Dial is not attempted until Run is called.
func New(cfg config.SocketConfig, logger *zap.Logger) *Gateway {
	return &Gateway{
		url:      cfg.URL,
		cfg:      cfg,
		logger:   logger,
		pending:  make(map[string]chan frame),
		done:     make(chan struct{}),
		chunkSeq: make(map[int64]int),
	}
}

// nextChunkSeq returns the next per-subtask sequence number, used as the
// cloudevents id suffix so replayed chunks for the same subtask don't
// collide.
func (g *Gateway) nextChunkSeq(subtaskID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.chunkSeq[subtaskID]++
	return g.chunkSeq[subtaskID]
}

// SetDispatcher wires the per-task event router, typically a TaskStateManager.
func (g *Gateway) SetDispatcher(d Dispatcher) {
	g.mu.Lock()
	g.dispatcher = d
	g.mu.Unlock()
}

// OnReconnect registers a callback invoked after every successful
// (re)connect, including the first.
func (g *Gateway) OnReconnect(cb func()) {
	g.mu.Lock()
	g.reconnectCbs = append(g.reconnectCbs, cb)
	g.mu.Unlock()
}

// IsConnected reports whether the socket is currently up.
func (g *Gateway) IsConnected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connected
}

// Run dials the socket and reconnects with backoff until ctx is cancelled.
// It blocks; callers run it in its own goroutine.
func (g *Gateway) Run(ctx context.Context) {
	backoff := g.cfg.ReconnectBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			close(g.done)
			return
		default:
		}

		if err := g.connectAndServe(ctx); err != nil {
			g.logger.Warn("socket connection lost", zap.Error(err))
		}

		g.mu.Lock()
		g.connected = false
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			close(g.done)
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if g.cfg.ReconnectMaxDelay > 0 && backoff > g.cfg.ReconnectMaxDelay {
			backoff = g.cfg.ReconnectMaxDelay
		}
	}
}

func (g *Gateway) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: g.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, g.url, nil)
	if err != nil {
		return fmt.Errorf("dial socket gateway: %w", err)
	}

	g.mu.Lock()
	g.conn = conn
	g.connected = true
	callbacks := append([]func(){}, g.reconnectCbs...)
	g.mu.Unlock()

	g.logger.Info("socket gateway connected", zap.String("url", g.url))
	for _, cb := range callbacks {
		go cb()
	}

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			_ = conn.Close()
			return err
		}
		g.handleFrame(f)
	}
}

func (g *Gateway) handleFrame(f frame) {
	if f.RequestID != "" {
		g.mu.Lock()
		ch, ok := g.pending[f.RequestID]
		if ok {
			delete(g.pending, f.RequestID)
		}
		g.mu.Unlock()
		if ok {
			ch <- f
			return
		}
	}

	g.mu.Lock()
	dispatcher := g.dispatcher
	g.mu.Unlock()
	if dispatcher == nil {
		return
	}

	switch f.Type {
	case frameChatStart:
		var ev taskstate.ChatStartEvent
		if decodePayload(f.Payload, &ev) {
			ce, err := events.NewChatStartEvent(ev.SubtaskID, ev)
			var decoded taskstate.ChatStartEvent
			if g.wrapEvent(ce, err, &decoded) {
				ev = decoded
			}
			dispatcher.DispatchChatStart(f.TaskID, ev)
		}
	case frameChatChunk:
		var ev taskstate.ChatChunkEvent
		if decodePayload(f.Payload, &ev) {
			ce, err := events.NewChatChunkEvent(ev.SubtaskID, g.nextChunkSeq(ev.SubtaskID), ev)
			var decoded taskstate.ChatChunkEvent
			if g.wrapEvent(ce, err, &decoded) {
				ev = decoded
			}
			dispatcher.DispatchChatChunk(f.TaskID, ev)
		}
	case frameChatDone:
		var ev taskstate.ChatDoneEvent
		if decodePayload(f.Payload, &ev) {
			ce, err := events.NewChatDoneEvent(ev.SubtaskID, ev)
			var decoded taskstate.ChatDoneEvent
			if g.wrapEvent(ce, err, &decoded) {
				ev = decoded
			}
			dispatcher.DispatchChatDone(f.TaskID, ev)
		}
	case frameChatError:
		var ev taskstate.ChatErrorEvent
		if decodePayload(f.Payload, &ev) {
			ce, err := events.NewChatErrorEvent(ev.SubtaskID, ev)
			var decoded taskstate.ChatErrorEvent
			if g.wrapEvent(ce, err, &decoded) {
				ev = decoded
			}
			dispatcher.DispatchChatError(f.TaskID, ev)
		}
	case frameChatCancel:
		var ev taskstate.ChatCancelledEvent
		if decodePayload(f.Payload, &ev) {
			ce, err := events.NewChatCancelledEvent(ev.SubtaskID, ev)
			var decoded taskstate.ChatCancelledEvent
			if g.wrapEvent(ce, err, &decoded) {
				ev = decoded
			}
			dispatcher.DispatchChatCancelled(f.TaskID, ev)
		}
	case frameChatMessage:
		var ev taskstate.ChatMessageEvent
		if decodePayload(f.Payload, &ev) {
			ce, err := events.NewChatMessageEvent(ev.SubtaskID, ev)
			var decoded taskstate.ChatMessageEvent
			if g.wrapEvent(ce, err, &decoded) {
				ev = decoded
			}
			dispatcher.DispatchChatMessage(f.TaskID, ev)
		}
	default:
		g.logger.Debug("ignoring unrecognized socket frame", zap.String("type", string(f.Type)))
	}
}

// wrapEvent decodes a chat:* event back out of its cloudevents envelope
// into out, reporting whether it succeeded. A construction or decode
// failure is logged and the caller falls back to the already-decoded wire
// payload rather than dropping the event.
func (g *Gateway) wrapEvent(ce cloudevents.Event, buildErr error, out any) bool {
	if buildErr != nil {
		g.logger.Warn("encode chat event envelope failed", zap.Error(buildErr))
		return false
	}
	if err := events.Decode(ce, out); err != nil {
		g.logger.Warn("decode chat event envelope failed", zap.Error(err))
		return false
	}
	return true
}

func decodePayload(raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		return false
	}
	return json.Unmarshal(raw, v) == nil
}

// joinPayload/joinResponsePayload are the wire shapes of joinTask.
type joinPayload struct {
	ForceRefresh   bool  `json:"force_refresh,omitempty"`
	AfterMessageID int64 `json:"after_message_id,omitempty"`
}

type joinResponsePayload struct {
	Streaming *taskstate.StreamingInfo `json:"streaming,omitempty"`
	Subtasks  []taskstate.Subtask      `json:"subtasks,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

// JoinTask implements taskstate.Joiner: an idempotent request/response call
// correlated by a generated request id.
func (g *Gateway) JoinTask(ctx context.Context, taskID int64, opts taskstate.RecoverOptions) (taskstate.JoinResult, error) {
	if !g.IsConnected() {
		return taskstate.JoinResult{}, taskerrors.NewJoinFailedError(strconv.FormatInt(taskID, 10), "socket gateway not connected")
	}

	requestID := uuid.NewString()
	respCh := make(chan frame, 1)

	g.mu.Lock()
	g.pending[requestID] = respCh
	g.mu.Unlock()

	payload, err := json.Marshal(joinPayload{ForceRefresh: opts.ForceRefresh, AfterMessageID: opts.AfterMessageID})
	if err != nil {
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
		return taskstate.JoinResult{}, fmt.Errorf("marshal join payload: %w", err)
	}

	req := frame{Type: frameJoinRequest, RequestID: requestID, TaskID: taskID, Payload: payload}
	if err := g.writeJSON(req); err != nil {
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
		return taskstate.JoinResult{}, taskerrors.NewJoinFailedError(strconv.FormatInt(taskID, 10), err.Error())
	}

	timeout := g.cfg.JoinTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		var body joinResponsePayload
		if !decodePayload(resp.Payload, &body) {
			return taskstate.JoinResult{}, taskerrors.NewJoinFailedError(strconv.FormatInt(taskID, 10), "malformed join response")
		}
		return taskstate.JoinResult{Streaming: body.Streaming, Subtasks: body.Subtasks, Error: body.Error}, nil
	case <-timer.C:
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
		return taskstate.JoinResult{}, taskerrors.NewJoinFailedError(strconv.FormatInt(taskID, 10), "join request timed out")
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, requestID)
		g.mu.Unlock()
		return taskstate.JoinResult{}, ctx.Err()
	}
}

// LeaveTask releases the server-side subscription.
func (g *Gateway) LeaveTask(taskID int64) {
	_ = g.writeJSON(frame{Type: frameLeaveRequest, TaskID: taskID})
}

func (g *Gateway) writeJSON(f frame) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("socket not connected")
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return conn.WriteJSON(f)
}
