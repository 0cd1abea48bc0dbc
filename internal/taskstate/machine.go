package taskstate

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/livecache"
	"github.com/wecode-ai/wegent-taskcore/internal/taskerrors"
)

// Joiner is the subset of the socket gateway the machine needs to recover
// a task's snapshot. Kept as a narrow interface so the machine never
// depends on socketgateway directly.
type Joiner interface {
	JoinTask(ctx context.Context, taskID int64, opts RecoverOptions) (JoinResult, error)
}

// LiveCache is the subset of livecache.Cache the machine needs: append each
// chunk as it arrives, clear the entry once a subtask reaches a terminal
// state, and read back the cached content as a content-priority merge
// candidate.
type LiveCache interface {
	Append(ctx context.Context, subtaskID int64, content string) error
	Get(ctx context.Context, subtaskID int64) (livecache.Entry, bool)
	Clear(ctx context.Context, subtaskID int64) error
}

// chunkEvent is one buffered live event, queued while status is joining or
// syncing and replayed in arrival order once the machine settles.
type chunkEvent struct {
	kind string // "start" | "chunk" | "done" | "error" | "cancelled" | "message"
	data any
}

// TaskStateData is the externally-observable snapshot of one task.
type TaskStateData struct {
	TaskID            int64
	Status            Status
	Messages          map[string]Message
	StreamingSubtaskID *int64
	StreamingInfo     *StreamingInfo
	Error             string
	IsStopping        bool
}

// Machine is the per-task reentrant state machine.
// All mutation is serialized under mu; there is no cross-goroutine sharing
// of the message map without holding it.
type Machine struct {
	mu sync.Mutex

	taskID             int64
	status             Status
	messages           map[string]Message
	streamingSubtaskID *int64
	streamingInfo      *StreamingInfo
	errMessage         string
	isStopping         bool

	joiner        Joiner
	debounce      time.Duration
	lastRecoverAt time.Time
	queuedRecover *RecoverOptions
	pendingChunks []chunkEvent

	onStateChange func(Status)

	logger    *zap.Logger
	metrics   *Metrics
	liveCache LiveCache
}

// New constructs a Machine in the idle state for taskID.
func New(taskID int64, joiner Joiner, debounce time.Duration, logger *zap.Logger) *Machine {
	return &Machine{
		taskID:   taskID,
		status:   StatusIdle,
		messages: make(map[string]Message),
		joiner:   joiner,
		debounce: debounce,
		logger:   logger.With(zap.Int64("task_id", taskID)),
	}
}

// SetMetrics attaches the Manager's Metrics instance; Recover and the
// pending-chunks queue report through it from then on.
func (m *Machine) SetMetrics(metrics *Metrics) {
	m.mu.Lock()
	m.metrics = metrics
	m.mu.Unlock()
}

// SetLiveCache attaches the Redis-backed live stream cache; chat:chunk
// appends to it, a terminal event clears it, and the running-subtask merge
// reads it back as a candidate.
func (m *Machine) SetLiveCache(cache LiveCache) {
	m.mu.Lock()
	m.liveCache = cache
	m.mu.Unlock()
}

// OnStateChange registers a callback invoked (outside the lock) whenever the
// status changes, used by TaskStateManager to re-emit a global event.
func (m *Machine) OnStateChange(cb func(Status)) {
	m.mu.Lock()
	m.onStateChange = cb
	m.mu.Unlock()
}

// Snapshot returns a defensive copy of the machine's current state.
func (m *Machine) Snapshot() TaskStateData {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() TaskStateData {
	msgs := make(map[string]Message, len(m.messages))
	for k, v := range m.messages {
		msgs[k] = v.clone()
	}
	var streamSubtask *int64
	if m.streamingSubtaskID != nil {
		id := *m.streamingSubtaskID
		streamSubtask = &id
	}
	var info *StreamingInfo
	if m.streamingInfo != nil {
		cp := *m.streamingInfo
		info = &cp
	}
	return TaskStateData{
		TaskID:             m.taskID,
		Status:             m.status,
		Messages:           msgs,
		StreamingSubtaskID: streamSubtask,
		StreamingInfo:      info,
		Error:              m.errMessage,
		IsStopping:         m.isStopping,
	}
}

// setStatus transitions status and fires onStateChange outside the lock.
// Callers must hold mu; setStatus does not unlock it.
func (m *Machine) setStatus(s Status) {
	if m.status == s {
		return
	}
	m.status = s
	cb := m.onStateChange
	if cb != nil {
		status := s
		go cb(status)
	}
}

// Sorted returns messages ordered messageId ascending first, then
// messages without a messageId appended in timestamp ascending order.
func Sorted(messages map[string]Message) []Message {
	out := make([]Message, 0, len(messages))
	for _, msg := range messages {
		out = append(out, msg)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.MessageID != nil && b.MessageID != nil {
			return *a.MessageID < *b.MessageID
		}
		if a.MessageID != nil && b.MessageID == nil {
			return true
		}
		if a.MessageID == nil && b.MessageID != nil {
			return false
		}
		return a.Timestamp < b.Timestamp
	})
	return out
}

// Leave is the any-state → idle transition.
func (m *Machine) Leave() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = make(map[string]Message)
	m.streamingSubtaskID = nil
	m.streamingInfo = nil
	m.errMessage = ""
	m.isStopping = false
	m.queuedRecover = nil
	m.pendingChunks = nil
	m.setStatus(StatusIdle)
}

// maxKnownMessageID returns the maximum messageId across known messages,
// used as the afterMessageId for incremental resync.
func (m *Machine) maxKnownMessageID() int64 {
	var max int64
	for _, msg := range m.messages {
		if msg.MessageID != nil && *msg.MessageID > max {
			max = *msg.MessageID
		}
	}
	return max
}

// Recover implements the task's recovery algorithm: debounce, queue a
// concurrent call while mid-recovery, then join and merge the result.
func (m *Machine) Recover(ctx context.Context, opts RecoverOptions) {
	m.mu.Lock()

	if !opts.Force && time.Since(m.lastRecoverAt) < m.debounce {
		m.mu.Unlock()
		return
	}

	if m.status == StatusJoining || m.status == StatusSyncing {
		queued := opts
		m.queuedRecover = &queued
		m.mu.Unlock()
		return
	}

	m.lastRecoverAt = time.Now()

	switch m.status {
	case StatusIdle:
		m.setStatus(StatusJoining)
	case StatusReady, StatusStreaming, StatusError:
		m.setStatus(StatusSyncing)
	default:
		m.mu.Unlock()
		return
	}

	afterMessageID := opts.AfterMessageID
	if afterMessageID == 0 {
		afterMessageID = m.maxKnownMessageID()
	}
	taskID := m.taskID
	metrics := m.metrics
	m.mu.Unlock()

	start := time.Now()
	result, err := m.joiner.JoinTask(ctx, taskID, RecoverOptions{
		Force:          true,
		ForceRefresh:   true,
		AfterMessageID: afterMessageID,
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		metrics.RecordRecover(ctx, start, "error")
		m.errMessage = err.Error()
		m.setStatus(StatusError)
		m.consumeQueuedRecoverLocked(ctx)
		return
	}
	metrics.RecordRecover(ctx, start, "success")
	m.applyJoinResultLocked(result)
	m.consumeQueuedRecoverLocked(ctx)
}

// applyJoinResultLocked merges a join response and settles on a terminal
// status, then drains the pending-chunks queue. Caller holds mu.
func (m *Machine) applyJoinResultLocked(result JoinResult) {
	if result.Error != "" {
		m.errMessage = result.Error
		m.setStatus(StatusError)
		return
	}

	if result.Streaming != nil {
		info := *result.Streaming
		m.streamingInfo = &info
	}

	m.mergeSubtasksLocked(result.Subtasks)

	streaming := false
	for _, msg := range m.messages {
		if msg.Type == MessageTypeAI && msg.Status == MessageStatusStreaming {
			streaming = true
			break
		}
	}
	if m.streamingInfo != nil {
		streaming = true
	}

	if streaming {
		m.setStatus(StatusStreaming)
	} else {
		m.setStatus(StatusReady)
		m.streamingInfo = nil
		m.streamingSubtaskID = nil
	}

	m.drainPendingChunksLocked()
}

// consumeQueuedRecoverLocked fires a queued RECOVER (if any) once the
// machine has settled into ready/streaming/error.
// Must be called with mu held; it unlocks/relocks to perform the recover.
func (m *Machine) consumeQueuedRecoverLocked(ctx context.Context) {
	if m.status != StatusReady && m.status != StatusStreaming && m.status != StatusError {
		return
	}
	queued := m.queuedRecover
	if queued == nil {
		return
	}
	m.queuedRecover = nil
	opts := *queued
	m.mu.Unlock()
	m.Recover(ctx, opts)
	m.mu.Lock()
}

// drainPendingChunksLocked replays buffered chunk events in arrival order
// then clears the queue. Caller holds mu.
func (m *Machine) drainPendingChunksLocked() {
	queue := m.pendingChunks
	m.pendingChunks = nil
	m.metrics.SetPendingChunksDepth(strconv.FormatInt(m.taskID, 10), 0)
	for _, ev := range queue {
		switch ev.kind {
		case "start":
			m.handleChatStartLocked(ev.data.(ChatStartEvent))
		case "chunk":
			m.handleChatChunkLocked(ev.data.(ChatChunkEvent))
		case "done":
			m.handleChatDoneLocked(ev.data.(ChatDoneEvent))
		case "error":
			m.handleChatErrorLocked(ev.data.(ChatErrorEvent))
		case "cancelled":
			m.handleChatCancelledLocked(ev.data.(ChatCancelledEvent))
		case "message":
			m.handleChatMessageLocked(ev.data.(ChatMessageEvent))
		}
	}
}

// queueIfSyncingLocked buffers ev and returns true if status is joining or
// syncing. Caller holds mu.
func (m *Machine) queueIfSyncingLocked(kind string, data any) bool {
	if m.status == StatusJoining || m.status == StatusSyncing {
		m.pendingChunks = append(m.pendingChunks, chunkEvent{kind: kind, data: data})
		m.metrics.SetPendingChunksDepth(strconv.FormatInt(m.taskID, 10), len(m.pendingChunks))
		return true
	}
	return false
}

// ChatStartEvent is the chat:start payload.
type ChatStartEvent struct {
	SubtaskID int64
	ShellType string
}

// ChatChunkEvent is the chat:chunk payload.
type ChatChunkEvent struct {
	SubtaskID int64
	Content   string
	Result    *Result
	Sources   []Source
	BlockID   string
}

// ChatDoneEvent is the chat:done payload.
type ChatDoneEvent struct {
	SubtaskID    int64
	Content      string
	HasContent   bool
	Result       *Result
	MessageID    *int64
	Sources      []Source
	HasError     bool
	ErrorMessage string
}

// ChatErrorEvent is the chat:error payload.
type ChatErrorEvent struct {
	SubtaskID int64
	Error     string
	MessageID *int64
}

// ChatCancelledEvent is the chat:cancelled payload.
type ChatCancelledEvent struct {
	SubtaskID int64
}

// ChatMessageEvent is the chat:message payload.
type ChatMessageEvent struct {
	SubtaskID      int64
	Content        string
	MessageID      int64
	SenderUserID   string
	SenderUserName string
	Contexts       []Context
}

func aiSlotID(subtaskID int64) string {
	return fmt.Sprintf("ai-%d", subtaskID)
}

// HandleChatStart processes chat:start.
func (m *Machine) HandleChatStart(ev ChatStartEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueIfSyncingLocked("start", ev) {
		return
	}
	m.handleChatStartLocked(ev)
}

func (m *Machine) handleChatStartLocked(ev ChatStartEvent) {
	id := ev.SubtaskID
	m.streamingSubtaskID = &id

	slot := aiSlotID(ev.SubtaskID)
	msg, exists := m.messages[slot]
	if !exists {
		msg = Message{
			ID:        slot,
			Type:      MessageTypeAI,
			Status:    MessageStatusStreaming,
			Timestamp: nowMillis(),
			SubtaskID: &id,
		}
	}
	msg.Status = MessageStatusStreaming
	if ev.ShellType != "" {
		if msg.Result == nil {
			msg.Result = &Result{}
		}
		msg.Result.ShellType = ev.ShellType
	}
	m.messages[slot] = msg

	if m.status != StatusStreaming {
		m.setStatus(StatusStreaming)
	}
}

// HandleChatChunk processes chat:chunk.
func (m *Machine) HandleChatChunk(ev ChatChunkEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueIfSyncingLocked("chunk", ev) {
		return
	}
	m.handleChatChunkLocked(ev)
}

func (m *Machine) handleChatChunkLocked(ev ChatChunkEvent) {
	slot := aiSlotID(ev.SubtaskID)
	msg, ok := m.messages[slot]
	if !ok {
		m.logger.Warn("dropping chat:chunk for unknown subtask", zap.Int64("subtask_id", ev.SubtaskID))
		return
	}
	if isTerminal(msg.Status) {
		return
	}

	msg.Content += ev.Content

	if ev.Result != nil {
		if msg.Result == nil {
			msg.Result = &Result{}
		}
		mergeResultLocked(msg.Result, ev.Result)
		if ev.Result.ReasoningContent != "" {
			msg.ReasoningContent = ev.Result.ReasoningContent
		} else if ev.Result.ReasoningChunk != "" {
			msg.ReasoningContent += ev.Result.ReasoningChunk
		}
	}

	if ev.BlockID != "" {
		if msg.Result == nil {
			msg.Result = &Result{}
		}
		mergeBlock(msg.Result, ev.BlockID, ev.Content)
	}

	if ev.Sources != nil {
		msg.Sources = ev.Sources
	}

	m.messages[slot] = msg

	if m.liveCache != nil {
		if err := m.liveCache.Append(context.Background(), ev.SubtaskID, ev.Content); err != nil {
			m.logger.Warn("live cache append failed", zap.Int64("subtask_id", ev.SubtaskID), zap.Error(err))
		}
	}
}

// HandleChatDone processes chat:done.
func (m *Machine) HandleChatDone(ev ChatDoneEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueIfSyncingLocked("done", ev) {
		return
	}
	m.handleChatDoneLocked(ev)
}

func (m *Machine) handleChatDoneLocked(ev ChatDoneEvent) {
	slot := aiSlotID(ev.SubtaskID)
	msg, ok := m.messages[slot]
	if !ok {
		id := ev.SubtaskID
		msg = Message{
			ID:        slot,
			Type:      MessageTypeAI,
			Timestamp: nowMillis(),
			SubtaskID: &id,
		}
		if ev.HasContent {
			msg.Content = ev.Content
		}
	} else if ev.HasContent {
		msg.Content = ev.Content
	}

	if ev.HasError {
		msg.Status = MessageStatusError
		msg.Error = ev.ErrorMessage
		msg.SubtaskStatus = SubtaskStatusFailed
	} else {
		msg.Status = MessageStatusCompleted
		msg.SubtaskStatus = SubtaskStatusCompleted
	}

	if ev.MessageID != nil {
		id := *ev.MessageID
		msg.MessageID = &id
	}
	if ev.Result != nil {
		if msg.Result == nil {
			msg.Result = &Result{}
		}
		mergeResultLocked(msg.Result, ev.Result)
	}
	if ev.Sources != nil {
		msg.Sources = ev.Sources
	}

	m.messages[slot] = msg
	m.clearLiveCacheLocked(ev.SubtaskID)

	if m.streamingSubtaskID != nil && *m.streamingSubtaskID == ev.SubtaskID {
		m.streamingSubtaskID = nil
		m.streamingInfo = nil
		if ev.HasError {
			m.errMessage = ev.ErrorMessage
			m.setStatus(StatusError)
		} else {
			m.setStatus(StatusReady)
		}
	}
}

// clearLiveCacheLocked drops the live cache entry for a subtask that has
// reached a terminal state. Caller holds mu.
func (m *Machine) clearLiveCacheLocked(subtaskID int64) {
	if m.liveCache == nil {
		return
	}
	if err := m.liveCache.Clear(context.Background(), subtaskID); err != nil {
		m.logger.Warn("live cache clear failed", zap.Int64("subtask_id", subtaskID), zap.Error(err))
	}
}

// HandleChatError processes chat:error.
func (m *Machine) HandleChatError(ev ChatErrorEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueIfSyncingLocked("error", ev) {
		return
	}
	m.handleChatErrorLocked(ev)
}

func (m *Machine) handleChatErrorLocked(ev ChatErrorEvent) {
	slot := aiSlotID(ev.SubtaskID)
	id := ev.SubtaskID
	msg, ok := m.messages[slot]
	if !ok {
		msg = Message{ID: slot, Type: MessageTypeAI, Timestamp: nowMillis(), SubtaskID: &id}
	}
	msg.Status = MessageStatusError
	msg.Error = ev.Error
	msg.SubtaskStatus = SubtaskStatusFailed
	if ev.MessageID != nil {
		mid := *ev.MessageID
		msg.MessageID = &mid
	}
	m.messages[slot] = msg
	m.clearLiveCacheLocked(ev.SubtaskID)

	m.errMessage = ev.Error
	if m.streamingSubtaskID != nil && *m.streamingSubtaskID == ev.SubtaskID {
		m.streamingSubtaskID = nil
		m.streamingInfo = nil
	}
	m.setStatus(StatusError)
}

// HandleChatCancelled processes chat:cancelled.
func (m *Machine) HandleChatCancelled(ev ChatCancelledEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueIfSyncingLocked("cancelled", ev) {
		return
	}
	m.handleChatCancelledLocked(ev)
}

func (m *Machine) handleChatCancelledLocked(ev ChatCancelledEvent) {
	slot := aiSlotID(ev.SubtaskID)
	msg, ok := m.messages[slot]
	if ok {
		msg.Status = MessageStatusCompleted
		msg.SubtaskStatus = SubtaskStatusCancelled
		m.messages[slot] = msg
	}
	m.clearLiveCacheLocked(ev.SubtaskID)

	if m.streamingSubtaskID != nil && *m.streamingSubtaskID == ev.SubtaskID {
		m.streamingSubtaskID = nil
		m.streamingInfo = nil
		m.isStopping = false
		m.setStatus(StatusReady)
	}
}

// HandleChatMessage processes chat:message (group chat peer messages).
// Treated as an idempotent merge by subtaskId, so receiving the same
// message both live and in a later snapshot is a no-op the second time.
func (m *Machine) HandleChatMessage(ev ChatMessageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queueIfSyncingLocked("message", ev) {
		return
	}
	m.handleChatMessageLocked(ev)
}

func (m *Machine) handleChatMessageLocked(ev ChatMessageEvent) {
	slot := fmt.Sprintf("user-backend-%d", ev.SubtaskID)
	if existing, ok := m.messages[slot]; ok && existing.MessageID != nil && *existing.MessageID == ev.MessageID {
		return
	}

	id := ev.SubtaskID
	msgID := ev.MessageID
	m.messages[slot] = Message{
		ID:               slot,
		Type:             MessageTypeUser,
		Status:           MessageStatusCompleted,
		Content:          ev.Content,
		Timestamp:        nowMillis(),
		SubtaskID:        &id,
		MessageID:        &msgID,
		SenderUserID:     ev.SenderUserID,
		SenderUserName:   ev.SenderUserName,
		ShouldShowSender: true,
		Contexts:         ev.Contexts,
	}
}

// ApplyCorrection replaces the visible content of subtaskID's assistant
// message with the correction's improved answer and records the
// correction on the message, so the correction engine's "apply" action is
// reflected in the message timeline the rest of the machine serves.
func (m *Machine) ApplyCorrection(subtaskID int64, correction *Correction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := aiSlotID(subtaskID)
	msg, ok := m.messages[slot]
	if !ok {
		return taskerrors.NewMessageNotFoundError(strconv.FormatInt(m.taskID, 10), strconv.FormatInt(subtaskID, 10))
	}
	msg.Content = correction.ImprovedAnswer
	if msg.Result == nil {
		msg.Result = &Result{}
	}
	msg.Result.Correction = correction
	m.messages[slot] = msg
	return nil
}

// UndoCorrection reverts subtaskID's assistant message back to the
// correction's original answer.
func (m *Machine) UndoCorrection(subtaskID int64, correction *Correction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot := aiSlotID(subtaskID)
	msg, ok := m.messages[slot]
	if !ok {
		return taskerrors.NewMessageNotFoundError(strconv.FormatInt(m.taskID, 10), strconv.FormatInt(subtaskID, 10))
	}
	msg.Content = correction.OriginalValue
	if msg.Result == nil {
		msg.Result = &Result{}
	}
	msg.Result.Correction = correction
	m.messages[slot] = msg
	return nil
}

func isTerminal(s MessageStatus) bool {
	return s == MessageStatusCompleted || s == MessageStatusError
}

// nowMillis is a seam around time.Now for message timestamps; production
// code uses the wall clock, tests may swap it for determinism.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}
