package taskstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeJoiner is a hand-written fake (no codegen/mocking framework).
type fakeJoiner struct {
	result JoinResult
	err    error
	calls  int
}

func (f *fakeJoiner) JoinTask(ctx context.Context, taskID int64, opts RecoverOptions) (JoinResult, error) {
	f.calls++
	return f.result, f.err
}

func newTestMachine(joiner Joiner) *Machine {
	return New(1, joiner, time.Second, zap.NewNop())
}

func ptr64(v int64) *int64 { return &v }

// Scenario 1: happy path.
func TestHappyPath(t *testing.T) {
	m := newTestMachine(&fakeJoiner{})

	m.AddPendingUserMessage("user-local-1", "hi", nil, nil, "", "", false)
	m.HandleChatStart(ChatStartEvent{SubtaskID: 100})
	m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: "He"})
	m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: "llo"})
	m.ConfirmUserMessage("user-local-1", 99, 1)
	m.HandleChatDone(ChatDoneEvent{SubtaskID: 100, MessageID: ptr64(2)})

	snap := m.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	assert.Nil(t, snap.StreamingSubtaskID)

	user := snap.Messages["user-local-1"]
	assert.Equal(t, MessageStatusCompleted, user.Status)
	assert.Equal(t, "hi", user.Content)

	ai := snap.Messages["ai-100"]
	assert.Equal(t, MessageStatusCompleted, ai.Status)
	assert.Equal(t, "Hello", ai.Content)

	ordered := Sorted(snap.Messages)
	require.Len(t, ordered, 2)
	assert.Equal(t, "user-local-1", ordered[0].ID)
	assert.Equal(t, "ai-100", ordered[1].ID)
}

// Scenario 2: mid-stream refresh, content-priority rule.
func TestMidStreamRefresh_ContentPriority(t *testing.T) {
	joiner := &fakeJoiner{
		result: JoinResult{
			Streaming: &StreamingInfo{SubtaskID: 100, CachedContent: "Hello world"},
			Subtasks: []Subtask{
				{ID: 100, Role: SubtaskRoleAssistant, Status: SubtaskStatusRunning, Result: &Result{Value: "Hel"}},
			},
		},
	}
	m := newTestMachine(joiner)
	m.HandleChatStart(ChatStartEvent{SubtaskID: 100})
	m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: "Hello"})

	m.Recover(context.Background(), RecoverOptions{Force: true})

	snap := m.Snapshot()
	assert.Equal(t, StatusStreaming, snap.Status)
	assert.Equal(t, "Hello world", snap.Messages["ai-100"].Content)

	m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: "!"})
	assert.Equal(t, "Hello world!", m.Snapshot().Messages["ai-100"].Content)
}

// Scenario 3: incremental resync leaves prior messages untouched.
func TestIncrementalResync(t *testing.T) {
	m := newTestMachine(&fakeJoiner{})
	for i := int64(1); i <= 17; i++ {
		id := i
		m.messages[aiSlotID(i)] = Message{ID: aiSlotID(i), Type: MessageTypeAI, Status: MessageStatusCompleted, MessageID: &id, Content: "old"}
	}

	joiner := &fakeJoiner{
		result: JoinResult{
			Subtasks: []Subtask{
				{ID: 18, Role: SubtaskRoleAssistant, Status: SubtaskStatusCompleted, MessageID: ptr64(18), Result: &Result{Value: "r18"}},
				{ID: 19, Role: SubtaskRoleAssistant, Status: SubtaskStatusCompleted, MessageID: ptr64(19), Result: &Result{Value: "r19"}},
			},
		},
	}
	m.joiner = joiner

	m.Recover(context.Background(), RecoverOptions{Force: true})

	require.Equal(t, 1, joiner.calls)
	snap := m.Snapshot()
	assert.Len(t, snap.Messages, 19)
	assert.Equal(t, "old", snap.Messages[aiSlotID(5)].Content)
	assert.Equal(t, "r18", snap.Messages[aiSlotID(18)].Content)
}

// Chunks arriving while the machine is mid-sync are queued and replayed
// once it settles.
func TestChunksDuringSync_Queued(t *testing.T) {
	joiner := &fakeJoiner{
		result: JoinResult{
			Subtasks: []Subtask{
				{ID: 100, Role: SubtaskRoleAssistant, Status: SubtaskStatusRunning, Result: &Result{Value: "He"}},
			},
		},
	}
	m := newTestMachine(joiner)

	// Force the machine into "syncing" by setting the status directly,
	// simulating recover() having not yet returned.
	m.mu.Lock()
	m.status = StatusSyncing
	m.mu.Unlock()

	m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: "X"})
	m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: "Y"})

	snapMid := m.Snapshot()
	assert.Empty(t, snapMid.Messages, "chunks must not apply while syncing")

	m.mu.Lock()
	m.applyJoinResultLocked(joiner.result)
	m.mu.Unlock()

	snap := m.Snapshot()
	assert.Equal(t, "HeXY", snap.Messages["ai-100"].Content)
}

// User cancels mid-stream.
func TestUserCancel(t *testing.T) {
	m := newTestMachine(&fakeJoiner{})
	m.HandleChatStart(ChatStartEvent{SubtaskID: 100})
	m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: "Hel"})
	m.HandleChatCancelled(ChatCancelledEvent{SubtaskID: 100})

	snap := m.Snapshot()
	assert.Equal(t, StatusReady, snap.Status)
	ai := snap.Messages["ai-100"]
	assert.Equal(t, MessageStatusCompleted, ai.Status)
	assert.Equal(t, SubtaskStatusCancelled, ai.SubtaskStatus)
	assert.Equal(t, "Hel", ai.Content)
}

// Edit cascade drops messages at or after the edited id.
func TestEditCascade(t *testing.T) {
	m := newTestMachine(&fakeJoiner{})
	m.messages["user-backend-3"] = Message{ID: "user-backend-3", Type: MessageTypeUser, MessageID: ptr64(3), SubtaskID: ptr64(3)}
	for i := int64(1); i <= 4; i++ {
		id := i
		m.messages[aiSlotID(i)] = Message{ID: aiSlotID(i), Type: MessageTypeAI, MessageID: &id}
	}

	m.CleanupMessagesAfterEdit(3)

	snap := m.Snapshot()
	for _, msg := range snap.Messages {
		if msg.MessageID != nil {
			assert.Less(t, *msg.MessageID, int64(3))
		}
	}
	assert.NotContains(t, snap.Messages, aiSlotID(3))
	assert.NotContains(t, snap.Messages, aiSlotID(4))
	assert.NotContains(t, snap.Messages, "user-backend-3")
}

// At most one streaming AI message per task.
func TestAtMostOneStreamingMessage(t *testing.T) {
	m := newTestMachine(&fakeJoiner{})
	m.HandleChatStart(ChatStartEvent{SubtaskID: 100})
	m.HandleChatDone(ChatDoneEvent{SubtaskID: 100, MessageID: ptr64(1)})
	m.HandleChatStart(ChatStartEvent{SubtaskID: 101})

	streaming := 0
	for _, msg := range m.Snapshot().Messages {
		if msg.Type == MessageTypeAI && msg.Status == MessageStatusStreaming {
			streaming++
		}
	}
	assert.LessOrEqual(t, streaming, 1)
}

// Content length is monotonically non-decreasing while streaming.
func TestContentMonotonic(t *testing.T) {
	m := newTestMachine(&fakeJoiner{})
	m.HandleChatStart(ChatStartEvent{SubtaskID: 100})
	prevLen := 0
	for _, chunk := range []string{"a", "bb", "ccc"} {
		m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: chunk})
		cur := len(m.Snapshot().Messages["ai-100"].Content)
		assert.GreaterOrEqual(t, cur, prevLen)
		prevLen = cur
	}
}

// recover(force:false) twice within the debounce window calls joinTask at most once.
func TestRecoverDebounce(t *testing.T) {
	joiner := &fakeJoiner{result: JoinResult{}}
	m := newTestMachine(joiner)

	m.Recover(context.Background(), RecoverOptions{Force: false})
	m.Recover(context.Background(), RecoverOptions{Force: false})

	assert.Equal(t, 1, joiner.calls)
}

// Applying the same joinTask response twice produces the same map.
func TestMergeIdempotent(t *testing.T) {
	result := JoinResult{
		Subtasks: []Subtask{
			{ID: 100, Role: SubtaskRoleAssistant, Status: SubtaskStatusCompleted, MessageID: ptr64(1), Result: &Result{Value: "done"}},
		},
	}
	m := newTestMachine(&fakeJoiner{})

	m.mu.Lock()
	m.mergeSubtasksLocked(result.Subtasks)
	first := m.messages["ai-100"].Content
	m.mergeSubtasksLocked(result.Subtasks)
	second := m.messages["ai-100"].Content
	m.mu.Unlock()

	assert.Equal(t, first, second)
}

// Replaying [start, chunk x N, done] twice yields the same final message.
func TestReplayIdempotentFinalState(t *testing.T) {
	run := func() Message {
		m := newTestMachine(&fakeJoiner{})
		m.HandleChatStart(ChatStartEvent{SubtaskID: 100})
		m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: "He"})
		m.HandleChatChunk(ChatChunkEvent{SubtaskID: 100, Content: "llo"})
		m.HandleChatDone(ChatDoneEvent{SubtaskID: 100, MessageID: ptr64(1)})
		return m.Snapshot().Messages["ai-100"]
	}

	a := run()
	b := run()
	assert.Equal(t, a.Content, b.Content)
	assert.Equal(t, a.Status, b.Status)
}

// Chunk for an unknown subtask is dropped, state unchanged.
func TestChunkUnknownSubtaskDropped(t *testing.T) {
	m := newTestMachine(&fakeJoiner{})
	m.HandleChatChunk(ChatChunkEvent{SubtaskID: 999, Content: "x"})
	assert.Empty(t, m.Snapshot().Messages)
}

// chat:done with no prior chat:start synthesizes a completed message.
func TestDoneWithoutStartSynthesizes(t *testing.T) {
	m := newTestMachine(&fakeJoiner{})
	m.HandleChatDone(ChatDoneEvent{SubtaskID: 100, Content: "recovered", HasContent: true, MessageID: ptr64(5)})

	msg := m.Snapshot().Messages["ai-100"]
	assert.Equal(t, MessageStatusCompleted, msg.Status)
	assert.Equal(t, "recovered", msg.Content)
}

func TestLeaveResetsToIdle(t *testing.T) {
	m := newTestMachine(&fakeJoiner{})
	m.HandleChatStart(ChatStartEvent{SubtaskID: 100})
	m.Leave()

	snap := m.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.Messages)
}

func TestQueuedRecoverConsumedOnSettle(t *testing.T) {
	joiner := &fakeJoiner{result: JoinResult{}}
	m := newTestMachine(joiner)

	m.mu.Lock()
	m.status = StatusSyncing
	m.queuedRecover = &RecoverOptions{Force: true}
	m.mu.Unlock()

	m.mu.Lock()
	m.applyJoinResultLocked(JoinResult{})
	m.consumeQueuedRecoverLocked(context.Background())
	m.mu.Unlock()

	assert.Equal(t, 1, joiner.calls)
}
