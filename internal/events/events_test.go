package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wecode-ai/wegent-taskcore/internal/taskstate"
)

func TestNewChatChunkEvent_RoundTrips(t *testing.T) {
	payload := taskstate.ChatChunkEvent{
		SubtaskID: 7,
		Content:   "partial",
		BlockID:   "block-1",
	}

	ev, err := NewChatChunkEvent(7, 3, payload)
	require.NoError(t, err)
	assert.Equal(t, string(EventChatChunk), ev.Type())
	assert.Equal(t, "chat-chunk-7-3", ev.ID())
	assert.Equal(t, source, ev.Source())

	var decoded taskstate.ChatChunkEvent
	require.NoError(t, Decode(ev, &decoded))
	assert.Equal(t, payload, decoded)
}

func TestEventIDsDifferBySubtask(t *testing.T) {
	a, err := NewChatStartEvent(1, taskstate.ChatStartEvent{SubtaskID: 1})
	require.NoError(t, err)
	b, err := NewChatStartEvent(2, taskstate.ChatStartEvent{SubtaskID: 2})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID(), b.ID())
}

func TestNewChatMessageEvent_KeyedByMessageID(t *testing.T) {
	ev, err := NewChatMessageEvent(9, taskstate.ChatMessageEvent{SubtaskID: 9, MessageID: 100})
	require.NoError(t, err)
	assert.Equal(t, "chat-message-9-100", ev.ID())
}
