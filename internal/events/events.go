// Package events wraps each chat:* event in a typed cloudevents.Event
// envelope before it reaches taskstate.Machine, using the same
// NewXEvent(eventType, id, payload) constructor pattern used elsewhere for
// typed event envelopes, applied here to the six chat:* event kinds
// instead of an agent-loop's event kinds.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/wecode-ai/wegent-taskcore/internal/taskstate"
)

// EventType is the cloudevents "type" attribute for one of the six chat
// events carried over the socket gateway.
type EventType string

const (
	EventChatStart     EventType = "adk.chat.start"
	EventChatChunk     EventType = "adk.chat.chunk"
	EventChatDone      EventType = "adk.chat.done"
	EventChatError     EventType = "adk.chat.error"
	EventChatCancelled EventType = "adk.chat.cancelled"
	EventChatMessage   EventType = "adk.chat.message"
)

const source = "wegent-taskcore/socketgateway"

func newEvent(eventType EventType, id string, payload any) (cloudevents.Event, error) {
	ev := cloudevents.NewEvent()
	ev.SetID(id)
	ev.SetSource(source)
	ev.SetType(string(eventType))
	ev.SetTime(time.Now())
	if err := ev.SetData(cloudevents.ApplicationJSON, payload); err != nil {
		return cloudevents.Event{}, fmt.Errorf("encode %s event data: %w", eventType, err)
	}
	return ev, nil
}

func NewChatStartEvent(subtaskID int64, payload taskstate.ChatStartEvent) (cloudevents.Event, error) {
	return newEvent(EventChatStart, fmt.Sprintf("chat-start-%d", subtaskID), payload)
}

func NewChatChunkEvent(subtaskID int64, seq int, payload taskstate.ChatChunkEvent) (cloudevents.Event, error) {
	return newEvent(EventChatChunk, fmt.Sprintf("chat-chunk-%d-%d", subtaskID, seq), payload)
}

func NewChatDoneEvent(subtaskID int64, payload taskstate.ChatDoneEvent) (cloudevents.Event, error) {
	return newEvent(EventChatDone, fmt.Sprintf("chat-done-%d", subtaskID), payload)
}

func NewChatErrorEvent(subtaskID int64, payload taskstate.ChatErrorEvent) (cloudevents.Event, error) {
	return newEvent(EventChatError, fmt.Sprintf("chat-error-%d", subtaskID), payload)
}

func NewChatCancelledEvent(subtaskID int64, payload taskstate.ChatCancelledEvent) (cloudevents.Event, error) {
	return newEvent(EventChatCancelled, fmt.Sprintf("chat-cancelled-%d", subtaskID), payload)
}

func NewChatMessageEvent(subtaskID int64, payload taskstate.ChatMessageEvent) (cloudevents.Event, error) {
	return newEvent(EventChatMessage, fmt.Sprintf("chat-message-%d-%d", subtaskID, payload.MessageID), payload)
}

// Decode unwraps a cloudevents.Event's JSON data payload back into v.
func Decode(ev cloudevents.Event, v any) error {
	return json.Unmarshal(ev.Data(), v)
}
