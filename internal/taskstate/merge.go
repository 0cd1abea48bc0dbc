package taskstate

import (
	"context"
	"fmt"
)

// mergeSubtasksLocked applies the content-priority merge rule to a snapshot
// of subtasks returned by joinTask. Caller holds mu.
func (m *Machine) mergeSubtasksLocked(subtasks []Subtask) {
	for _, st := range subtasks {
		m.mergeOneSubtaskLocked(st)
	}

	// If streamingInfo names a subtask no slot was created for, synthesize
	// one.
	if m.streamingInfo != nil {
		slot := aiSlotID(m.streamingInfo.SubtaskID)
		if _, ok := m.messages[slot]; !ok {
			id := m.streamingInfo.SubtaskID
			m.messages[slot] = Message{
				ID:        slot,
				Type:      MessageTypeAI,
				Status:    MessageStatusStreaming,
				Content:   m.streamingInfo.CachedContent,
				Timestamp: nowMillis(),
				SubtaskID: &id,
			}
		}
	}
}

func (m *Machine) mergeOneSubtaskLocked(st Subtask) {
	if st.Role == SubtaskRoleAssistant && st.Status == SubtaskStatusPending {
		// Placeholder not yet scheduled; skip.
		return
	}

	if st.Role == SubtaskRoleUser {
		m.mergeUserSubtaskLocked(st)
		return
	}

	m.mergeAssistantSubtaskLocked(st)
}

func (m *Machine) mergeUserSubtaskLocked(st Subtask) {
	slot := fmt.Sprintf("user-backend-%d", st.ID)
	existing, existed := m.messages[slot]
	if existed && isTerminal(existing.Status) {
		// never overwrite a terminal slot with a stale snapshot.
		return
	}

	id := st.ID
	msg := Message{
		ID:             slot,
		Type:           MessageTypeUser,
		Content:        st.Prompt,
		Timestamp:      st.CreatedAt.UnixMilli(),
		SubtaskID:      &id,
		MessageID:      st.MessageID,
		Attachments:    st.Attachments,
		Contexts:       st.Contexts,
		SenderUserID:   st.SenderUserID,
		SenderUserName: st.SenderUserName,
	}

	switch st.Status {
	case SubtaskStatusFailed, SubtaskStatusCancelled:
		msg.Status = MessageStatusError
		msg.Error = st.ErrorMessage
	default:
		msg.Status = MessageStatusCompleted
	}
	msg.SubtaskStatus = st.Status

	m.messages[slot] = msg

	// An optimistic pending message for the same content, still keyed
	// under its local id, is superseded once the backend slot exists; it
	// is left alone here (confirmUserMessage is the caller's job) since
	// the map key differs and the merge must not silently drop it.
}

func (m *Machine) mergeAssistantSubtaskLocked(st Subtask) {
	slot := aiSlotID(st.ID)
	existing, existed := m.messages[slot]

	if existed && isTerminal(existing.Status) && st.Status != SubtaskStatusFailed && st.Status != SubtaskStatusCancelled {
		// a terminal slot is never overwritten with stale streaming content.
		if st.Status != SubtaskStatusRunning {
			m.applyAssistantTerminalLocked(slot, st, existing, existed)
		}
		return
	}

	if st.Status == SubtaskStatusRunning {
		m.applyAssistantRunningLocked(slot, st, existing, existed)
		return
	}

	m.applyAssistantTerminalLocked(slot, st, existing, existed)
}

// applyAssistantRunningLocked implements the content-priority rule: choose
// the longest of Redis cachedContent (if streamingInfo matches this
// subtask), current in-memory content, or backend result.value.
func (m *Machine) applyAssistantRunningLocked(slot string, st Subtask, existing Message, existed bool) {
	if existed && isTerminal(existing.Status) {
		return
	}

	candidates := make([]string, 0, 4)
	if m.streamingInfo != nil && m.streamingInfo.SubtaskID == st.ID {
		candidates = append(candidates, m.streamingInfo.CachedContent)
	}
	if m.liveCache != nil {
		if entry, ok := m.liveCache.Get(context.Background(), st.ID); ok {
			candidates = append(candidates, entry.CachedContent)
		}
	}
	if existed {
		candidates = append(candidates, existing.Content)
	}
	if st.Result != nil {
		candidates = append(candidates, st.Result.Value)
	}

	content := longest(candidates)

	id := st.ID
	msg := existing
	if !existed {
		msg = Message{ID: slot, Type: MessageTypeAI, Timestamp: nowMillis(), SubtaskID: &id}
	}
	msg.Content = content
	msg.SubtaskStatus = st.Status
	msg.MessageID = st.MessageID
	if st.Result != nil {
		msg.Result = st.Result
	}
	msg.Attachments = st.Attachments
	msg.Contexts = st.Contexts

	if msg.Error == "" {
		msg.Status = MessageStatusStreaming
	}

	m.messages[slot] = msg
}

func (m *Machine) applyAssistantTerminalLocked(slot string, st Subtask, existing Message, existed bool) {
	id := st.ID
	msg := existing
	if !existed {
		msg = Message{ID: slot, Type: MessageTypeAI, Timestamp: nowMillis(), SubtaskID: &id}
		if st.Result != nil {
			msg.Content = st.Result.Value
		}
	}

	switch st.Status {
	case SubtaskStatusFailed, SubtaskStatusCancelled:
		msg.Status = MessageStatusError
		msg.Error = st.ErrorMessage
	default:
		msg.Status = MessageStatusCompleted
	}
	msg.SubtaskStatus = st.Status
	if st.MessageID != nil {
		msg.MessageID = st.MessageID
	}
	if st.Result != nil {
		msg.Result = st.Result
	}
	msg.Attachments = st.Attachments
	msg.Contexts = st.Contexts

	m.messages[slot] = msg
}

func longest(candidates []string) string {
	var best string
	for _, c := range candidates {
		if len(c) > len(best) {
			best = c
		}
	}
	return best
}

// mergeResultLocked merges incoming over existing, preferring incoming
// non-empty/non-nil fields.
func mergeResultLocked(existing, incoming *Result) {
	if incoming.Value != "" {
		existing.Value = incoming.Value
	}
	if len(incoming.Thinking) > 0 {
		existing.Thinking = incoming.Thinking
	}
	if len(incoming.Blocks) > 0 {
		existing.Blocks = mergeBlocks(existing.Blocks, incoming.Blocks)
	}
	if incoming.ShellType != "" {
		existing.ShellType = incoming.ShellType
	}
	if len(incoming.Sources) > 0 {
		existing.Sources = incoming.Sources
	}
}

// mergeBlocks merges incoming blocks into existing by id: text blocks accumulate content, tool blocks replace
// wholesale.
func mergeBlocks(existing, incoming []Block) []Block {
	index := make(map[string]int, len(existing))
	out := append([]Block(nil), existing...)
	for i, b := range out {
		index[b.ID] = i
	}
	for _, b := range incoming {
		if i, ok := index[b.ID]; ok {
			if b.Kind == "text" {
				out[i].Content += b.Content
				if b.Status != "" {
					out[i].Status = b.Status
				}
			} else {
				out[i] = b
			}
			continue
		}
		index[b.ID] = len(out)
		out = append(out, b)
	}
	return out
}

// mergeBlock handles the common text-stream case: a chunk carrying only
// blockId + content appends to (or creates) a streaming text block.
func mergeBlock(result *Result, blockID, content string) {
	for i, b := range result.Blocks {
		if b.ID == blockID {
			if b.Kind == "" || b.Kind == "text" {
				result.Blocks[i].Content += content
			}
			return
		}
	}
	result.Blocks = append(result.Blocks, Block{
		ID:      blockID,
		Kind:    "text",
		Content: content,
		Status:  MessageStatusStreaming,
	})
}

// AddPendingUserMessage inserts an optimistic user message.
func (m *Machine) AddPendingUserMessage(localID, content string, attachments []Attachment, contexts []Context, senderUserID, senderUserName string, isGroupChat bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[localID] = Message{
		ID:               localID,
		Type:             MessageTypeUser,
		Status:           MessageStatusPending,
		Content:          content,
		Timestamp:        nowMillis(),
		Attachments:      attachments,
		Contexts:         contexts,
		SenderUserID:     senderUserID,
		SenderUserName:   senderUserName,
		ShouldShowSender: isGroupChat,
	}
}

// ConfirmUserMessage transitions a pending message to completed and attaches
// server-assigned ids, keeping the same map key.
func (m *Machine) ConfirmUserMessage(localID string, subtaskID, messageID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[localID]
	if !ok {
		return
	}
	msg.Status = MessageStatusCompleted
	msg.SubtaskID = &subtaskID
	msg.MessageID = &messageID
	m.messages[localID] = msg
}

// MarkUserMessageError transitions a pending message to error.
func (m *Machine) MarkUserMessageError(localID, errText string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[localID]
	if !ok {
		return
	}
	msg.Status = MessageStatusError
	msg.Error = errText
	m.messages[localID] = msg
}

// CleanupMessagesAfterEdit implements the edit cascade: drop all messages
// whose messageId is >= the edited message's messageId.
func (m *Machine) CleanupMessagesAfterEdit(editedSubtaskID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := fmt.Sprintf("user-backend-%d", editedSubtaskID)
	edited, ok := m.messages[slot]
	if !ok || edited.MessageID == nil {
		return
	}
	threshold := *edited.MessageID

	for key, msg := range m.messages {
		if msg.MessageID != nil && *msg.MessageID >= threshold {
			delete(m.messages, key)
		}
	}
}

// MergeOlderMessages implements pagination:
// inserts entries not already present; existing keys are never overwritten
// by older snapshots.
func (m *Machine) MergeOlderMessages(older []Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range older {
		if _, exists := m.messages[msg.ID]; exists {
			continue
		}
		m.messages[msg.ID] = msg.clone()
	}
}
