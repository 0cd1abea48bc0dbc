package taskstate

// Dispatch* methods let Manager satisfy socketgateway.Dispatcher without
// taskstate importing socketgateway.

func (mgr *Manager) DispatchChatStart(taskID int64, ev ChatStartEvent) {
	mgr.GetOrCreate(taskID).HandleChatStart(ev)
}

func (mgr *Manager) DispatchChatChunk(taskID int64, ev ChatChunkEvent) {
	mgr.GetOrCreate(taskID).HandleChatChunk(ev)
}

func (mgr *Manager) DispatchChatDone(taskID int64, ev ChatDoneEvent) {
	mgr.GetOrCreate(taskID).HandleChatDone(ev)
}

func (mgr *Manager) DispatchChatError(taskID int64, ev ChatErrorEvent) {
	mgr.GetOrCreate(taskID).HandleChatError(ev)
}

func (mgr *Manager) DispatchChatCancelled(taskID int64, ev ChatCancelledEvent) {
	mgr.GetOrCreate(taskID).HandleChatCancelled(ev)
}

func (mgr *Manager) DispatchChatMessage(taskID int64, ev ChatMessageEvent) {
	mgr.GetOrCreate(taskID).HandleChatMessage(ev)
}
