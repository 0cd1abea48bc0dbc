// Package taskstate implements the per-task state machine and its
// process-wide manager: the engine that reconciles optimistic local sends,
// live socket events, and database snapshots into one ordered message
// timeline, built around the same status lattice, active-machine map, and
// cleanup sweep shape as a typical task-lifecycle manager, reworked for
// the chat domain's own lattice and merge semantics.
package taskstate

import "time"

// Status is a node in the task's lifecycle lattice: idle, joining,
// syncing, ready, streaming, error.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusJoining   Status = "joining"
	StatusSyncing   Status = "syncing"
	StatusReady     Status = "ready"
	StatusStreaming Status = "streaming"
	StatusError     Status = "error"
)

// MessageType is the discriminant of the Message tagged sum.
type MessageType string

const (
	MessageTypeUser MessageType = "user"
	MessageTypeAI   MessageType = "ai"
)

// MessageStatus is the per-message lifecycle state.
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusStreaming MessageStatus = "streaming"
	MessageStatusCompleted MessageStatus = "completed"
	MessageStatusError     MessageStatus = "error"
)

// SubtaskStatus mirrors the server-side subtask lifecycle.
type SubtaskStatus string

const (
	SubtaskStatusPending   SubtaskStatus = "PENDING"
	SubtaskStatusRunning   SubtaskStatus = "RUNNING"
	SubtaskStatusCompleted SubtaskStatus = "COMPLETED"
	SubtaskStatusFailed    SubtaskStatus = "FAILED"
	SubtaskStatusCancelled SubtaskStatus = "CANCELLED"
)

// SubtaskRole distinguishes user vs assistant subtasks in a snapshot.
type SubtaskRole string

const (
	SubtaskRoleUser      SubtaskRole = "USER"
	SubtaskRoleAssistant SubtaskRole = "ASSISTANT"
)

// Block is one typed fragment of an assistant reply.
type Block struct {
	ID      string        `json:"id"`
	Kind    string        `json:"kind"` // "text" | "tool_call" | "tool_result"
	Content string        `json:"content,omitempty"`
	Status  MessageStatus `json:"status,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Result is the structured payload carried by a message.
type Result struct {
	Value           string         `json:"value,omitempty"`
	Thinking        []string       `json:"thinking,omitempty"`
	Blocks          []Block        `json:"blocks,omitempty"`
	ShellType       string         `json:"shell_type,omitempty"`
	Sources         []Source       `json:"sources,omitempty"`
	ReasoningChunk  string         `json:"reasoning_chunk,omitempty"`
	ReasoningContent string        `json:"reasoning_content,omitempty"`
	Correction      *Correction    `json:"correction,omitempty"`
}

// Source is a knowledge-base citation.
type Source struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// Attachment is an opaque attachment reference.
type Attachment struct {
	ID   string `json:"id"`
	Kind string `json:"kind,omitempty"`
}

// Context is an opaque knowledge-base reference.
type Context struct {
	ID string `json:"id"`
}

// Correction is the cached result of a correction-engine pass.
type Correction struct {
	Scores         CorrectionScores `json:"scores"`
	Corrections    []CorrectionItem `json:"corrections"`
	Summary        string           `json:"summary"`
	ImprovedAnswer string           `json:"improved_answer"`
	IsCorrect      bool             `json:"is_correct"`
	Applied        bool             `json:"applied"`
	OriginalValue  string           `json:"original_value,omitempty"`
}

// CorrectionScores are the per-dimension scores a correction pass reports.
type CorrectionScores struct {
	Accuracy     float64 `json:"accuracy"`
	Logic        float64 `json:"logic"`
	Completeness float64 `json:"completeness"`
}

// CorrectionItem is one (issue, suggestion) pair.
type CorrectionItem struct {
	Issue      string `json:"issue"`
	Suggestion string `json:"suggestion"`
}

// Message is the tagged-sum message type: the user and ai variants
// share this struct, with MessageType/MessageStatus discriminating
// which fields are meaningful rather than a Go interface hierarchy per
// variant.
type Message struct {
	ID               string
	Type             MessageType
	Status           MessageStatus
	Content          string
	Timestamp        int64 // milliseconds since epoch
	SubtaskID        *int64
	MessageID        *int64 // server-assigned total-order key
	Error            string
	Attachments      []Attachment
	Contexts         []Context
	BotName          string
	SenderUserName   string
	SenderUserID     string
	ShouldShowSender bool
	SubtaskStatus    SubtaskStatus
	ReasoningContent string
	Sources          []Source
	Result           *Result
}

// clone returns a deep-enough copy for safe storage in the message map
// (slices/pointers are copied, not shared with the caller's event payload).
func (m Message) clone() Message {
	out := m
	if m.SubtaskID != nil {
		id := *m.SubtaskID
		out.SubtaskID = &id
	}
	if m.MessageID != nil {
		id := *m.MessageID
		out.MessageID = &id
	}
	if m.Attachments != nil {
		out.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Contexts != nil {
		out.Contexts = append([]Context(nil), m.Contexts...)
	}
	if m.Sources != nil {
		out.Sources = append([]Source(nil), m.Sources...)
	}
	if m.Result != nil {
		r := *m.Result
		if m.Result.Blocks != nil {
			r.Blocks = append([]Block(nil), m.Result.Blocks...)
		}
		if m.Result.Sources != nil {
			r.Sources = append([]Source(nil), m.Result.Sources...)
		}
		if m.Result.Thinking != nil {
			r.Thinking = append([]string(nil), m.Result.Thinking...)
		}
		out.Result = &r
	}
	return out
}

// StreamingInfo describes an in-flight assistant turn, as carried on a
// joinTask response or a live reconnect snapshot.
type StreamingInfo struct {
	SubtaskID     int64
	Offset        int
	CachedContent string
}

// Subtask is the server's view of one turn, returned by joinTask.
type Subtask struct {
	ID               int64
	Role             SubtaskRole
	Status           SubtaskStatus
	Progress         float64
	Prompt           string
	Result           *Result
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	MessageID        *int64
	Attachments      []Attachment
	Contexts         []Context
	BotNames         []string
	SenderUserID     string
	SenderUserName   string
}

// JoinResult is what the socket gateway's joinTask returns.
type JoinResult struct {
	Streaming *StreamingInfo
	Subtasks  []Subtask
	Error     string
}

// RecoverOptions carries the options of a recover() call.
type RecoverOptions struct {
	Force           bool
	ForceRefresh    bool
	AfterMessageID  int64
}
