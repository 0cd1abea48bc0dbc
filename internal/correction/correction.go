// Package correction implements the correction engine: a per-message
// "second opinion" that evaluates and optionally rewrites a completed
// assistant reply. Built around the same per-id side-channel config store
// and submit/cache shape as a push-notification webhook sender,
// generalized here from "notify a webhook on task state change" to
// "submit a correction request to an evaluator model and cache the scored
// result."
package correction

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/config"
	"github.com/wecode-ai/wegent-taskcore/internal/taskerrors"
	"github.com/wecode-ai/wegent-taskcore/internal/taskstate"
	"github.com/wecode-ai/wegent-taskcore/internal/transport"
)

// Mode is the per-task correction configuration persisted by ModeStore.
type Mode struct {
	Enabled           bool
	CorrectionModelID string
	EnableWebSearch   bool
}

// ModeStore is the small collaborator holding per-task mode state, the same
// shape as authsession.TokenStore: the engine depends on the interface, a
// concrete local key-value store is out of scope.
type ModeStore interface {
	Get(taskID string) (Mode, bool)
	Set(taskID string, mode Mode)
	// Migrate moves the record when a "new chat" placeholder task id is
	// replaced by a real one.
	Migrate(fromID, toID string)
}

// InMemoryModeStore is the reference ModeStore implementation.
type InMemoryModeStore struct {
	mu    sync.Mutex
	modes map[string]Mode
}

// NewInMemoryModeStore constructs an empty store.
func NewInMemoryModeStore() *InMemoryModeStore {
	return &InMemoryModeStore{modes: make(map[string]Mode)}
}

func (s *InMemoryModeStore) Get(taskID string) (Mode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.modes[taskID]
	return m, ok
}

func (s *InMemoryModeStore) Set(taskID string, mode Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[taskID] = mode
}

func (s *InMemoryModeStore) Migrate(fromID, toID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.modes[fromID]; ok {
		s.modes[toID] = m
		delete(s.modes, fromID)
	}
}

// submitRequest is the body of the correction endpoint call.
type submitRequest struct {
	TaskID             int64  `json:"task_id"`
	MessageID          int64  `json:"message_id"`
	OriginalQuestion   string `json:"original_question"`
	OriginalAnswer     string `json:"original_answer"`
	CorrectionModelID  string `json:"correction_model_id"`
	ForceRetry         bool   `json:"force_retry,omitempty"`
	EnableWebSearch    bool   `json:"enable_web_search,omitempty"`
}

// MachineLookup resolves the Machine owning a task, without creating one,
// so Apply/Undo can mutate its live message timeline.
type MachineLookup interface {
	Machine(taskID int64) (*taskstate.Machine, bool)
}

// Engine runs the correction workflow alongside a TaskStateMachine.
type Engine struct {
	transport *transport.Transport
	endpoint  string
	modes     ModeStore
	machines  MachineLookup
	logger    *zap.Logger

	mu         sync.Mutex
	attempted  map[string]bool // key: fmt.Sprintf("%d:%d", taskID, subtaskID)
	results    map[string]*taskstate.Correction
}

// New constructs a correction Engine.
func New(t *transport.Transport, cfg config.CorrectionConfig, modes ModeStore, machines MachineLookup, logger *zap.Logger) *Engine {
	return &Engine{
		transport: t,
		endpoint:  cfg.Endpoint,
		modes:     modes,
		machines:  machines,
		logger:    logger,
		attempted: make(map[string]bool),
		results:   make(map[string]*taskstate.Correction),
	}
}

func attemptKey(taskID, subtaskID int64) string {
	return fmt.Sprintf("%d:%d", taskID, subtaskID)
}

// Attempted reports whether a correction was already attempted for this
// message, preventing retry storms.
func (e *Engine) Attempted(taskID, subtaskID int64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attempted[attemptKey(taskID, subtaskID)]
}

// Submit runs the full correction request for a completed assistant reply.
// Callers are expected to only call this for status=completed, non-empty,
// non-error messages with correction mode enabled.
func (e *Engine) Submit(ctx context.Context, taskID string, taskIDNum, subtaskID, messageID int64, question, answer string, forceRetry bool) (*taskstate.Correction, error) {
	mode, ok := e.modes.Get(taskID)
	if !ok || !mode.Enabled {
		return nil, taskerrors.NewArtifactNotFoundError("correction mode not enabled for task")
	}

	e.mu.Lock()
	e.attempted[attemptKey(taskIDNum, subtaskID)] = true
	e.mu.Unlock()

	body := submitRequest{
		TaskID:            taskIDNum,
		MessageID:         messageID,
		OriginalQuestion:  question,
		OriginalAnswer:    answer,
		CorrectionModelID: mode.CorrectionModelID,
		ForceRetry:        forceRetry,
		EnableWebSearch:   mode.EnableWebSearch,
	}

	raw, err := e.transport.Post(ctx, e.endpoint, body)
	if err != nil {
		return nil, err
	}

	result, err := decodeCorrection(raw)
	if err != nil {
		return nil, err
	}
	result.OriginalValue = answer

	e.mu.Lock()
	e.results[attemptKey(taskIDNum, subtaskID)] = result
	e.mu.Unlock()

	return result, nil
}

// Apply replaces the visible assistant content with the improved answer,
// reversibly (original_value is retained on the cached Correction so undo
// can restore it), and pushes the change into the task's live message
// timeline via its Machine.
func (e *Engine) Apply(taskID, subtaskID int64) (*taskstate.Correction, error) {
	e.mu.Lock()
	result, ok := e.results[attemptKey(taskID, subtaskID)]
	e.mu.Unlock()
	if !ok {
		return nil, taskerrors.NewArtifactNotFoundError("no cached correction for message")
	}

	if m, ok := e.machines.Machine(taskID); ok {
		if err := m.ApplyCorrection(subtaskID, result); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	result.Applied = true
	e.mu.Unlock()
	return result, nil
}

// Undo reverts a previously applied correction back to the original answer,
// both in the cached result and on the task's live Machine.
func (e *Engine) Undo(taskID, subtaskID int64) (*taskstate.Correction, error) {
	e.mu.Lock()
	result, ok := e.results[attemptKey(taskID, subtaskID)]
	e.mu.Unlock()
	if !ok {
		return nil, taskerrors.NewArtifactNotFoundError("no cached correction for message")
	}

	if m, ok := e.machines.Machine(taskID); ok {
		if err := m.UndoCorrection(subtaskID, result); err != nil {
			return nil, err
		}
	}

	e.mu.Lock()
	result.Applied = false
	e.mu.Unlock()
	return result, nil
}

// Retry clears the cached result and attempted-flag and re-submits with
// force_retry=true.
func (e *Engine) Retry(ctx context.Context, taskID string, taskIDNum, subtaskID, messageID int64, question, answer string) (*taskstate.Correction, error) {
	e.mu.Lock()
	delete(e.attempted, attemptKey(taskIDNum, subtaskID))
	delete(e.results, attemptKey(taskIDNum, subtaskID))
	e.mu.Unlock()

	return e.Submit(ctx, taskID, taskIDNum, subtaskID, messageID, question, answer, true)
}

func decodeCorrection(raw any) (*taskstate.Correction, error) {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected correction response shape %T", raw)
	}

	result := &taskstate.Correction{}
	if scores, ok := m["scores"].(map[string]any); ok {
		result.Scores = taskstate.CorrectionScores{
			Accuracy:     toFloat(scores["accuracy"]),
			Logic:        toFloat(scores["logic"]),
			Completeness: toFloat(scores["completeness"]),
		}
	}
	if list, ok := m["corrections"].([]any); ok {
		for _, item := range list {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			result.Corrections = append(result.Corrections, taskstate.CorrectionItem{
				Issue:      toString(entry["issue"]),
				Suggestion: toString(entry["suggestion"]),
			})
		}
	}
	result.Summary = toString(m["summary"])
	result.ImprovedAnswer = toString(m["improved_answer"])
	result.IsCorrect, _ = m["is_correct"].(bool)

	return result, nil
}

func toFloat(v any) float64 {
	f, _ := v.(float64)
	return f
}

func toString(v any) string {
	s, _ := v.(string)
	return s
}
