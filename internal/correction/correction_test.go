package correction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/authsession"
	"github.com/wecode-ai/wegent-taskcore/internal/config"
	"github.com/wecode-ai/wegent-taskcore/internal/taskstate"
	"github.com/wecode-ai/wegent-taskcore/internal/transport"
)

// noMachineLookup is a hand-written fake: no task has an active machine, so
// Apply/Undo exercise only the engine's own cache.
type noMachineLookup struct{}

func (noMachineLookup) Machine(taskID int64) (*taskstate.Machine, bool) { return nil, false }

// fakeJoiner is a hand-written fake (no codegen/mocking framework); it is
// never called by the tests that use it here.
type fakeJoiner struct{}

func (fakeJoiner) JoinTask(ctx context.Context, taskID int64, opts taskstate.RecoverOptions) (taskstate.JoinResult, error) {
	return taskstate.JoinResult{}, nil
}

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, *InMemoryModeStore) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	tr := transport.New(server.URL, authsession.NewInMemoryTokenStore(), nil, nil, config.TransportConfig{}, zap.NewNop())
	modes := NewInMemoryModeStore()
	modes.Set("7", Mode{Enabled: true, CorrectionModelID: "judge-1"})

	return New(tr, config.CorrectionConfig{Endpoint: "/correction"}, modes, noMachineLookup{}, zap.NewNop()), modes
}

func TestSubmit_CachesResult(t *testing.T) {
	engine, _ := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"scores":          map[string]any{"accuracy": 0.9, "logic": 0.8, "completeness": 0.95},
			"corrections":     []any{map[string]any{"issue": "vague", "suggestion": "be specific"}},
			"summary":         "mostly correct",
			"improved_answer": "a better answer",
			"is_correct":      false,
		})
	})

	result, err := engine.Submit(context.Background(), "7", 7, 100, 1, "q", "a", false)
	require.NoError(t, err)
	assert.Equal(t, 0.9, result.Scores.Accuracy)
	assert.Equal(t, "a better answer", result.ImprovedAnswer)
	assert.True(t, engine.Attempted(7, 100))

	applied, err := engine.Apply(7, 100)
	require.NoError(t, err)
	assert.True(t, applied.Applied)

	undone, err := engine.Undo(7, 100)
	require.NoError(t, err)
	assert.False(t, undone.Applied)
}

func TestSubmit_RequiresEnabledMode(t *testing.T) {
	engine, modes := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not call endpoint when mode disabled")
	})
	modes.Set("7", Mode{Enabled: false})

	_, err := engine.Submit(context.Background(), "7", 7, 100, 1, "q", "a", false)
	require.Error(t, err)
}

func TestApply_UpdatesMachineMessage(t *testing.T) {
	server := httptest.NewServer(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"improved_answer": "a better answer"})
	})
	t.Cleanup(server.Close)

	tr := transport.New(server.URL, authsession.NewInMemoryTokenStore(), nil, nil, config.TransportConfig{}, zap.NewNop())
	modes := NewInMemoryModeStore()
	modes.Set("7", Mode{Enabled: true, CorrectionModelID: "judge-1"})

	manager, err := taskstate.NewManager(fakeJoiner{}, config.IdleSweepConfig{CronSpec: "*/5 * * * *"}, 0, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(manager.Stop)

	m := manager.GetOrCreate(7)
	m.HandleChatStart(taskstate.ChatStartEvent{SubtaskID: 100})
	m.HandleChatDone(taskstate.ChatDoneEvent{SubtaskID: 100, Content: "original", HasContent: true})

	engine := New(tr, config.CorrectionConfig{Endpoint: "/correction"}, modes, manager, zap.NewNop())

	_, err = engine.Submit(context.Background(), "7", 7, 100, 1, "q", "original", false)
	require.NoError(t, err)

	applied, err := engine.Apply(7, 100)
	require.NoError(t, err)
	assert.True(t, applied.Applied)
	assert.Equal(t, "a better answer", m.Snapshot().Messages["ai-100"].Content)

	undone, err := engine.Undo(7, 100)
	require.NoError(t, err)
	assert.False(t, undone.Applied)
	assert.Equal(t, "original", m.Snapshot().Messages["ai-100"].Content)
}

func TestModeStoreMigrate(t *testing.T) {
	modes := NewInMemoryModeStore()
	modes.Set("new", Mode{Enabled: true, CorrectionModelID: "m1"})
	modes.Migrate("new", "42")

	_, stillThere := modes.Get("new")
	assert.False(t, stillThere)

	moved, ok := modes.Get("42")
	require.True(t, ok)
	assert.Equal(t, "m1", moved.CorrectionModelID)
}
