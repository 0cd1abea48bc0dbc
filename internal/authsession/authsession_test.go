package authsession

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wecode-ai/wegent-taskcore/internal/config"
)

func TestInMemoryTokenStore(t *testing.T) {
	store := NewInMemoryTokenStore()
	assert.Equal(t, "", store.Token())

	store.SetToken("abc123")
	assert.Equal(t, "abc123", store.Token())

	store.Clear()
	assert.Equal(t, "", store.Token())
}

func TestNewVerifier_DisabledReturnsNoop(t *testing.T) {
	v, err := NewVerifier(context.Background(), config.AuthSessionConfig{Enable: false}, zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, v.Verify(context.Background(), "anything"))

	_, err = v.RefreshToken(context.Background(), "refresh-token")
	assert.Error(t, err)
}

func TestNewVerifier_EnabledButIncompleteFallsBackToNoop(t *testing.T) {
	v, err := NewVerifier(context.Background(), config.AuthSessionConfig{Enable: true}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, v.Verify(context.Background(), "anything"))
}
