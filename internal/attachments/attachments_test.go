package attachments

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wecode-ai/wegent-taskcore/internal/taskerrors"
)

// A Store with a nil minio client can still be exercised on the
// validation path: Resolve/Delete must reject a malformed id/filename
// before ever touching the client.
func TestResolve_RejectsEmptyIdentifiers(t *testing.T) {
	store := &Store{bucket: "chat-attachments"}

	var target *taskerrors.ArtifactNotFoundError

	_, err := store.Resolve(context.Background(), "", "file.png")
	assert.ErrorAs(t, err, &target)

	_, err = store.Resolve(context.Background(), "att-1", "")
	assert.ErrorAs(t, err, &target)
}

func TestSanitize_StripsLeadingSlashAndDotDot(t *testing.T) {
	assert.Equal(t, "a/b", sanitize("/a/b"))
	assert.Equal(t, "//etc/passwd", sanitize("../../etc/passwd"))
	assert.Equal(t, "plain", sanitize("plain"))
}
