package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerifyToken(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")

	token, err := MintToken(dir, "alice")
	require.NoError(t, err)
	assert.Len(t, token, 64)

	info, err := os.Stat(filepath.Join(dir, "alice.token"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	assert.True(t, VerifyToken(dir, "alice", token))
	assert.False(t, VerifyToken(dir, "alice", "wrong"))
	assert.False(t, VerifyToken(dir, "bob", token))
}

func TestMintTokenRejectsBadNames(t *testing.T) {
	dir := t.TempDir()

	for _, name := range []string{"", "-leading", "has space", "a/b", "../../etc/passwd", "über"} {
		_, err := MintToken(dir, name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestVerifyTokenRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	// Even if a matching file existed, a bad name never verifies.
	assert.False(t, VerifyToken(dir, "../alice", "anything"))
	assert.False(t, VerifyToken(dir, "", "anything"))
}

func TestMintTokenRotates(t *testing.T) {
	dir := t.TempDir()

	first, err := MintToken(dir, "alice")
	require.NoError(t, err)
	second, err := MintToken(dir, "alice")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.False(t, VerifyToken(dir, "alice", first))
	assert.True(t, VerifyToken(dir, "alice", second))
}
