package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmitrijs2005/filedrop/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStore_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	ctx := context.Background()

	n, err := s.Write(ctx, "abc", strings.NewReader("hello"), -1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	ok, err := s.Exists(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Read(ctx, "abc")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello", string(data))

	existed, err := s.Delete(ctx, "abc")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "abc")
	require.NoError(t, err)
	assert.False(t, existed, "deleting a missing blob is not an error")

	_, err = s.Read(ctx, "abc")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestLocalStore_OverwriteLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.Write(ctx, "k", bytes.NewReader([]byte("one")), 3)
	require.NoError(t, err)
	_, err = s.Write(ctx, "k", bytes.NewReader([]byte("second")), 6)
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "k", entries[0].Name())
}

func TestLocalStore_CancelledWriteKeepsNothing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Write(ctx, "k", strings.NewReader("data"), 4)
	require.ErrorIs(t, err, context.Canceled)

	ok, _ := s.Exists(context.Background(), "k")
	assert.False(t, ok)
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"", ".", "..", "../etc/passwd", "a/b", `a\b`, "a\x00b"} {
		assert.Error(t, validateKey(key), "key %q", key)
	}
	assert.NoError(t, validateKey("0b1f2a7e-8e4c-4f7e-9d4a-000000000000"))

	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Read(context.Background(), "../x")
	assert.Error(t, err)
}
