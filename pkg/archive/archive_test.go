package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	data := []byte(`{"transactions":[]}`)

	ref, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Ref(data), ref)

	again, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	missing := Ref([]byte("other"))
	ok, err = s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "md5:abc")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	exerciseStore(t, s)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, Options{Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(ctx, Options{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = Open(ctx, Options{Backend: BackendS3})
	assert.Error(t, err)

	_, err = Open(ctx, Options{Backend: "tape"})
	assert.Error(t, err)
}
