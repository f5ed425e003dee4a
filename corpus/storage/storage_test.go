package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"nutrimind/corpus/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"usda-1"}]`), 0644))

	fs := storage.NewFileState(path)
	got, err := fs.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte(`[{"id":"usda-1"}]`), got)
}

func TestFileStateMissing(t *testing.T) {
	fs := storage.NewFileState(filepath.Join(t.TempDir(), "nope.bin"))
	_, err := fs.Load(context.Background())
	assert.Error(t, err)
}

func TestTestState(t *testing.T) {
	ts := storage.NewTestState([]byte("payload"))
	got, err := ts.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	_, err = storage.NewTestStateWithError().Load(context.Background())
	assert.Error(t, err)
}
