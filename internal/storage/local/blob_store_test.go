package local_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/caseharvest/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "docs")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		assert.DirExists(t, dir)
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsAFile", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("WritesNestedPath", func(t *testing.T) {
		t.Parallel()
		got, err := store.PutObject(ctx, "L/1_C_A/2020-2024/pdfs/C.A.1-L_2024_memo.pdf", "application/pdf", bytes.NewReader([]byte("%PDF-1.4")))
		require.NoError(t, err)
		want := filepath.Join(dir, "L", "1_C_A", "2020-2024", "pdfs", "C.A.1-L_2024_memo.pdf")
		assert.Equal(t, want, got)
		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(want)
		require.NoError(t, err)
		assert.Equal(t, "%PDF-1.4", string(data))
	})

	t.Run("OverwritesExisting", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(ctx, "again.pdf", "", bytes.NewReader([]byte("one")))
		require.NoError(t, err)
		got, err := store.PutObject(ctx, "again.pdf", "", bytes.NewReader([]byte("two")))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(got)
		require.NoError(t, err)
		assert.Equal(t, "two", string(data))
	})

	t.Run("FailedCopyKeepsPrevious", func(t *testing.T) {
		t.Parallel()
		got, err := store.PutObject(ctx, "keep.pdf", "", bytes.NewReader([]byte("original")))
		require.NoError(t, err)
		_, err = store.PutObject(ctx, "keep.pdf", "", failingReader{})
		require.Error(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(got)
		require.NoError(t, err)
		assert.Equal(t, "original", string(data))
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".keep.pdf.")
		}
	})

	t.Run("RejectsTraversal", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(ctx, "../outside.pdf", "", bytes.NewReader(nil))
		assert.Error(t, err)
	})

	t.Run("RejectsEmptyPath", func(t *testing.T) {
		t.Parallel()
		_, err := store.PutObject(ctx, " ", "", bytes.NewReader(nil))
		assert.Error(t, err)
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }
