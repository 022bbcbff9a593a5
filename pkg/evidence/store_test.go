package evidence

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "screenshots/7_step_2.png", Key(CategoryScreenshots, 7, 2, "png"))
	assert.Equal(t, "schemas/7_step_2.json", Key(CategorySchemas, 7, 2, "json"))
}

func TestFileStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	key := Key(CategoryScreenshots, 1, 0, "png")
	require.NoError(t, s.Put(ctx, key, []byte("png-bytes")))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), got)

	_, err = os.Stat(filepath.Join(dir, "screenshots", "1_step_0.png"))
	assert.NoError(t, err)
	assert.Contains(t, s.URL(key), "file://")
}

func TestFileStoreFirstWriteWins(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := Key(CategorySchemas, 3, 1, "json")
	require.NoError(t, s.Put(ctx, key, []byte(`{"v":1}`)))
	require.NoError(t, s.Put(ctx, key, []byte(`{"v":2}`)))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), got)
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, s.Put(context.Background(), "../outside.txt", []byte("x")))
	_, err = s.Get(context.Background(), "/etc/passwd")
	assert.Error(t, err)
}

func TestFileStoreMissingKey(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Get(context.Background(), Key(CategoryDownloads, 9, 9, "pdf"))
	assert.ErrorContains(t, err, "not found")
}

func TestFactorySchemes(t *testing.T) {
	ctx := context.Background()

	s, err := NewStore(ctx, t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = NewStore(ctx, "file://"+t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	_, err = NewStore(ctx, "ftp://nope")
	assert.ErrorContains(t, err, "unsupported evidence scheme")
}
