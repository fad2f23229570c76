package messaging

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStore_LocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store, err := NewBlobStore(DiskLocal, map[string]Disk{DiskLocal: NewLocalDisk(root)})
	require.NoError(t, err)

	now := time.Date(2024, 7, 9, 23, 59, 0, 0, time.UTC)
	disk, path, err := store.Write(ctx, "Holiday.JPG", strings.NewReader("jpeg bytes"), 10, "image/jpeg", now)
	require.NoError(t, err)
	assert.Equal(t, DiskLocal, disk)
	assert.True(t, strings.HasPrefix(path, "messages/2024/07/09/"), path)
	assert.True(t, strings.HasSuffix(path, ".jpg"), path)

	rc, err := store.Stream(ctx, disk, path)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	require.NoError(t, store.Delete(ctx, disk, path))
	// Deleting twice is fine
	require.NoError(t, store.Delete(ctx, disk, path))

	_, err = store.Stream(ctx, disk, path)
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestBlobStore_KeysAreUnique(t *testing.T) {
	ctx := context.Background()
	store, err := NewBlobStore(DiskLocal, map[string]Disk{DiskLocal: NewLocalDisk(t.TempDir())})
	require.NoError(t, err)

	now := time.Now()
	_, first, err := store.Write(ctx, "a.txt", strings.NewReader("1"), 1, "text/plain", now)
	require.NoError(t, err)
	_, second, err := store.Write(ctx, "a.txt", strings.NewReader("2"), 1, "text/plain", now)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestBlobStore_UnknownDisk(t *testing.T) {
	_, err := NewBlobStore(DiskS3, map[string]Disk{DiskLocal: NewLocalDisk(t.TempDir())})
	assert.Error(t, err)

	store, err := NewBlobStore(DiskLocal, map[string]Disk{DiskLocal: NewLocalDisk(t.TempDir())})
	require.NoError(t, err)
	_, err = store.Stream(context.Background(), "gcs", "messages/x")
	assert.Error(t, err)
}

func TestLocalDisk_RejectsTraversal(t *testing.T) {
	ctx := context.Background()
	parent := t.TempDir()
	root := filepath.Join(parent, "blobs")
	require.NoError(t, os.MkdirAll(root, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "secret.txt"), []byte("secret"), 0644))

	disk := NewLocalDisk(root)

	_, err := disk.Stream(ctx, "../secret.txt")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBlobNotFound)

	err = disk.Write(ctx, "../../escape.txt", strings.NewReader("x"), 1, "text/plain")
	assert.Error(t, err)

	assert.Error(t, disk.Delete(ctx, "../secret.txt"))
	_, err = os.Stat(filepath.Join(parent, "secret.txt"))
	assert.NoError(t, err)
}

// brokenReader fails after handing out part of its content
type brokenReader struct {
	sent bool
}

func (r *brokenReader) Read(p []byte) (int, error) {
	if r.sent {
		return 0, errors.New("connection reset")
	}
	r.sent = true
	return copy(p, "partial"), nil
}

func TestLocalDisk_FailedWriteLeavesNoFile(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	disk := NewLocalDisk(root)

	err := disk.Write(ctx, "messages/2024/01/01/cut.bin", &brokenReader{}, 100, "application/octet-stream")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	_, err = os.Stat(filepath.Join(root, "messages/2024/01/01/cut.bin"))
	assert.True(t, os.IsNotExist(err))

	_, err = disk.Stream(ctx, "messages/2024/01/01/cut.bin")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}
