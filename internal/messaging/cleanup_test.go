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

func TestBlobCleaner_RemovesBlobsOfDeletedMessages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.direct(t, alice, bob)

	upload := func(name string) *MessagePayload {
		msg, err := env.messages.Send(ctx, conv.ID, alice, &SendMessageRequest{}, []Upload{{
			Filename: name,
			Mime:     "text/plain",
			Content:  strings.NewReader("contents of " + name),
		}})
		require.NoError(t, err)
		return msg
	}
	gone := upload("gone.txt")
	kept := upload("kept.txt")

	require.NoError(t, env.messages.Delete(ctx, gone.ID, alice, DeleteForEveryone))

	goneAtt, err := env.repo.GetAttachment(ctx, gone.Attachments[0].ID)
	require.NoError(t, err)
	keptAtt, err := env.repo.GetAttachment(ctx, kept.Attachments[0].ID)
	require.NoError(t, err)

	cleaner := NewBlobCleaner(env.repo, env.blobs, time.Minute, WithClock(env.clock.Now))

	removed, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(filepath.Join(env.blobRoot, filepath.FromSlash(goneAtt.Path)))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(env.blobRoot, filepath.FromSlash(keptAtt.Path)))
	assert.NoError(t, err)

	// Metadata stays, marked as cleaned
	goneAtt, err = env.repo.GetAttachment(ctx, goneAtt.ID)
	require.NoError(t, err)
	assert.NotNil(t, goneAtt.BlobDeletedAt)
	assert.Equal(t, "gone.txt", goneAtt.Filename)

	removed, err = cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

// failingDisk refuses every delete
type failingDisk struct {
	Disk
}

func (failingDisk) Delete(ctx context.Context, path string) error {
	return errors.New("disk unavailable")
}

func (failingDisk) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, ErrBlobNotFound
}

func TestBlobCleaner_FailedDeleteStaysPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	conv := env.direct(t, alice, bob)

	msg, err := env.messages.Send(ctx, conv.ID, alice, &SendMessageRequest{}, []Upload{{
		Filename: "stuck.txt",
		Mime:     "text/plain",
		Content:  strings.NewReader("stuck"),
	}})
	require.NoError(t, err)
	require.NoError(t, env.messages.Delete(ctx, msg.ID, alice, DeleteForEveryone))

	broken, err := NewBlobStore(DiskLocal, map[string]Disk{DiskLocal: failingDisk{NewLocalDisk(env.blobRoot)}})
	require.NoError(t, err)

	cleaner := NewBlobCleaner(env.repo, broken, time.Minute)
	removed, err := cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)

	pending, err := env.repo.ListOrphanedBlobs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBlobCleaner_StartStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	cleaner := NewBlobCleaner(env.repo, env.blobs, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cleaner.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleaner did not stop")
	}
}
