// internal/messaging/cleanup.go

package messaging

import (
	"context"
	"time"
)

const cleanupBatchSize = 100

// BlobCleaner removes the stored bytes of attachments whose message was
// deleted for everyone. Rows keep their metadata; a marker makes reruns
// skip what is already gone.
type BlobCleaner struct {
	base
	interval time.Duration
}

func NewBlobCleaner(repo Repository, blobs *BlobStore, interval time.Duration, opts ...Option) *BlobCleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	opts = append([]Option{WithBlobStore(blobs)}, opts...)
	return &BlobCleaner{
		base:     newBase(repo, nil, "blob_cleaner", opts),
		interval: interval,
	}
}

// Start runs a sweep immediately and then on every tick until ctx ends
func (c *BlobCleaner) Start(ctx context.Context) {
	c.logger.Info("starting blob cleanup", "interval", c.interval)

	c.runCleanup(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup(ctx)
		case <-ctx.Done():
			c.logger.Info("stopping blob cleanup")
			return
		}
	}
}

func (c *BlobCleaner) runCleanup(ctx context.Context) {
	started := time.Now()
	removed, err := c.Sweep(ctx)
	if err != nil {
		c.logger.Error("blob cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		c.logger.Info("blob cleanup completed", "removed", removed, "duration", time.Since(started))
	}
}

// Sweep removes pending blobs batch by batch and returns how many were
// removed. A blob that fails to delete stays pending for the next run.
func (c *BlobCleaner) Sweep(ctx context.Context) (int, error) {
	removed := 0
	for {
		batch, err := c.repo.ListOrphanedBlobs(ctx, cleanupBatchSize)
		if err != nil {
			return removed, err
		}
		if len(batch) == 0 {
			return removed, nil
		}

		progress := false
		for _, a := range batch {
			if err := c.blobs.Delete(ctx, a.Disk, a.Path); err != nil {
				blobsCleaned.WithLabelValues("error").Inc()
				c.logger.Warn("failed to delete blob", "attachment_id", a.ID, "disk", a.Disk, "error", err)
				continue
			}
			if err := c.repo.MarkBlobDeleted(ctx, a.ID, c.clock()); err != nil {
				return removed, err
			}
			blobsCleaned.WithLabelValues("ok").Inc()
			removed++
			progress = true
		}

		if !progress || len(batch) < cleanupBatchSize {
			return removed, nil
		}
	}
}
