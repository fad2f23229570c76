// internal/messaging/blobstore.go

package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/google/uuid"
)

const (
	DiskS3    = "s3"
	DiskLocal = "local"
)

var ErrBlobNotFound = errors.New("blob not found")

// Disk stores raw bytes under an opaque path. It enforces no access policy.
type Disk interface {
	Write(ctx context.Context, path string, content io.Reader, size int64, mime string) error
	Stream(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// BlobStore routes disk+path coordinates to the registered disks. New
// blobs always go to the default disk.
type BlobStore struct {
	disks       map[string]Disk
	defaultDisk string
}

func NewBlobStore(defaultDisk string, disks map[string]Disk) (*BlobStore, error) {
	if _, ok := disks[defaultDisk]; !ok {
		return nil, fmt.Errorf("default disk %q is not registered", defaultDisk)
	}
	return &BlobStore{disks: disks, defaultDisk: defaultDisk}, nil
}

// Write stores content under a fresh key and returns its coordinates
func (b *BlobStore) Write(ctx context.Context, filename string, content io.Reader, size int64, mime string, now time.Time) (disk, path string, err error) {
	path = fmt.Sprintf("messages/%s/%s%s",
		now.UTC().Format("2006/01/02"),
		uuid.New().String(),
		strings.ToLower(filepath.Ext(filename)),
	)

	if err := b.disks[b.defaultDisk].Write(ctx, path, content, size, mime); err != nil {
		return "", "", fmt.Errorf("write blob: %w", err)
	}
	return b.defaultDisk, path, nil
}

func (b *BlobStore) Stream(ctx context.Context, disk, path string) (io.ReadCloser, error) {
	d, err := b.disk(disk)
	if err != nil {
		return nil, err
	}
	return d.Stream(ctx, path)
}

func (b *BlobStore) Delete(ctx context.Context, disk, path string) error {
	d, err := b.disk(disk)
	if err != nil {
		return err
	}
	return d.Delete(ctx, path)
}

func (b *BlobStore) disk(name string) (Disk, error) {
	d, ok := b.disks[name]
	if !ok {
		return nil, fmt.Errorf("unknown disk %q", name)
	}
	return d, nil
}

// S3Disk keeps blobs in a private S3 bucket
type S3Disk struct {
	client *s3.S3
	bucket string
}

func NewS3Disk(awsSession *session.Session, bucket string) *S3Disk {
	return &S3Disk{
		client: s3.New(awsSession),
		bucket: bucket,
	}
}

func (d *S3Disk) Write(ctx context.Context, path string, content io.Reader, size int64, mime string) error {
	// PutObject needs a seekable body
	buf := new(bytes.Buffer)
	n, err := io.Copy(buf, content)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}

	_, err = d.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(d.bucket),
		Key:           aws.String(path),
		Body:          bytes.NewReader(buf.Bytes()),
		ContentType:   aws.String(mime),
		ContentLength: aws.Int64(n),
		Metadata: map[string]*string{
			"uploaded-at": aws.String(time.Now().UTC().Format(time.RFC3339)),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload to S3: %w", err)
	}
	return nil
}

func (d *S3Disk) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := d.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to fetch from S3: %w", err)
	}
	return out.Body, nil
}

func (d *S3Disk) Delete(ctx context.Context, path string) error {
	_, err := d.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		return fmt.Errorf("failed to delete from S3: %w", err)
	}
	return nil
}

// LocalDisk keeps blobs on the local filesystem under root
type LocalDisk struct {
	root string
}

func NewLocalDisk(root string) *LocalDisk {
	return &LocalDisk{root: root}
}

func (d *LocalDisk) resolve(path string) (string, error) {
	full := filepath.Join(d.root, filepath.FromSlash(path))
	rel, err := filepath.Rel(d.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob path %q", path)
	}
	return full, nil
}

func (d *LocalDisk) Write(ctx context.Context, path string, content io.Reader, size int64, mime string) error {
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	dst, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	_, err = io.Copy(dst, content)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(full)
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

func (d *LocalDisk) Stream(ctx context.Context, path string) (io.ReadCloser, error) {
	full, err := d.resolve(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return f, nil
}

func (d *LocalDisk) Delete(ctx context.Context, path string) error {
	full, err := d.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}
