package repository

import (
	"archive/tar"
	"bytes"
	"context"
	"time"

	"github.com/klauspost/compress/zstd"

	"judgecore/internal/common/storage"
	appErr "judgecore/pkg/errors"
)

const artifactKeyPrefix = "artifacts/"

// ArtifactFile is one named file inside an artifact bundle.
type ArtifactFile struct {
	Name string
	Data []byte
}

// ArtifactArchiver bundles run outputs (compile log, stdout and stderr
// excerpts, result JSON) for later inspection. Archiving is best effort:
// callers log failures and move on, the verdict never depends on it.
type ArtifactArchiver interface {
	Archive(ctx context.Context, submissionID string, files []ArtifactFile) (string, error)
}

// ObjectArtifactArchiver writes tar.zst bundles to object storage.
type ObjectArtifactArchiver struct {
	storage storage.ObjectStorage
	bucket  string
}

// NewObjectArtifactArchiver creates an archiver writing to the given bucket.
func NewObjectArtifactArchiver(store storage.ObjectStorage, bucket string) *ObjectArtifactArchiver {
	return &ObjectArtifactArchiver{storage: store, bucket: bucket}
}

// Archive bundles the files and uploads them under artifacts/<id>.tar.zst,
// returning the object key.
func (a *ObjectArtifactArchiver) Archive(ctx context.Context, submissionID string, files []ArtifactFile) (string, error) {
	if submissionID == "" {
		return "", appErr.ValidationError("submission_id", "required")
	}
	if a == nil || a.storage == nil {
		return "", appErr.New(appErr.StorageError).WithMessage("artifact storage is not configured")
	}
	if a.bucket == "" {
		return "", appErr.New(appErr.StorageError).WithMessage("artifact bucket is required")
	}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "create zstd writer failed")
	}
	tw := tar.NewWriter(zw)
	now := time.Now()
	for _, file := range files {
		if file.Name == "" {
			continue
		}
		header := &tar.Header{
			Name:    file.Name,
			Mode:    0o644,
			Size:    int64(len(file.Data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return "", appErr.Wrapf(err, appErr.StorageError, "write artifact header failed")
		}
		if _, err := tw.Write(file.Data); err != nil {
			return "", appErr.Wrapf(err, appErr.StorageError, "write artifact data failed")
		}
	}
	if err := tw.Close(); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "finish artifact tar failed")
	}
	if err := zw.Close(); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "finish artifact compression failed")
	}

	key := artifactKeyPrefix + submissionID + ".tar.zst"
	if err := a.storage.PutObject(ctx, a.bucket, key, &buf, int64(buf.Len()), "application/zstd"); err != nil {
		return "", appErr.Wrapf(err, appErr.StorageError, "upload artifact bundle failed")
	}
	return key, nil
}
