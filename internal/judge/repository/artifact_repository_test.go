package repository_test

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"judgecore/internal/common/storage"
	"judgecore/internal/judge/repository"
	appErr "judgecore/pkg/errors"

	"github.com/klauspost/compress/zstd"
)

type putCall struct {
	bucket      string
	key         string
	contentType string
	size        int64
	data        []byte
}

type fakeStorage struct {
	puts   []putCall
	putErr error
}

func (s *fakeStorage) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	return nil, errors.New("not implemented")
}

func (s *fakeStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if s.putErr != nil {
		return s.putErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.puts = append(s.puts, putCall{
		bucket:      bucket,
		key:         objectKey,
		contentType: contentType,
		size:        sizeBytes,
		data:        data,
	})
	return nil
}

func (s *fakeStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, errors.New("not implemented")
}

func unpackBundle(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer zr.Close()
	files := map[string][]byte{}
	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		content, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("tar read: %v", err)
		}
		files[header.Name] = content
	}
	return files
}

func TestArchiveBundlesFiles(t *testing.T) {
	store := &fakeStorage{}
	archiver := repository.NewObjectArtifactArchiver(store, "judge-artifacts")

	files := []repository.ArtifactFile{
		{Name: "compile.log", Data: []byte("warning: unused variable\n")},
		{Name: "stdout.txt", Data: []byte("42\n")},
		{Name: "", Data: []byte("nameless")},
		{Name: "result.json", Data: []byte(`{"verdict":"Accepted"}`)},
	}
	key, err := archiver.Archive(context.Background(), "sub-1", files)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if key != "artifacts/sub-1.tar.zst" {
		t.Fatalf("unexpected key %q", key)
	}
	if len(store.puts) != 1 {
		t.Fatalf("expected 1 upload, got %d", len(store.puts))
	}
	put := store.puts[0]
	if put.bucket != "judge-artifacts" || put.key != key {
		t.Fatalf("upload landed in %s/%s", put.bucket, put.key)
	}
	if put.contentType != "application/zstd" {
		t.Fatalf("unexpected content type %q", put.contentType)
	}
	if put.size != int64(len(put.data)) {
		t.Fatalf("declared size %d does not match payload %d", put.size, len(put.data))
	}

	bundle := unpackBundle(t, put.data)
	if len(bundle) != 3 {
		t.Fatalf("nameless files must be skipped, bundle has %d entries", len(bundle))
	}
	if string(bundle["compile.log"]) != "warning: unused variable\n" {
		t.Fatalf("compile.log mismatch: %q", bundle["compile.log"])
	}
	if string(bundle["stdout.txt"]) != "42\n" {
		t.Fatalf("stdout.txt mismatch: %q", bundle["stdout.txt"])
	}
	if string(bundle["result.json"]) != `{"verdict":"Accepted"}` {
		t.Fatalf("result.json mismatch: %q", bundle["result.json"])
	}
}

func TestArchiveValidation(t *testing.T) {
	ctx := context.Background()
	files := []repository.ArtifactFile{{Name: "stdout.txt", Data: []byte("x")}}

	archiver := repository.NewObjectArtifactArchiver(&fakeStorage{}, "judge-artifacts")
	if _, err := archiver.Archive(ctx, "", files); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}

	storeless := repository.NewObjectArtifactArchiver(nil, "judge-artifacts")
	if _, err := storeless.Archive(ctx, "sub-1", files); appErr.GetCode(err) != appErr.StorageError {
		t.Fatalf("expected storage error without a client, got %v", err)
	}

	bucketless := repository.NewObjectArtifactArchiver(&fakeStorage{}, "")
	if _, err := bucketless.Archive(ctx, "sub-1", files); appErr.GetCode(err) != appErr.StorageError {
		t.Fatalf("expected storage error without a bucket, got %v", err)
	}
}

func TestArchiveUploadFailure(t *testing.T) {
	uploadErr := errors.New("minio down")
	archiver := repository.NewObjectArtifactArchiver(&fakeStorage{putErr: uploadErr}, "judge-artifacts")

	_, err := archiver.Archive(context.Background(), "sub-1", []repository.ArtifactFile{{Name: "stdout.txt", Data: []byte("x")}})
	if appErr.GetCode(err) != appErr.StorageError {
		t.Fatalf("expected storage error, got %v", err)
	}
	if !errors.Is(err, uploadErr) {
		t.Fatalf("upload error must stay in the chain: %v", err)
	}
}
