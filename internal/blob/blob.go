// Package blob stores the payloads of external_blob attributes outside the
// record store. Rows carry a content-addressed key; the bytes live in a
// filesystem directory, process memory or an S3 bucket.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// Driver identifies a blob backend.
type Driver string

// Blob drivers.
const (
	DriverFilesystem Driver = "fs"
	DriverS3         Driver = "s3"
	DriverMemory     Driver = "memory"
)

// Blob errors.
var (
	ErrNotFound = errors.New("blob not found")
	ErrExists   = errors.New("blob already exists")
	ErrEmptyKey = errors.New("blob key is empty")
)

// PutOptions configures a write.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Info describes a stored blob.
type Info struct {
	Key          string            `json:"key"`
	Size         int64             `json:"size_bytes"`
	ContentType  string            `json:"content_type,omitempty"`
	ETag         string            `json:"etag,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	LastModified time.Time         `json:"last_modified"`
}

// Store is a flat key -> bytes store. Put is create-only and returns
// ErrExists when key is taken; Get and Head return ErrNotFound for a
// missing key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, opts PutOptions) (Info, error)
	Get(ctx context.Context, key string) (Info, io.ReadCloser, error)
	Head(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Driver() Driver
}

// ContentPrefix starts every content-addressed key.
const ContentPrefix = "sha256/"

// ContentKey returns the content-addressed key of data.
func ContentKey(data []byte) string {
	sum := sha256.Sum256(data)
	return ContentPrefix + hex.EncodeToString(sum[:])
}

// PutContent stores data under its content key and returns the key. Storing
// the same bytes twice is a no-op.
func PutContent(ctx context.Context, s Store, data []byte, contentType string) (string, error) {
	key := ContentKey(data)
	if _, err := s.Head(ctx, key); err == nil {
		return key, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", fmt.Errorf("checking blob %s: %w", key, err)
	}
	_, err := s.Put(ctx, key, bytes.NewReader(data), PutOptions{ContentType: contentType})
	if err != nil && !errors.Is(err, ErrExists) {
		return "", fmt.Errorf("storing blob %s: %w", key, err)
	}
	return key, nil
}

// ReadAll returns the content stored under key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	_, rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func cloneMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
