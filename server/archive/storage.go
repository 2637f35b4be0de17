// Package archive is a blob store for notification images
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/zmnotify/server/config"
)

var ErrNoPublicUrl = errors.New("No public URL")
var ErrNotConfigured = errors.New("No archive configured")

// Storage is an abstraction of a blob store (eg GCS)
type Storage interface {
	// When finished, you must close the WriteCloser
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	// Returns ErrNoPublicUrl if the blob cannot be fetched directly by a client
	URL(name string) (string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

// Open creates the storage that is described by the config.
// Returns ErrNotConfigured if no archive is configured.
func Open(log logs.Log, cfg config.ArchiveConfig) (Storage, error) {
	if cfg.Filesystem != nil {
		return NewStorageFS(log, cfg.Filesystem.Root)
	} else if cfg.GCS != nil {
		return NewStorageGCS(log, cfg.GCS.Bucket, cfg.GCS.Public)
	}
	return nil, ErrNotConfigured
}

func WriteFile(ctx context.Context, s Storage, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return fmt.Errorf("Failed to write %v: %w", name, err)
	}
	return errClose
}

func ReadFile(ctx context.Context, s Storage, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
