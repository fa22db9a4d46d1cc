// Package storage handles persistence of campaign runs.
//
// A run is a tree of JSON and NDJSON objects rooted either in a local directory or under
// a prefix in a Cloud Storage bucket. Only one poller may write to a run at a time; Lock
// enforces that.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/iterator"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// IsNotFound checks if an error indicates an object was not found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Store reads and writes run objects.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	prefix    string
	secrets   map[string]string
}

// New creates a new storage handler. With a non-empty localPath the run lives on the
// local filesystem; otherwise it lives in bucket under prefix.
func New(client *storage.Client, bucket, prefix, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
	}
}

// NewLocal creates a store rooted at a local run directory.
func NewLocal(runDir string, logger *slog.Logger) *Store {
	return New(nil, "", "", runDir, logger)
}

// SetSecrets configures the credential values replaced by placeholders in raw logs.
func (s *Store) SetSecrets(secrets map[string]string) {
	s.secrets = secrets
}

// Location describes where the run lives, for logs.
func (s *Store) Location() string {
	if s.localPath != "" {
		return s.localPath
	}
	return "gs://" + path.Join(s.bucket, s.prefix)
}

func (s *Store) objectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) filePath(key string) string {
	return filepath.Join(s.localPath, filepath.FromSlash(key))
}

func (s *Store) retryOptions(ctx context.Context, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying storage operation after error", "operation", op, "attempt", n, "key", key, "error", err)
		}),
	}
}

// Read returns the content of key.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	data, _, err := s.read(ctx, key)
	return data, err
}

// read also returns the object generation (0 for local files) for conditional writes.
func (s *Store) read(ctx context.Context, key string) ([]byte, int64, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(s.filePath(key))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, 0, fmt.Errorf("read %s: %w", key, ErrNotFound)
			}
			return nil, 0, fmt.Errorf("read from local storage: %w", err)
		}
		return data, 0, nil
	}

	var data []byte
	var gen int64
	var missing bool
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					missing = true
					return retry.Unrecoverable(openErr)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()
			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			gen = r.Attrs.Generation
			return nil
		},
		s.retryOptions(ctx, "read", key)...,
	)
	if missing {
		return nil, 0, fmt.Errorf("read %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("read after retries: %w", err)
	}
	return data, gen, nil
}

// Write replaces the content of key.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		p := s.filePath(key)
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return fmt.Errorf("create local directory: %w", err)
		}
		tmp := p + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, p); err != nil {
			return fmt.Errorf("replace local file: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			return s.writeObject(ctx, s.client.Bucket(s.bucket).Object(s.objectName(key)), data)
		},
		s.retryOptions(ctx, "write", key)...,
	)
	if err != nil {
		return fmt.Errorf("write after retries: %w", err)
	}
	return nil
}

func (s *Store) writeObject(ctx context.Context, obj *storage.ObjectHandle, data []byte) error {
	w := obj.NewWriter(ctx)
	if _, writeErr := w.Write(data); writeErr != nil {
		if closeErr := w.Close(); closeErr != nil {
			s.logger.Warn("Failed to close writer after error", "error", closeErr)
		}
		return fmt.Errorf("write to storage: %w", writeErr)
	}
	if closeErr := w.Close(); closeErr != nil {
		return fmt.Errorf("close storage writer: %w", closeErr)
	}
	return nil
}

// Append adds data to the end of key, creating it if needed.
//
// Cloud Storage objects are immutable, so appending rewrites the object guarded by a
// generation precondition; a concurrent writer makes the attempt fail and retry.
func (s *Store) Append(ctx context.Context, key string, data []byte) error {
	if s.localPath != "" {
		p := s.filePath(key)
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return fmt.Errorf("create local directory: %w", err)
		}
		f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open for append: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("append to local storage: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close appended file: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			existing, gen, err := s.read(ctx, key)
			if err != nil && !IsNotFound(err) {
				return err
			}
			obj := s.client.Bucket(s.bucket).Object(s.objectName(key))
			if gen == 0 {
				obj = obj.If(storage.Conditions{DoesNotExist: true})
			} else {
				obj = obj.If(storage.Conditions{GenerationMatch: gen})
			}
			var buf bytes.Buffer
			buf.Grow(len(existing) + len(data))
			buf.Write(existing)
			buf.Write(data)
			return s.writeObject(ctx, obj, buf.Bytes())
		},
		s.retryOptions(ctx, "append", key)...,
	)
	if err != nil {
		return fmt.Errorf("append after retries: %w", err)
	}
	return nil
}

// Delete removes key. Deleting a missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s.localPath != "" {
		if err := os.Remove(s.filePath(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete from local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			if deleteErr := s.client.Bucket(s.bucket).Object(s.objectName(key)).Delete(ctx); deleteErr != nil {
				if errors.Is(deleteErr, storage.ErrObjectNotExist) {
					return nil
				}
				return fmt.Errorf("delete from storage: %w", deleteErr)
			}
			return nil
		},
		s.retryOptions(ctx, "delete", key)...,
	)
	if err != nil {
		return fmt.Errorf("delete after retries: %w", err)
	}
	return nil
}

// listDirs returns the names of the immediate children of dir that are directories
// (local) or common prefixes (bucket), sorted.
func (s *Store) listDirs(ctx context.Context, dir string) ([]string, error) {
	var names []string

	if s.localPath != "" {
		entries, err := os.ReadDir(s.filePath(dir))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("read local storage directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				names = append(names, entry.Name())
			}
		}
		sort.Strings(names)
		return names, nil
	}

	base := s.objectName(dir) + "/"
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{
		Prefix:    base,
		Delimiter: "/",
	})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate storage: %w", err)
		}
		if attrs.Prefix == "" {
			continue
		}
		names = append(names, strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, base), "/"))
	}
	sort.Strings(names)
	return names, nil
}
