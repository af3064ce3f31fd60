package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileStorage appends one JSON object per line to a file.
type FileStorage struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	enc    *json.Encoder
	path   string
	closed bool
}

// NewFileStorage opens path for appending, creating it if needed.
func NewFileStorage(path string) (*FileStorage, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: audit file path is empty", ErrInvalidConfig)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	w := bufio.NewWriter(f)
	return &FileStorage{
		file: f,
		w:    w,
		enc:  json.NewEncoder(w),
		path: path,
	}, nil
}

// LogQuery writes the record and flushes it to the file.
func (s *FileStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if query.Timestamp.IsZero() {
		query.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.enc.Encode(query); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// Ping reports whether the file is still open.
func (s *FileStorage) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	return nil
}

// Path returns the file being written.
func (s *FileStorage) Path() string {
	return s.path
}

// Close flushes and closes the file.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	flushErr := s.w.Flush()
	if err := s.file.Close(); err != nil {
		return err
	}
	return flushErr
}
