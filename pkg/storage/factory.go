package storage

import (
	"context"
	"fmt"

	"phishwall/pkg/config"
)

// New creates the audit backend named in cfg. A disabled audit log or the
// "none" backend yields a NoOpStorage.
func New(cfg *config.AuditConfig, metrics MetricsRecorder) (Storage, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if !cfg.Enabled.Or(true) {
		return NewNoOpStorage(), nil
	}

	switch cfg.Backend {
	case config.AuditBackendNone:
		return NewNoOpStorage(), nil
	case "", config.AuditBackendFile:
		return NewFileStorage(cfg.FilePath)
	case config.AuditBackendSQLite:
		return NewSQLiteStorage(cfg, metrics)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidBackend, cfg.Backend)
	}
}

// NoOpStorage discards every record.
type NoOpStorage struct{}

// NewNoOpStorage creates a new no-op storage
func NewNoOpStorage() *NoOpStorage {
	return &NoOpStorage{}
}

// LogQuery does nothing
func (n *NoOpStorage) LogQuery(ctx context.Context, query *QueryLog) error {
	return nil
}

// Ping does nothing
func (n *NoOpStorage) Ping(ctx context.Context) error {
	return nil
}

// Close does nothing
func (n *NoOpStorage) Close() error {
	return nil
}
