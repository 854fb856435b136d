// Package storage selects the timeline repository backend at startup.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/blackmichael/atweet/internal/domain"
	"github.com/blackmichael/atweet/internal/memory"
	"github.com/blackmichael/atweet/internal/pebble"
	"github.com/blackmichael/atweet/internal/sqlite"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendPebble = "pebble"
)

// Options configures Open.
type Options struct {
	Backend      string
	DatabaseFile string
	PebbleDir    string
	MaxBuffer    int
}

// Storage bundles the opened repository with its optional cursor table.
type Storage struct {
	Repository domain.TwitRepository
	// Cursors is nil unless the backend can persist firehose cursors.
	Cursors domain.CursorRepository
	// PostLog is nil for the in-memory backend.
	PostLog domain.PostLogRepository

	close func() error
}

// Close releases the backend.
func (s *Storage) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open opens the backend named by opts.Backend. An empty backend selects
// the in-memory buffer.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (*Storage, error) {
	switch opts.Backend {
	case "", BackendMemory:
		logger.Info("using in-memory twit repository", "max_buffer", opts.MaxBuffer)
		return &Storage{Repository: memory.NewRepository(opts.MaxBuffer)}, nil

	case BackendSQLite:
		path := SQLitePath(opts.DatabaseFile)
		repo, err := sqlite.NewRepository(ctx, path, opts.MaxBuffer)
		if err != nil {
			return nil, fmt.Errorf("open sqlite repository: %w", err)
		}
		logger.Info("using sqlite twit repository", "path", path, "max_buffer", opts.MaxBuffer)
		return &Storage{Repository: repo, Cursors: repo, PostLog: repo, close: repo.Close}, nil

	case BackendPebble:
		repo, err := pebble.NewRepository(opts.PebbleDir, opts.MaxBuffer)
		if err != nil {
			return nil, fmt.Errorf("open pebble repository: %w", err)
		}
		logger.Info("using pebble twit repository", "dir", opts.PebbleDir, "max_buffer", opts.MaxBuffer)
		return &Storage{Repository: repo, PostLog: repo, close: repo.Close}, nil

	default:
		return nil, fmt.Errorf("unknown repository backend %q", opts.Backend)
	}
}

// SQLitePath appends the .sqlite extension to base paths without one.
func SQLitePath(file string) string {
	if filepath.Ext(file) == "" {
		return file + ".sqlite"
	}
	return file
}
