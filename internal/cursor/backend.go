package cursor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/blackmichael/atweet/internal/domain"
)

// Backend persists a single cursor value.
type Backend interface {
	// Load returns the stored cursor. ok is false when nothing usable is
	// stored; err is set when a stored value exists but cannot be read.
	Load(ctx context.Context) (cursor int64, ok bool, err error)

	// Save replaces the stored cursor.
	Save(ctx context.Context, cursor int64) error
}

// FileBackend stores the cursor as a decimal integer followed by a newline.
type FileBackend struct {
	path string
}

// NewFileBackend returns a FileBackend for path. The file and its parent
// directory are created on the first Save.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Load reads the cursor file. A missing file is absent; unreadable or
// negative content is absent with an error.
func (b *FileBackend) Load(_ context.Context) (int64, bool, error) {
	raw, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read cursor file %s: %w", b.path, err)
	}

	value, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse cursor file %s: %w", b.path, err)
	}
	if value < 0 {
		return 0, false, fmt.Errorf("parse cursor file %s: negative cursor %d", b.path, value)
	}
	return value, true, nil
}

// Save atomically replaces the cursor file, so readers never observe a
// partial value.
func (b *FileBackend) Save(_ context.Context, cursor int64) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		return fmt.Errorf("create cursor directory: %w", err)
	}
	data := []byte(strconv.FormatInt(cursor, 10) + "\n")
	if err := renameio.WriteFile(b.path, data, 0o644); err != nil {
		return fmt.Errorf("write cursor file %s: %w", b.path, err)
	}
	return nil
}

// RepositoryBackend stores the cursor in a domain.CursorRepository row keyed
// by service. A zero value is reported as absent.
type RepositoryBackend struct {
	repo    domain.CursorRepository
	service string
}

// NewRepositoryBackend returns a RepositoryBackend writing the row for
// service.
func NewRepositoryBackend(repo domain.CursorRepository, service string) *RepositoryBackend {
	return &RepositoryBackend{repo: repo, service: service}
}

// Load returns the stored cursor for the service.
func (b *RepositoryBackend) Load(ctx context.Context) (int64, bool, error) {
	cursor, err := b.repo.GetCursor(ctx, b.service)
	if err != nil {
		return 0, false, fmt.Errorf("get cursor for %s: %w", b.service, err)
	}
	return cursor, cursor > 0, nil
}

// Save upserts the cursor row.
func (b *RepositoryBackend) Save(ctx context.Context, cursor int64) error {
	if err := b.repo.UpdateCursor(ctx, b.service, cursor); err != nil {
		return fmt.Errorf("update cursor for %s: %w", b.service, err)
	}
	return nil
}
