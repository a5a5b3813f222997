package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vakovalskii/ValeDesk-sub000/internal/observability"
)

// FileName is the memory file inside the data directory.
const FileName = "memory.md"

// Store holds the long-term memory document. The file is the source of
// truth; the cached content is refreshed by Load/Reload.
type Store struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	content string
}

// New creates a store for <dataDir>/memory.md. Nothing is read until Load.
func New(dataDir string, logger zerolog.Logger) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	observability.EnsureRegistered()
	return &Store{
		path:   filepath.Join(dataDir, FileName),
		logger: logger,
	}, nil
}

// Path returns the memory file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the file. A missing file is empty memory.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read memory: %w", err)
	}

	s.mu.Lock()
	s.content = string(data)
	s.mu.Unlock()

	observability.SetMemoryBytes(len(data))
	return nil
}

// Reload re-reads the file after an external change.
func (s *Store) Reload() error {
	if err := s.Load(); err != nil {
		return err
	}
	s.logger.Debug().Str("path", s.path).Msg("Memory reloaded")
	return nil
}

// Content returns the cached memory text.
func (s *Store) Content() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.content
}

// Append adds text on its own line at the end of the document.
func (s *Store) Append(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("content is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.content
	if next != "" && !strings.HasSuffix(next, "\n") {
		next += "\n"
	}
	next += text + "\n"
	return s.writeLocked(next)
}

// Replace overwrites the whole document.
func (s *Store) Replace(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(text)
}

func (s *Store) writeLocked(content string) error {
	start := time.Now()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create memory directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write memory: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace memory: %w", err)
	}

	s.content = content
	observability.RecordMemoryWrite(time.Since(start), len(content))
	observability.SetMemoryBytes(len(content))
	s.logger.Info().Int("bytes", len(content)).Msg("Memory updated")
	return nil
}
