package device

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/moby/sys/atomicwriter"
	"github.com/rs/zerolog"
)

const (
	// Record file permissions: the record binds this device to the relay.
	recordFilePerm = 0o600
	recordDirPerm  = 0o700
)

// Store is the on-disk device record. It is the only writer of that file.
type Store struct {
	path   string
	logger zerolog.Logger
}

// NewStore returns a store backed by the JSON file at path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		logger: logger.With().Str("component", "device-store").Logger(),
	}
}

// Path returns the location of the record file.
func (s *Store) Path() string {
	return s.path
}

// Load reads the record. A missing file yields an empty record, not an error.
func (s *Store) Load() (Record, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Debug().Str("path", s.path).Msg("no device record on disk")
			return Record{}, nil
		}
		return nil, fmt.Errorf("failed to read device record: %w", err)
	}

	rec := Record{}
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse device record %s: %w", s.path, err)
	}
	if rec == nil {
		// A literal "null" on disk.
		rec = Record{}
	}
	return rec, nil
}

// IsEmpty reports whether the device is unregistered, i.e. any required field is
// missing or empty, regardless of whether the file exists.
func (s *Store) IsEmpty() (bool, error) {
	rec, err := s.Load()
	if err != nil {
		return false, err
	}
	return !rec.Valid(), nil
}

// Save merges partial over the record on disk and atomically replaces the file.
func (s *Store) Save(partial Record) error {
	start := time.Now()

	existing, err := s.Load()
	if err != nil {
		return err
	}
	merged := existing.Merge(partial)

	data, err := json.MarshalIndent(merged, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal device record: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), recordDirPerm); err != nil {
		return fmt.Errorf("failed to create device record directory: %w", err)
	}
	// Temp file + rename: a crash never leaves a half-written record behind.
	if err := atomicwriter.WriteFile(s.path, data, recordFilePerm); err != nil {
		return fmt.Errorf("failed to write device record: %w", err)
	}

	s.logger.Debug().
		Str("path", s.path).
		Int("fields", len(merged)).
		Dur("took", time.Since(start)).
		Msg("device record saved")
	return nil
}
