// Package cache provides the two cache tiers shared by connector instances:
// a bounded in-process LRU and a bounded on-disk store of compressed,
// content-addressed artifacts.
package cache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrMiss is returned by Read when no usable entry exists for the key.
// Corrupt or stale-format entries are reported as misses so callers fall
// back to recomputation.
var ErrMiss = errors.New("cache miss")

// diskFormatVersion tags the on-disk payload layout. Entries written with a
// different version are treated as misses and rewritten, never migrated.
const diskFormatVersion byte = 1

const (
	diskFileExt     = ".bin"
	brotliQuality   = 5
	lengthPrefixLen = 8
)

// DiskStore persists JSON-serialized artifacts as brotli-compressed files
// named {prefix}{key}.bin under a cache root. Each prefix is bounded by file
// count: before a write, the oldest files by modification time are removed
// until the count is strictly under the ceiling. Entries are recomputable,
// so losing one is never a correctness problem.
type DiskStore struct {
	root     string
	maxFiles int
	logger   zerolog.Logger
}

// NewDiskStore creates a disk store rooted at root, keeping at most maxFiles
// entries per filename prefix.
func NewDiskStore(root string, maxFiles int) *DiskStore {
	return &DiskStore{
		root:     root,
		maxFiles: maxFiles,
		logger:   log.With().Str("module", "disk_cache").Logger(),
	}
}

// Root returns the cache root directory.
func (s *DiskStore) Root() string {
	return s.root
}

func (s *DiskStore) path(prefix, key string) string {
	return filepath.Join(s.root, prefix+key+diskFileExt)
}

// Write serializes v and stores it under {prefix}{key}.bin. The payload is
// written to a temporary file and renamed into place, so a crash mid-write
// never leaves a partially written entry behind.
func (s *DiskStore) Write(prefix, key string, v any) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir %s: %w", s.root, err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteByte(diskFormatVersion)
	var lenPrefix [lengthPrefixLen]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(len(raw)))
	buf.Write(lenPrefix[:])
	w := brotli.NewWriterLevel(&buf, brotliQuality)
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to compress cache entry: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to flush compressor: %w", err)
	}

	// evict only once the new payload is ready, a failed encode must not
	// cost an existing entry
	s.Evict(prefix)

	tmp, err := os.CreateTemp(s.root, prefix+"*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	target := s.path(prefix, key)
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish cache file %s: %w", target, err)
	}
	s.logger.Info().Str("path", target).Int("compressed_bytes", buf.Len()).Msg("wrote cache file")
	return nil
}

// Read loads the entry stored under {prefix}{key}.bin into v. A missing,
// truncated, stale-format or undecodable entry yields ErrMiss.
func (s *DiskStore) Read(prefix, key string, v any) error {
	path := s.path(prefix, key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrMiss
		}
		s.logger.Error().Err(err).Str("path", path).Msg("failed to read cache file")
		return ErrMiss
	}
	if len(data) < 1+lengthPrefixLen {
		s.logger.Warn().Str("path", path).Msg("cache file truncated, treating as miss")
		return ErrMiss
	}
	if data[0] != diskFormatVersion {
		s.logger.Warn().Str("path", path).Uint8("version", data[0]).Msg("cache file format version mismatch, treating as miss")
		return ErrMiss
	}
	rawLen := binary.BigEndian.Uint64(data[1 : 1+lengthPrefixLen])
	raw, err := io.ReadAll(brotli.NewReader(bytes.NewReader(data[1+lengthPrefixLen:])))
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("cache file failed to decompress, treating as miss")
		return ErrMiss
	}
	if uint64(len(raw)) != rawLen {
		s.logger.Warn().Str("path", path).Msg("cache payload length mismatch, treating as miss")
		return ErrMiss
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("cache payload failed to decode, treating as miss")
		return ErrMiss
	}
	return nil
}

// Evict removes the oldest files sharing prefix until fewer than the
// configured ceiling remain, making room for one new entry.
func (s *DiskStore) Evict(prefix string) {
	if s.maxFiles <= 0 {
		return
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	type aged struct {
		path    string
		modTime time.Time
	}
	var paths []aged
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || strings.HasSuffix(name, ".tmp") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		paths = append(paths, aged{path: filepath.Join(s.root, name), modTime: info.ModTime()})
	}
	sort.Slice(paths, func(i, j int) bool {
		return paths[i].modTime.Before(paths[j].modTime)
	})
	for len(paths) >= s.maxFiles {
		oldest := paths[0]
		paths = paths[1:]
		if err := os.Remove(oldest.path); err != nil {
			s.logger.Error().Err(err).Str("path", oldest.path).Msg("failed to delete old cache file")
			continue
		}
		s.logger.Info().Str("path", oldest.path).Msg("deleted oldest cache file")
	}
}
