package bond

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/hkdf"

	"github.com/chaz8081/padlink/internal/hci"
)

// Record layout on disk:
//
//	addr(6) key(16) marker(4, LE) checksum(32)
const (
	recordMarker   uint32 = 0xDEADBEEF
	payloadSize           = 6 + 16 + 4
	checksumSize          = blake2b.Size256
	RecordFileSize        = payloadSize + checksumSize
)

var checksumInfo = []byte("padlink bond record v1")

// FileStore keeps the record in a single file. Writes go through a
// temporary file and a rename so a crash never leaves half a record.
type FileStore struct {
	path string
	key  []byte

	mu sync.Mutex
}

// NewFileStore returns a store backed by path. secret keys the record
// checksum; an empty secret still detects corruption.
func NewFileStore(path, secret string) (*FileStore, error) {
	key, err := deriveChecksumKey(secret)
	if err != nil {
		return nil, err
	}
	return &FileStore{path: path, key: key}, nil
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

func deriveChecksumKey(secret string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, []byte(secret), nil, checksumInfo)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("bond: derive checksum key: %w", err)
	}
	return key, nil
}

func (s *FileStore) checksum(payload []byte) ([]byte, error) {
	h, err := blake2b.New256(s.key)
	if err != nil {
		return nil, fmt.Errorf("bond: checksum: %w", err)
	}
	h.Write(payload)
	return h.Sum(nil), nil
}

// Load reads the record. Missing, truncated, corrupt and zero-key files all
// report ok=false without an error.
func (s *FileStore) Load() (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("bond: read %s: %w", s.path, err)
	}
	if len(data) != RecordFileSize {
		slog.Warn("[BOND] ignoring record with wrong size", "path", s.path, "size", len(data))
		return Record{}, false, nil
	}

	payload := data[:payloadSize]
	sum, err := s.checksum(payload)
	if err != nil {
		return Record{}, false, err
	}
	if !bytes.Equal(sum, data[payloadSize:]) {
		slog.Warn("[BOND] ignoring record with bad checksum", "path", s.path)
		return Record{}, false, nil
	}
	if binary.LittleEndian.Uint32(payload[22:]) != recordMarker {
		slog.Warn("[BOND] ignoring record without marker", "path", s.path)
		return Record{}, false, nil
	}

	var rec Record
	copy(rec.Addr[:], payload[0:6])
	copy(rec.Key[:], payload[6:22])
	if !rec.Valid() {
		return Record{}, false, nil
	}
	return rec, true, nil
}

// Save overwrites the record.
func (s *FileStore) Save(addr hci.Addr, key hci.LinkKey) error {
	if key.IsZero() {
		return ErrZeroKey
	}

	buf := make([]byte, RecordFileSize)
	copy(buf[0:6], addr[:])
	copy(buf[6:22], key[:])
	binary.LittleEndian.PutUint32(buf[22:26], recordMarker)
	sum, err := s.checksum(buf[:payloadSize])
	if err != nil {
		return err
	}
	copy(buf[payloadSize:], sum)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("bond: create directory: %w", err)
	}

	tmpPath := s.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("bond: create temp file: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("bond: write record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("bond: sync record: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("bond: close record: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("bond: rename record: %w", err)
	}
	return nil
}

// Clear removes the record. Clearing an empty store is not an error.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("bond: remove %s: %w", s.path, err)
	}
	return nil
}
