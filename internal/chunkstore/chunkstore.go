// Package chunkstore stages uploaded chunk bytes and derived image variants on
// the local filesystem. Paths are derived deterministically from the upload id
// so reprocessing always finds the same locations. Writes never overwrite:
// the store is append-only and existence-checkable.
package chunkstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) ChunkPath(uploadID uuid.UUID, index int) string {
	return filepath.Join(s.root, "chunks", uploadID.String(), fmt.Sprintf("%06d.part", index))
}

func (s *Store) VariantPath(uploadID uuid.UUID, width int) string {
	return filepath.Join(s.root, "variants", uploadID.String(), fmt.Sprintf("%d.jpg", width))
}

// SaveChunk persists chunk bytes for (uploadID, index). The first write wins:
// if the chunk already exists the incoming bytes are discarded and no error is
// returned.
func (s *Store) SaveChunk(uploadID uuid.UUID, index int, data []byte) error {
	const op = "chunkstore.SaveChunk"

	path := s.ChunkPath(uploadID, index)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) HasChunk(uploadID uuid.UUID, index int) bool {
	_, err := os.Stat(s.ChunkPath(uploadID, index))
	return err == nil
}

func (s *Store) ReadChunk(uploadID uuid.UUID, index int) ([]byte, error) {
	const op = "chunkstore.ReadChunk"

	data, err := os.ReadFile(s.ChunkPath(uploadID, index))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

// SaveVariant persists encoded variant bytes at the deterministic variant path
// and returns that path. An existing variant file is left untouched.
func (s *Store) SaveVariant(uploadID uuid.UUID, width int, data []byte) (string, error) {
	const op = "chunkstore.SaveVariant"

	path := s.VariantPath(uploadID, width)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return path, nil
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return path, nil
}
