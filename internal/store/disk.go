package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Disk stores each chunk as a file under a content-addressed path derived from
// the SHA-256 of its key, so no single directory grows large.
type Disk struct {
	root string
}

func NewDisk(root string) (*Disk, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &Disk{root: root}, nil
}

// Root returns the store directory.
func (d *Disk) Root() string {
	return d.root
}

func (d *Disk) pathFor(key string) (dir, full string) {
	sum := sha256.Sum256([]byte(key))
	hash := hex.EncodeToString(sum[:])
	dir = filepath.Join(d.root, hash[0:8], hash[8:16], hash[16:24])
	return dir, filepath.Join(dir, hash)
}

func (d *Disk) Get(key string) ([]byte, error) {
	_, full := d.pathFor(key)
	data, err := os.ReadFile(full)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read chunk %s: %w", key, err)
	}
	return data, nil
}

// Set writes to a temporary file and renames it into place, so a concurrent
// Get never sees a partial chunk.
func (d *Disk) Set(key string, data []byte) error {
	dir, full := d.pathFor(key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create chunk directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".chunk-*")
	if err != nil {
		return fmt.Errorf("create chunk %s: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write chunk %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync chunk %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close chunk %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit chunk %s: %w", key, err)
	}
	return nil
}

func (d *Disk) Delete(key string) error {
	_, full := d.pathFor(key)
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete chunk %s: %w", key, err)
	}
	return nil
}

// Clear removes every stored chunk and recreates the empty root.
func (d *Disk) Clear() error {
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return os.MkdirAll(d.root, 0755)
}
