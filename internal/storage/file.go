package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/skalibog/altmap/pkg/models"
)

// FileStore keeps one JSON file per key under dir. Writes go through a
// temporary file and a rename so a crash never leaves a half written file.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir when needed
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(key string) string {
	name := strings.NewReplacer("/", "_", ":", "_", "\\", "_").Replace(key)
	return filepath.Join(f.dir, name+".json")
}

func (f *FileStore) read(key string) ([]byte, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", models.ErrStateCorruption, key)
	}
	return data, nil
}

func (f *FileStore) write(key string, data []byte) error {
	target := f.path(key)
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), target)
}

func (f *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(key)
}

func (f *FileStore) Set(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(key, value)
}

func (f *FileStore) Prepend(_ context.Context, key string, value []byte, max int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	list, err := f.readList(key)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, models.ErrStateCorruption) {
		return err
	}
	list = append([]json.RawMessage{value}, list...)
	if max > 0 && len(list) > max {
		list = list[:max]
	}
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return f.write(key, data)
}

func (f *FileStore) Range(_ context.Context, key string) ([][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list, err := f.readList(key)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(list))
	for i, raw := range list {
		out[i] = raw
	}
	return out, nil
}

func (f *FileStore) readList(key string) ([]json.RawMessage, error) {
	data, err := f.read(key)
	if err != nil {
		return nil, err
	}
	var list []json.RawMessage
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", models.ErrStateCorruption, key, err)
	}
	return list, nil
}

func (f *FileStore) Close() error {
	return nil
}
