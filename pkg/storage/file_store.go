package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// URLPrefix is the route under which disk-stored uploads are served.
const URLPrefix = "/uploads"

// FileStore saves uploaded files to disk under a base directory.
type FileStore struct {
	basePath string
}

// NewFileStore creates the base directory if missing.
func NewFileStore(basePath string) (*FileStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FileStore{basePath: basePath}, nil
}

// BasePath returns the directory files are written under.
func (f *FileStore) BasePath() string {
	return f.basePath
}

// Save writes the bytes under the base directory and returns a relative
// URL under /uploads.
func (f *FileStore) Save(_ context.Context, name string, r io.Reader, _ int64, _ string) (SavedObject, error) {
	name = safeFilename(name)
	target := filepath.Join(f.basePath, name)

	out, err := os.Create(target)
	if err != nil {
		return SavedObject{}, fmt.Errorf("create file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, r); err != nil {
		return SavedObject{}, fmt.Errorf("write file: %w", err)
	}
	return SavedObject{Key: name, URL: path.Join(URLPrefix, name)}, nil
}

// Delete removes the stored file. A file that is already gone counts as
// deleted; any other failure is returned so the caller can keep its record.
func (f *FileStore) Delete(_ context.Context, key string) error {
	target := filepath.Join(f.basePath, safeFilename(key))
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func safeFilename(name string) string {
	name = filepath.Base(name)
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	name = strings.TrimSpace(name)
	if name == "" {
		return "upload"
	}
	return name
}
