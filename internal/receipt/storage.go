package receipt

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Storage holds captured receipt images. Keys double as the draft and record imageRef.
type Storage interface {
	// Save stores data under name and returns the key to read it back with
	Save(name string, data []byte) (string, error)

	// Get reads the data stored under key
	Get(key string) ([]byte, error)

	// Delete removes the data stored under key
	Delete(key string) error
}

// LocalStorage implements Storage on the local filesystem
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates the directory if needed
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	return &LocalStorage{
		basePath: basePath,
	}, nil
}

// Save writes to a temporary file first so a reader never sees a partial image
func (l *LocalStorage) Save(name string, data []byte) (string, error) {
	key, err := l.checkKey(name)
	if err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(l.basePath, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(l.basePath, key)); err != nil {
		return "", fmt.Errorf("renaming file: %w", err)
	}
	return key, nil
}

// Get reads a stored image
func (l *LocalStorage) Get(key string) ([]byte, error) {
	key, err := l.checkKey(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(l.basePath, key))
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// Delete removes a stored image
func (l *LocalStorage) Delete(key string) error {
	key, err := l.checkKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(l.basePath, key)); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// checkKey rejects keys that would escape the storage directory
func (l *LocalStorage) checkKey(key string) (string, error) {
	if key == "" || key != filepath.Base(key) || key == "." || key == ".." || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return key, nil
}

var (
	unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)
	repeatedDashes  = regexp.MustCompile(`-+`)
)

// SanitizeFilename turns phone-generated upload names into short, safe storage names
func SanitizeFilename(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 6 || unsafeNameChars.MatchString(strings.TrimPrefix(ext, ".")) {
		ext = ""
	}

	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	base = unsafeNameChars.ReplaceAllString(strings.TrimSpace(base), "-")
	base = strings.Trim(repeatedDashes.ReplaceAllString(base, "-"), "-")
	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "receipt"
	}
	return base + ext
}
