package records

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/TheMichaelB/cryptodo/internal/events"
)

// FileBackend stores objects as files under a base directory. ETags are the
// SHA-256 of the content. Conditional writes are serialized within the
// process only; use sqlite when several servers share a directory.
type FileBackend struct {
	baseDir     string
	logger      *events.Logger
	maxFileSize int64

	mu sync.Mutex
}

// NewFileBackend creates baseDir if needed.
func NewFileBackend(baseDir string, logger *events.Logger) (*FileBackend, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     absPath,
		logger:      logger.WithField("component", "file_backend"),
		maxFileSize: 1 << 20,
	}, nil
}

// PutObject writes data atomically through a temp file and rename.
func (b *FileBackend) PutObject(ctx context.Context, key string, data []byte, ifMatch string) error {
	safePath, err := b.sanitizePath(key)
	if err != nil {
		return err
	}
	if int64(len(data)) > b.maxFileSize {
		return fmt.Errorf("object too large: %d bytes (max: %d)", len(data), b.maxFileSize)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ifMatch != "" {
		current, err := os.ReadFile(safePath)
		if errors.Is(err, fs.ErrNotExist) {
			return ErrPreconditionFailed
		}
		if err != nil {
			return fmt.Errorf("read object: %w", err)
		}
		if etagOf(current) != ifMatch {
			return ErrPreconditionFailed
		}
	}

	if err := os.MkdirAll(filepath.Dir(safePath), 0700); err != nil {
		return fmt.Errorf("create parent directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", safePath, time.Now().UnixNano())
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tempPath, safePath); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	success = true

	b.logger.WithFields(map[string]interface{}{
		"key":  key,
		"size": len(data),
	}).Debug("Wrote object")
	return nil
}

// GetObject reads an object and its ETag.
func (b *FileBackend) GetObject(ctx context.Context, key string) ([]byte, string, error) {
	safePath, err := b.sanitizePath(key)
	if err != nil {
		return nil, "", err
	}

	stat, err := os.Lstat(safePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrObjectNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("stat object: %w", err)
	}
	if stat.Mode()&os.ModeSymlink != 0 {
		return nil, "", fmt.Errorf("symlinks not allowed: %s", key)
	}

	data, err := os.ReadFile(safePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrObjectNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read object: %w", err)
	}
	return data, etagOf(data), nil
}

// DeleteObject removes an object and any directories left empty.
func (b *FileBackend) DeleteObject(ctx context.Context, key string) error {
	safePath, err := b.sanitizePath(key)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := os.Remove(safePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete object: %w", err)
	}
	b.cleanEmptyDirs(filepath.Dir(safePath))
	return nil
}

// ListKeys walks the directory under prefix. Temp files are skipped.
func (b *FileBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	root := b.baseDir
	if prefix != "" {
		safe, err := b.sanitizePath(prefix)
		if err != nil {
			return nil, err
		}
		root = safe
	}

	var keys []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp.") {
			return nil
		}
		rel, err := filepath.Rel(b.baseDir, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// sanitizePath maps an object key to a path under the base directory.
func (b *FileBackend) sanitizePath(key string) (string, error) {
	if strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("invalid key: contains null bytes")
	}

	cleaned := filepath.Clean(filepath.FromSlash(key))
	for _, part := range strings.Split(cleaned, string(filepath.Separator)) {
		if part == ".." {
			return "", fmt.Errorf("invalid key: contains '..'")
		}
	}
	cleaned = strings.TrimPrefix(cleaned, string(filepath.Separator))

	fullPath := filepath.Join(b.baseDir, cleaned)
	if !strings.HasPrefix(fullPath, b.baseDir+string(filepath.Separator)) && fullPath != b.baseDir {
		return "", fmt.Errorf("key escapes base directory")
	}
	return fullPath, nil
}

func (b *FileBackend) cleanEmptyDirs(dirPath string) {
	for dirPath != b.baseDir && strings.HasPrefix(dirPath, b.baseDir) {
		entries, err := os.ReadDir(dirPath)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dirPath); err != nil {
			break
		}
		dirPath = filepath.Dir(dirPath)
	}
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
