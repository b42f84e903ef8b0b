// Package storage provides a key-addressed content store over an abstract
// filesystem backend.
package storage

import (
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// Backend is a key-addressed store for raw file bytes. Keys are
// slash-separated paths relative to the backend root. The backend has no
// knowledge of metadata records; it only moves bytes.
type Backend struct {
	fs   billy.Filesystem
	name string // Logical backend name recorded in metadata ("disk" field)
}

// NewBackend creates a backend over the given filesystem.
func NewBackend(fs billy.Filesystem, name string) *Backend {
	return &Backend{fs: fs, name: name}
}

// NewDiskBackend creates a backend rooted at the given OS directory.
func NewDiskBackend(root, name string) (*Backend, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return NewBackend(osfs.New(root), name), nil
}

// Name returns the logical backend name.
func (b *Backend) Name() string {
	return b.name
}

// validateKey rejects keys that would escape the backend root.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("null bytes not allowed")
	}
	if strings.HasPrefix(key, "/") || strings.HasPrefix(key, "\\") {
		return fmt.Errorf("absolute paths not allowed")
	}
	for _, part := range strings.FieldsFunc(key, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}
	return nil
}

// Normalize cleans a key into canonical slash-relative form.
func Normalize(key string) string {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if key == "." {
		return ""
	}
	return key
}

// Exists reports whether a regular file exists at the key.
func (b *Backend) Exists(key string) bool {
	info, err := b.fs.Stat(key)
	return err == nil && !info.IsDir()
}

// Size returns the byte size of the file at the key.
func (b *Backend) Size(key string) (int64, error) {
	info, err := b.fs.Stat(key)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size(), nil
}

// Open returns a reader for the file at the key. The caller must close it.
func (b *Backend) Open(key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key %q: %w", key, err)
	}
	f, err := b.fs.Open(key)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return f, nil
}

// Create returns a writer for the file at the key, truncating any existing
// content. Parent directories are created as needed.
func (b *Backend) Create(key string) (io.WriteCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, fmt.Errorf("invalid key %q: %w", key, err)
	}
	if dir := path.Dir(key); dir != "." {
		if err := b.fs.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	f, err := b.fs.Create(key)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", key, err)
	}
	return f, nil
}

// WriteFile writes data to the key in one call.
func (b *Backend) WriteFile(key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return fmt.Errorf("invalid key %q: %w", key, err)
	}
	if dir := path.Dir(key); dir != "." {
		if err := b.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	if err := util.WriteFile(b.fs, key, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// ReadFile reads the whole file at the key.
func (b *Backend) ReadFile(key string) ([]byte, error) {
	data, err := util.ReadFile(b.fs, key)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the file at the key. Missing files are not an error.
func (b *Backend) Delete(key string) error {
	err := b.fs.Remove(key)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// DeleteDir removes a directory tree. Missing directories are not an error.
func (b *Backend) DeleteDir(key string) error {
	if err := util.RemoveAll(b.fs, key); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove dir %s: %w", key, err)
	}
	return nil
}

// Move renames a file, creating the target's parent directories as needed.
func (b *Backend) Move(from, to string) error {
	if err := validateKey(to); err != nil {
		return fmt.Errorf("invalid key %q: %w", to, err)
	}
	if dir := path.Dir(to); dir != "." {
		if err := b.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dir %s: %w", dir, err)
		}
	}
	if err := b.fs.Rename(from, to); err != nil {
		return fmt.Errorf("move %s to %s: %w", from, to, err)
	}
	return nil
}

// EnsureDir creates a directory tree if it does not exist.
func (b *Backend) EnsureDir(key string) error {
	key = strings.Trim(key, "/")
	if key == "" {
		return nil
	}
	if err := b.fs.MkdirAll(key, 0755); err != nil {
		return fmt.Errorf("create dir %s: %w", key, err)
	}
	return nil
}

// List walks the tree under root and returns the keys of all regular files,
// in walk order. A missing root yields an empty list.
func (b *Backend) List(root string) ([]string, error) {
	var keys []string
	var walk func(dir string) error
	walk = func(dir string) error {
		readFrom := dir
		if readFrom == "" {
			readFrom = "."
		}
		entries, err := b.fs.ReadDir(readFrom)
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read dir %s: %w", readFrom, err)
		}
		for _, entry := range entries {
			key := entry.Name()
			if dir != "" {
				key = dir + "/" + entry.Name()
			}
			if entry.IsDir() {
				if err := walk(key); err != nil {
					return err
				}
				continue
			}
			keys = append(keys, key)
		}
		return nil
	}
	if err := walk(Normalize(root)); err != nil {
		return nil, err
	}
	return keys, nil
}

// DetectMime sniffs the content type of the file at the key. It reads the
// first 512 bytes and falls back to the key's extension when sniffing yields
// only a generic type. Returns "" when the file cannot be read.
func (b *Backend) DetectMime(key string) string {
	f, err := b.fs.Open(key)
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return ""
	}
	sniffed := http.DetectContentType(buf[:n])
	if base, _, err := mime.ParseMediaType(sniffed); err == nil {
		sniffed = base
	}

	// The sniffer answers text/plain or application/octet-stream for
	// anything it does not recognize; prefer the extension in that case.
	if sniffed == "application/octet-stream" || sniffed == "text/plain" {
		if byExt := mime.TypeByExtension(path.Ext(key)); byExt != "" {
			if base, _, err := mime.ParseMediaType(byExt); err == nil {
				return base
			}
			return byExt
		}
	}
	return sniffed
}
