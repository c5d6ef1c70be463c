package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound indicates no artifact exists for a reference.
var ErrNotFound = errors.New("artifact not found")

// Store persists artifacts on the local filesystem keyed by content
// address. Writes are atomic (temp file + rename) so a crashed publish
// never exposes a partial artifact.
type Store struct {
	root string
}

// NewStore opens a filesystem artifact store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("artifact store dir is required")
	}
	root := filepath.Clean(dir)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact store dir: %w", err)
	}
	return &Store{root: root}, nil
}

// Put publishes data under its content address and returns the reference.
// Publishing identical bytes twice is a no-op returning the same Ref.
func (s *Store) Put(domain Domain, data []byte) (Ref, error) {
	if s == nil {
		return "", fmt.Errorf("artifact store is not configured")
	}
	ref, err := HashRef(domain, data)
	if err != nil {
		return "", err
	}

	path := s.path(ref)
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".publish-*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	return ref, nil
}

// Get returns the bytes stored under ref.
func (s *Store) Get(ref Ref) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("artifact store is not configured")
	}
	if !ref.Valid() {
		return nil, fmt.Errorf("invalid artifact ref %q", ref)
	}
	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}

	// Verify on read so corruption surfaces as a missing artifact rather
	// than silently serving altered content.
	check, err := HashRef(ref.Domain(), data)
	if err != nil {
		return nil, err
	}
	if check != ref {
		return nil, fmt.Errorf("artifact %s failed content verification", ref)
	}
	return data, nil
}

// Has reports whether an artifact exists for ref.
func (s *Store) Has(ref Ref) bool {
	if s == nil || !ref.Valid() {
		return false
	}
	_, err := os.Stat(s.path(ref))
	return err == nil
}

// path shards artifacts by the first two digest characters to keep
// directory fan-out bounded.
func (s *Store) path(ref Ref) string {
	digest := ref.Digest()
	return filepath.Join(s.root, string(ref.Domain()), digest[:2], digest)
}
