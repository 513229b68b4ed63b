// Package blob keeps reassembled files in memory behind opaque object URLs
// until they are saved or revoked.
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
)

const urlPrefix = "blob:peer-drop/"

var ErrNotFound = errors.New("blob not found")

type Blob struct {
	URL  string
	Type string
	Size int64

	data []byte
}

type Store struct {
	mu    sync.Mutex
	blobs map[string]*Blob
}

func NewStore() *Store {
	return &Store{blobs: make(map[string]*Blob)}
}

// Create concatenates parts into a new blob and returns it with a fresh URL.
func (s *Store) Create(parts [][]byte, mimeType string) *Blob {
	var size int
	for _, p := range parts {
		size += len(p)
	}

	data := make([]byte, 0, size)
	for _, p := range parts {
		data = append(data, p...)
	}

	b := &Blob{
		URL:  urlPrefix + uuid.NewString(),
		Type: mimeType,
		Size: int64(len(data)),
		data: data,
	}

	s.mu.Lock()
	s.blobs[b.URL] = b
	s.mu.Unlock()
	return b
}

// Open returns a reader over the blob's bytes.
func (s *Store) Open(url string) (io.ReadSeeker, error) {
	s.mu.Lock()
	b, ok := s.blobs[url]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	return bytes.NewReader(b.data), nil
}

// Revoke releases the blob. It reports whether the URL was live.
func (s *Store) Revoke(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[url]; !ok {
		return false
	}
	delete(s.blobs, url)
	return true
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

// Save writes the blob to path.
func (s *Store) Save(url, path string) error {
	r, err := s.Open(url)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
