package node

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// File is a file chosen for sending.
type File struct {
	Name   string
	Type   string
	Size   int64
	Reader io.ReaderAt

	closer io.Closer
}

// OpenFile opens path for sending and sniffs its MIME type.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	mime, err := mimetype.DetectReader(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("detect type of %s: %w", path, err)
	}

	return &File{
		Name:   filepath.Base(path),
		Type:   mime.String(),
		Size:   info.Size(),
		Reader: f,
		closer: f,
	}, nil
}

// NewFile wraps in-memory data.
func NewFile(name, mimeType string, data []byte) *File {
	return &File{
		Name:   name,
		Type:   mimeType,
		Size:   int64(len(data)),
		Reader: bytes.NewReader(data),
	}
}

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func HashFile(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// SafeFileName strips directories from a name received from a peer.
func SafeFileName(name string) string {
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "/" || base == "." {
		return "download"
	}
	return base
}
