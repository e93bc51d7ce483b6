package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryStore keeps objects in process. Used in tests and the memory
// deployment profile.
type MemoryStore struct {
	mu        sync.RWMutex
	objects   map[string]memoryObject
	publicURL string
}

func NewMemoryStore(publicURL string) *MemoryStore {
	return &MemoryStore{
		objects:   make(map[string]memoryObject),
		publicURL: publicURL,
	}
}

func (s *MemoryStore) Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read object: %w", err)
	}
	if size >= 0 && int64(len(data)) != size {
		return "", fmt.Errorf("object size mismatch: expected %d, read %d", size, len(data))
	}

	s.mu.Lock()
	s.objects[path] = memoryObject{data: data, contentType: contentType}
	s.mu.Unlock()

	return s.publicURL + "/" + path, nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.objects[path]; !ok {
		return ErrNotFound
	}
	delete(s.objects, path)
	return nil
}

func (s *MemoryStore) PathFromURL(url string) (string, bool) {
	return pathFromURL(s.publicURL, url)
}

// Get returns a copy of the stored object.
func (s *MemoryStore) Get(path string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[path]
	if !ok {
		return nil, "", ErrNotFound
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, obj.contentType, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// ServeHTTP serves stored objects by path. Mount it under the prefix of the
// public URL with http.StripPrefix.
func (s *MemoryStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, contentType, err := s.Get(strings.TrimPrefix(r.URL.Path, "/"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Write(data)
}
