// Package blob stores message attachments and story media.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("object not found")

// Store puts objects at a path and serves them from a public URL.
type Store interface {
	Put(ctx context.Context, path string, r io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, path string) error
	// PathFromURL reverses Put's URL. ok is false for URLs the store does
	// not own.
	PathFromURL(url string) (path string, ok bool)
}

// ObjectName builds a date-sharded unique object path under prefix keeping
// the extension of filename.
func ObjectName(prefix, filename string, now time.Time) string {
	ext := strings.ToLower(filepath.Ext(filename))
	name := fmt.Sprintf("%s/%s%s", now.UTC().Format("2006/01/02"), uuid.New().String(), ext)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// DetectContentType maps a file extension to a MIME type.
func DetectContentType(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	contentTypes := map[string]string{
		".jpg":  "image/jpeg",
		".jpeg": "image/jpeg",
		".png":  "image/png",
		".gif":  "image/gif",
		".webp": "image/webp",
		".mp4":  "video/mp4",
		".webm": "video/webm",
		".mov":  "video/quicktime",
		".mp3":  "audio/mpeg",
		".wav":  "audio/wav",
		".pdf":  "application/pdf",
		".txt":  "text/plain",
	}

	if ct, ok := contentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}

func pathFromURL(publicURL, url string) (string, bool) {
	prefix := strings.TrimSuffix(publicURL, "/") + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	path := strings.TrimPrefix(url, prefix)
	if path == "" {
		return "", false
	}
	return path, true
}
