// Package attachments handles screenshot references: embedded-image data URLs
// that are validated, capped, and passed through to the API verbatim.
package attachments

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// dataURLPrefix is the marker a well-formed embedded image must carry.
const dataURLPrefix = "data:image/"

// IsImageDataURL reports whether s looks like an embedded image reference.
func IsImageDataURL(s string) bool {
	return strings.HasPrefix(s, dataURLPrefix)
}

// Filter drops malformed attachment references, keeping order.
func Filter(refs []string) []string {
	valid := make([]string, 0, len(refs))
	for _, r := range refs {
		if IsImageDataURL(r) {
			valid = append(valid, r)
		}
	}
	return valid
}

// Cap bounds refs to at most n entries, returning the kept slice and how many
// were dropped. Excess attachments are dropped, never an error.
func Cap(refs []string, n int) (kept []string, dropped int) {
	if len(refs) <= n {
		return refs, 0
	}
	return refs[:n], len(refs) - n
}

// Encoder turns local image files into data URLs. Encoded results are cached
// by content hash so repeated submissions of the same screenshot do not re-read
// or re-encode it.
type Encoder struct {
	cache  *lru.Cache[string, string]
	logger *slog.Logger
}

// NewEncoder creates an encoder with an LRU cache of the given size.
func NewEncoder(cacheSize int) (*Encoder, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	return &Encoder{cache: cache, logger: slog.Default()}, nil
}

// EncodeFile reads an image file and returns it as a data URL.
func (e *Encoder) EncodeFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}

	sum := md5.Sum(data)
	key := hex.EncodeToString(sum[:])
	if cached, ok := e.cache.Get(key); ok {
		return cached, nil
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/png"
	}

	url := "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
	e.cache.Add(key, url)
	e.logger.Debug("encoded image",
		slog.String("path", path),
		slog.String("hash", key[:8]),
		slog.Int("bytes", len(data)),
	)
	return url, nil
}

// Len returns the number of cached encodings.
func (e *Encoder) Len() int {
	return e.cache.Len()
}
