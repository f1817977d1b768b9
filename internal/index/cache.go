// Package index caches external retrieval-index handles keyed by a fingerprint
// of the indexed files, so unchanged inputs never trigger a re-upload.
package index

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/heuristiclab/uxaudit/internal/domain"
)

// ErrNoFiles is returned when none of the requested files can be read.
var ErrNoFiles = errors.New("no readable files to index")

// Builder is the external upload/index surface, satisfied by *llm.Client.
type Builder interface {
	UploadFile(ctx context.Context, filename string, r io.Reader) (*domain.UploadResponse, error)
	CreateVectorStore(ctx context.Context, name string) (*domain.VectorStoreResponse, error)
	AttachFile(ctx context.Context, vectorStoreID, fileID string) error
}

// Entry is the persisted cache record.
type Entry struct {
	FilesFingerprint string `json:"filesFingerprint"`
	IndexHandle      string `json:"indexHandle"`
	CreatedAt        string `json:"createdAt"`
}

// Cache maps a fingerprint of input files to an external index handle,
// persisted across restarts in a small JSON file.
type Cache struct {
	client    Builder
	cachePath string
	indexName string
	settle    time.Duration
	logger    *slog.Logger
}

// New creates a cache persisting to cachePath. settle is how long to wait
// after a rebuild before the index is assumed queryable; the external store
// indexes asynchronously.
func New(client Builder, cachePath, indexName string, settle time.Duration) *Cache {
	return &Cache{
		client:    client,
		cachePath: cachePath,
		indexName: indexName,
		settle:    settle,
		logger:    slog.Default(),
	}
}

// Fingerprint combines (path, mtime, size) for every path in sorted order.
// A file edited without changing its size or mtime is not detected; content
// hashing was deliberately not used, matching the trust model of local
// reference files.
func Fingerprint(paths []string) string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)

	h := md5.New()
	for _, p := range sorted {
		// The trailing newline keeps tuples from running together, so two
		// different file sets cannot hash the same by boundary shifting.
		if info, err := os.Stat(p); err == nil {
			fmt.Fprintf(h, "%s:%d:%d\n", p, info.ModTime().UnixNano(), info.Size())
		} else {
			fmt.Fprintf(h, "%s:missing\n", p)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// GetOrBuild returns the index handle for the given file set, reusing the
// persisted handle when the fingerprint matches and rebuilding otherwise.
func (c *Cache) GetOrBuild(ctx context.Context, filePaths []string) (string, error) {
	fingerprint := Fingerprint(filePaths)

	if entry, ok := c.load(); ok && entry.FilesFingerprint == fingerprint {
		c.logger.Info("reusing cached retrieval index",
			slog.String("index_handle", entry.IndexHandle),
		)
		return entry.IndexHandle, nil
	}

	handle, err := c.build(ctx, filePaths)
	if err != nil {
		return "", err
	}

	entry := Entry{
		FilesFingerprint: fingerprint,
		IndexHandle:      handle,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
	}
	if err := c.save(entry); err != nil {
		// A lost cache entry only costs a rebuild next time.
		c.logger.Warn("failed to persist index cache", slog.String("error", err.Error()))
	}

	if c.settle > 0 {
		// The store indexes asynchronously; give it time to settle so
		// immediate queries see consistent results.
		select {
		case <-time.After(c.settle):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	return handle, nil
}

func (c *Cache) build(ctx context.Context, filePaths []string) (string, error) {
	var fileIDs []string
	for _, path := range filePaths {
		f, err := os.Open(path)
		if err != nil {
			c.logger.Warn("skipping unreadable file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		uploaded, err := c.client.UploadFile(ctx, filepath.Base(path), f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", path, err)
		}
		c.logger.Info("uploaded file",
			slog.String("path", path),
			slog.String("file_id", uploaded.ID),
		)
		fileIDs = append(fileIDs, uploaded.ID)
	}
	if len(fileIDs) == 0 {
		return "", ErrNoFiles
	}

	vs, err := c.client.CreateVectorStore(ctx, c.indexName)
	if err != nil {
		return "", fmt.Errorf("failed to create index: %w", err)
	}
	for _, id := range fileIDs {
		if err := c.client.AttachFile(ctx, vs.ID, id); err != nil {
			return "", fmt.Errorf("failed to attach file %s: %w", id, err)
		}
	}

	c.logger.Info("built retrieval index",
		slog.String("index_handle", vs.ID),
		slog.Int("files", len(fileIDs)),
	)
	return vs.ID, nil
}

// load reads the persisted entry. Corrupt or unreadable cache files are
// treated as a miss, never as fatal.
func (c *Cache) load() (Entry, bool) {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("discarding corrupt index cache", slog.String("error", err.Error()))
		return Entry{}, false
	}
	if entry.IndexHandle == "" {
		return Entry{}, false
	}
	return entry, true
}

func (c *Cache) save(entry Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.cachePath, data, 0o644)
}
