// Package blobstore archives uploaded payment statements. It defines the
// BlobStore interface, an in-memory implementation for development and
// tests, an S3 implementation, and Echo handlers to list, inspect, download
// and delete archived files.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medglosa/medglosa/pkg/pagination"
)

var (
	ErrBlobNotFound       = errors.New("blob not found")
	ErrFileTooLarge       = errors.New("file exceeds maximum allowed size")
	ErrInvalidContentType = errors.New("content type is not allowed")
	ErrMissingFileName    = errors.New("file name is required")
)

// MaxFileSize is the maximum allowed blob size in bytes (20 MB).
const MaxFileSize = 20 * 1024 * 1024

const CategoryStatement = "payment-statement"

// AllowedContentTypes lists the statement formats the extraction model reads.
var AllowedContentTypes = map[string]bool{
	"application/pdf": true,
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"image/heic":      true,
	"image/heif":      true,
}

// BlobMetadata describes a stored blob.
type BlobMetadata struct {
	ID          string            `json:"id"`
	FileName    string            `json:"file_name"`
	ContentType string            `json:"content_type"`
	Size        int64             `json:"size"`
	Category    string            `json:"category"`
	Hash        string            `json:"hash"`
	CreatedAt   time.Time         `json:"created_at"`
	CreatedBy   string            `json:"created_by"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// BlobStore defines the contract for blob storage backends.
type BlobStore interface {
	Upload(ctx context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, id string) (io.ReadCloser, *BlobMetadata, error)
	Delete(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, id string) (*BlobMetadata, error)
	// List returns the newest blobs first, optionally filtered by category,
	// together with the total count.
	List(ctx context.Context, category string, limit, offset int) ([]*BlobMetadata, int, error)
}

// prepare validates meta and content and fills the derived fields.
func prepare(meta BlobMetadata, content io.Reader) (BlobMetadata, []byte, error) {
	if meta.FileName == "" {
		return meta, nil, ErrMissingFileName
	}
	if !AllowedContentTypes[meta.ContentType] {
		return meta, nil, fmt.Errorf("%w: %s", ErrInvalidContentType, meta.ContentType)
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return meta, nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return meta, nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta.ID = uuid.New().String()
	meta.Size = int64(len(data))
	meta.Hash = fmt.Sprintf("%x", h)
	meta.CreatedAt = time.Now().UTC()
	if meta.Tags == nil {
		meta.Tags = make(map[string]string)
	}
	return meta, data, nil
}

func page(items []*BlobMetadata, limit, offset int) []*BlobMetadata {
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit <= 0 {
		limit = 20
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

func (s *InMemoryBlobStore) Upload(_ context.Context, meta BlobMetadata, content io.Reader) (*BlobMetadata, error) {
	meta, data, err := prepare(meta, content)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.blobs[meta.ID] = &storedBlob{
		metadata: meta,
		content:  data,
	}
	s.mu.Unlock()

	out := meta
	return &out, nil
}

func (s *InMemoryBlobStore) Download(_ context.Context, id string) (io.ReadCloser, *BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return io.NopCloser(bytes.NewReader(blob.content)), &meta, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[id]; !ok {
		return ErrBlobNotFound
	}
	delete(s.blobs, id)
	return nil
}

func (s *InMemoryBlobStore) GetMetadata(_ context.Context, id string) (*BlobMetadata, error) {
	s.mu.RLock()
	blob, ok := s.blobs[id]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}

	meta := blob.metadata
	return &meta, nil
}

func (s *InMemoryBlobStore) List(_ context.Context, category string, limit, offset int) ([]*BlobMetadata, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*BlobMetadata
	for _, b := range s.blobs {
		if category != "" && b.metadata.Category != category {
			continue
		}
		m := b.metadata
		matched = append(matched, &m)
	}
	return page(matched, limit, offset), len(matched), nil
}

// BlobHandler provides Echo HTTP handlers for archived statements.
type BlobHandler struct {
	store BlobStore
}

func NewBlobHandler(store BlobStore) *BlobHandler {
	return &BlobHandler{store: store}
}

// RegisterRoutes mounts the read routes on read and the delete route on
// write, so callers can guard them with different roles.
func (h *BlobHandler) RegisterRoutes(read, write *echo.Group) {
	read.GET("/statements", h.handleList)
	read.GET("/statements/:id/metadata", h.handleGetMetadata)
	read.GET("/statements/:id", h.handleDownload)
	write.DELETE("/statements/:id", h.handleDelete)
}

// httpError maps store errors onto HTTP statuses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrBlobNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrMissingFileName), errors.Is(err, ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func (h *BlobHandler) handleDownload(c echo.Context) error {
	rc, meta, err := h.store.Download(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.FileName))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

func (h *BlobHandler) handleGetMetadata(c echo.Context) error {
	meta, err := h.store.GetMetadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *BlobHandler) handleDelete(c echo.Context) error {
	if err := h.store.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *BlobHandler) handleList(c echo.Context) error {
	pg := pagination.FromContext(c)
	category := c.QueryParam("category")

	items, total, err := h.store.List(c.Request().Context(), category, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*BlobMetadata{}
	}

	filters := url.Values{}
	if category != "" {
		filters.Set("category", category)
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, total, filters)
	return c.JSON(http.StatusOK, resp)
}
