// Package storage issues presigned upload URLs against S3, MinIO or the
// upstream API, and plans how files are split into parts.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"atlas/internal/atlasapi"
	"atlas/internal/config"
)

var (
	// ErrPresignUnavailable is returned in proxy mode, where uploads stream through the server.
	ErrPresignUnavailable = errors.New("presigned uploads are disabled in proxy mode")
	ErrTooLarge           = errors.New("upload exceeds the configured size limit")
	ErrInvalidKey         = errors.New("invalid object key")
	ErrInvalidParts       = errors.New("invalid part list")
)

// SinglePartUploadID marks uploads done with one presigned PUT instead of a
// multipart upload.
const SinglePartUploadID = "single"

const keyPrefix = "uploads/"

// PresignRequest describes a file about to be uploaded.
type PresignRequest struct {
	Filename    string `json:"filename" binding:"required"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size" binding:"min=0"`
}

// PresignedPart is a part with the URL its bytes must be PUT to.
type PresignedPart struct {
	PartNumber int    `json:"part_number"`
	URL        string `json:"url"`
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size"`
}

// PresignResult is returned to the uploading client.
type PresignResult struct {
	Mode      string          `json:"mode"`
	UploadID  string          `json:"upload_id"`
	Key       string          `json:"key"`
	ChunkSize int64           `json:"chunk_size"`
	Parts     []PresignedPart `json:"parts"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CompletedPart pairs a part number with its ETag.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// CompleteRequest finishes an upload.
type CompleteRequest struct {
	UploadID    string          `json:"upload_id" binding:"required"`
	Key         string          `json:"key" binding:"required"`
	Filename    string          `json:"filename"`
	ContentType string          `json:"content_type"`
	Size        int64           `json:"size"`
	Parts       []CompletedPart `json:"parts"`
}

// CompleteResult describes the stored object.
type CompleteResult struct {
	Key      string `json:"key"`
	ETag     string `json:"etag,omitempty"`
	Size     int64  `json:"size"`
	Location string `json:"location,omitempty"`
}

// Presigner is implemented by every presign backend.
type Presigner interface {
	Mode() string
	Presign(ctx context.Context, req PresignRequest) (*PresignResult, error)
	Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error)
	Abort(ctx context.Context, uploadID, key string) error
}

// Options are the limits shared by all backends.
type Options struct {
	Bucket    string
	ChunkSize int64
	MaxSize   int64
	Expiry    time.Duration
	Now       func() time.Time
}

// OptionsFrom derives backend options from the storage section.
func OptionsFrom(cfg config.StorageConfig) Options {
	return Options{
		Bucket:    strings.TrimSpace(cfg.Bucket),
		ChunkSize: cfg.ChunkSizeBytes(),
		MaxSize:   cfg.MaxUploadBytes(),
		Expiry:    cfg.PresignExpiry(),
	}
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o Options) expiry() time.Duration {
	if o.Expiry <= 0 {
		return time.Duration(config.DefaultPresignExpiryMinutes) * time.Minute
	}
	return o.Expiry
}

// plan checks the size limit and returns the parts for req.
func (o Options) plan(req PresignRequest) ([]Part, int64, error) {
	if req.Size < 0 {
		return nil, 0, fmt.Errorf("%w: negative size", ErrInvalidParts)
	}
	if o.MaxSize > 0 && req.Size > o.MaxSize {
		return nil, 0, ErrTooLarge
	}
	parts, chunk := Plan(req.Size, o.ChunkSize)
	return parts, chunk, nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeFilename reduces name to a safe object-key segment.
func SanitizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	base = unsafeFilenameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		base = "file"
	}
	if len(base) > 200 {
		base = base[len(base)-200:]
	}
	return base
}

// ObjectKey builds uploads/YYYY/MM/DD/<uuid>/<filename>.
func ObjectKey(now time.Time, filename string) string {
	return fmt.Sprintf("%s%s/%s/%s", keyPrefix, now.UTC().Format("2006/01/02"), uuid.NewString(), SanitizeFilename(filename))
}

// ValidateKey rejects keys outside the uploads prefix.
func ValidateKey(key string) error {
	if !strings.HasPrefix(key, keyPrefix) || strings.Contains(key, "..") || strings.ContainsAny(key, "\\\x00") {
		return ErrInvalidKey
	}
	return nil
}

// normalizeParts validates and orders completed parts.
func normalizeParts(parts []CompletedPart) ([]CompletedPart, error) {
	if len(parts) == 0 || len(parts) > MaxParts {
		return nil, fmt.Errorf("%w: expected 1..%d parts, got %d", ErrInvalidParts, MaxParts, len(parts))
	}
	out := append([]CompletedPart(nil), parts...)
	sort.Slice(out, func(i, j int) bool { return out[i].PartNumber < out[j].PartNumber })
	for i, p := range out {
		if p.PartNumber != i+1 {
			return nil, fmt.Errorf("%w: missing part %d", ErrInvalidParts, i+1)
		}
		if strings.TrimSpace(p.ETag) == "" {
			return nil, fmt.Errorf("%w: part %d has no etag", ErrInvalidParts, p.PartNumber)
		}
	}
	return out, nil
}

// New builds the presigner for cfg.Storage.Mode.
func New(ctx context.Context, cfg *config.Config) (Presigner, error) {
	opts := OptionsFrom(cfg.Storage)
	switch cfg.Storage.Mode {
	case config.StorageS3:
		return NewS3Backend(ctx, cfg.Storage, opts)
	case config.StorageMinio:
		return NewMinioBackend(cfg.Storage, opts)
	case config.StorageAPI:
		client, err := atlasapi.New(cfg.API, nil)
		if err != nil {
			return nil, err
		}
		return NewAPIBackend(client, opts), nil
	case config.StorageProxy:
		return nil, ErrPresignUnavailable
	}
	return nil, fmt.Errorf("unknown storage mode %q", cfg.Storage.Mode)
}

// Source returns the current configuration and its generation.
type Source func() (*config.Config, uint64)

// Resolver caches the presigner for the current configuration generation.
type Resolver struct {
	source Source
	build  func(context.Context, *config.Config) (Presigner, error)

	mu      sync.Mutex
	gen     uint64
	built   bool
	current Presigner
	err     error
}

// NewResolver returns a Resolver reading configuration from source.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source, build: New}
}

// Presigner returns the backend for the current configuration, rebuilding it
// when the configuration generation has moved.
func (r *Resolver) Presigner(ctx context.Context) (Presigner, error) {
	cfg, gen := r.source()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.built && gen == r.gen {
		return r.current, r.err
	}
	r.current, r.err = r.build(ctx, cfg)
	r.gen = gen
	// build failures other than proxy mode are retried on the next call
	r.built = r.err == nil || errors.Is(r.err, ErrPresignUnavailable)
	return r.current, r.err
}
