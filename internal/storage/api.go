package storage

import (
	"context"
	"fmt"

	"atlas/internal/atlasapi"
	"atlas/internal/config"
)

// APIBackend delegates presigning to the upstream API.
type APIBackend struct {
	client *atlasapi.Client
	opts   Options
}

// NewAPIBackend wraps client.
func NewAPIBackend(client *atlasapi.Client, opts Options) *APIBackend {
	return &APIBackend{client: client, opts: opts}
}

func (b *APIBackend) Mode() string { return config.StorageAPI }

func (b *APIBackend) Presign(ctx context.Context, req PresignRequest) (*PresignResult, error) {
	_, chunk, err := b.opts.plan(req)
	if err != nil {
		return nil, err
	}
	resp, err := b.client.PresignUpload(ctx, atlasapi.PresignRequest{
		Filename:    SanitizeFilename(req.Filename),
		ContentType: req.ContentType,
		Size:        req.Size,
		ChunkSize:   chunk,
		Key:         ObjectKey(b.opts.now(), req.Filename),
	})
	if err != nil {
		return nil, fmt.Errorf("upstream presign: %w", err)
	}
	out := &PresignResult{
		Mode:      b.Mode(),
		UploadID:  resp.UploadID,
		Key:       resp.Key,
		ChunkSize: resp.ChunkSize,
		ExpiresAt: resp.ExpiresAt,
		Parts:     make([]PresignedPart, 0, len(resp.Parts)),
	}
	if out.ChunkSize == 0 {
		out.ChunkSize = chunk
	}
	for _, p := range resp.Parts {
		out.Parts = append(out.Parts, PresignedPart{PartNumber: p.PartNumber, URL: p.URL, Offset: p.Offset, Size: p.Size})
	}
	return out, nil
}

func (b *APIBackend) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	parts := make([]atlasapi.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, atlasapi.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}
	info, err := b.client.CompleteUpload(ctx, atlasapi.CompleteRequest{
		UploadID:    req.UploadID,
		Key:         req.Key,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		Size:        req.Size,
		Parts:       parts,
	})
	if err != nil {
		return nil, fmt.Errorf("upstream complete: %w", err)
	}
	key := info.Key
	if key == "" {
		key = req.Key
	}
	return &CompleteResult{Key: key, ETag: info.ETag, Size: info.Size, Location: info.URL}, nil
}

func (b *APIBackend) Abort(ctx context.Context, uploadID, key string) error {
	if err := b.client.AbortUpload(ctx, uploadID, key); err != nil {
		return fmt.Errorf("upstream abort: %w", err)
	}
	return nil
}
