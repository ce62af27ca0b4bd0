package storage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"atlas/internal/config"
)

// minioAPI is the subset of *minio.Core used by MinioBackend.
type minioAPI interface {
	NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error)
	CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error
	Presign(ctx context.Context, method, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error)
	StatObject(ctx context.Context, bucketName, objectName string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// MinioBackend presigns uploads against a MinIO server.
type MinioBackend struct {
	core minioAPI
	opts Options
}

// NewMinioBackend connects to cfg.Endpoint with static V4 credentials.
func NewMinioBackend(cfg config.StorageConfig, opts Options) (*MinioBackend, error) {
	host, secure := minioEndpoint(cfg.Endpoint, cfg.UseSSL)
	if host == "" {
		return nil, fmt.Errorf("minio endpoint required")
	}
	lookup := minio.BucketLookupAuto
	if cfg.PathStyle {
		lookup = minio.BucketLookupPath
	}
	core, err := minio.NewCore(host, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       secure,
		Region:       cfg.Region,
		BucketLookup: lookup,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return newMinioBackend(core, opts), nil
}

func newMinioBackend(core minioAPI, opts Options) *MinioBackend {
	return &MinioBackend{core: core, opts: opts}
}

// minioEndpoint strips a scheme from endpoint; an explicit scheme decides TLS.
func minioEndpoint(endpoint string, useSSL bool) (string, bool) {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	switch {
	case strings.HasPrefix(ep, "https://"):
		return strings.TrimPrefix(ep, "https://"), true
	case strings.HasPrefix(ep, "http://"):
		return strings.TrimPrefix(ep, "http://"), false
	}
	return ep, useSSL
}

func (b *MinioBackend) Mode() string { return config.StorageMinio }

func (b *MinioBackend) Presign(ctx context.Context, req PresignRequest) (*PresignResult, error) {
	parts, chunk, err := b.opts.plan(req)
	if err != nil {
		return nil, err
	}
	now := b.opts.now()
	expiry := b.opts.expiry()
	key := ObjectKey(now, req.Filename)
	res := &PresignResult{Mode: b.Mode(), Key: key, ChunkSize: chunk, ExpiresAt: now.Add(expiry)}

	if len(parts) == 1 {
		u, err := b.core.PresignedPutObject(ctx, b.opts.Bucket, key, expiry)
		if err != nil {
			return nil, fmt.Errorf("presign put: %w", err)
		}
		res.UploadID = SinglePartUploadID
		res.Parts = []PresignedPart{{PartNumber: 1, URL: u.String(), Size: parts[0].Size}}
		return res, nil
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	uploadID, err := b.core.NewMultipartUpload(ctx, b.opts.Bucket, key, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}
	res.UploadID = uploadID
	res.Parts = make([]PresignedPart, 0, len(parts))
	for _, p := range parts {
		params := url.Values{}
		params.Set("partNumber", strconv.Itoa(p.Number))
		params.Set("uploadId", uploadID)
		u, err := b.core.Presign(ctx, http.MethodPut, b.opts.Bucket, key, expiry, params)
		if err != nil {
			_ = b.core.AbortMultipartUpload(ctx, b.opts.Bucket, key, uploadID)
			return nil, fmt.Errorf("presign part %d: %w", p.Number, err)
		}
		res.Parts = append(res.Parts, PresignedPart{PartNumber: p.Number, URL: u.String(), Offset: p.Offset, Size: p.Size})
	}
	return res, nil
}

func (b *MinioBackend) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	if err := ValidateKey(req.Key); err != nil {
		return nil, err
	}
	if req.UploadID != SinglePartUploadID {
		parts, err := normalizeParts(req.Parts)
		if err != nil {
			return nil, err
		}
		completed := make([]minio.CompletePart, 0, len(parts))
		for _, p := range parts {
			completed = append(completed, minio.CompletePart{PartNumber: p.PartNumber, ETag: p.ETag})
		}
		if _, err := b.core.CompleteMultipartUpload(ctx, b.opts.Bucket, req.Key, req.UploadID, completed, minio.PutObjectOptions{}); err != nil {
			return nil, fmt.Errorf("complete multipart upload: %w", err)
		}
	}
	info, err := b.core.StatObject(ctx, b.opts.Bucket, req.Key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("stat object: %w", err)
	}
	return &CompleteResult{
		Key:      req.Key,
		ETag:     info.ETag,
		Size:     info.Size,
		Location: fmt.Sprintf("minio://%s/%s", b.opts.Bucket, req.Key),
	}, nil
}

func (b *MinioBackend) Abort(ctx context.Context, uploadID, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if uploadID == "" || uploadID == SinglePartUploadID {
		return nil
	}
	if err := b.core.AbortMultipartUpload(ctx, b.opts.Bucket, key, uploadID); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
			return nil
		}
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}
