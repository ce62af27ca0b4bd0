package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"atlas/internal/config"
)

// s3API is the subset of *s3.Client used for multipart bookkeeping.
type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// s3PresignAPI is the subset of *s3.PresignClient used to sign part URLs.
type s3PresignAPI interface {
	PresignUploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Backend presigns uploads against Amazon S3 or an S3-compatible endpoint.
type S3Backend struct {
	client  s3API
	presign s3PresignAPI
	opts    Options
}

func loadAWSConfig(ctx context.Context, cfg config.StorageConfig) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
}

// NewS3Backend builds an S3 client with static credentials from cfg.
func NewS3Backend(ctx context.Context, cfg config.StorageConfig, opts Options) (*S3Backend, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if ep := endpointURL(cfg.Endpoint, cfg.UseSSL); ep != "" {
			o.BaseEndpoint = aws.String(ep)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return newS3Backend(client, s3.NewPresignClient(client), opts), nil
}

func newS3Backend(client s3API, presign s3PresignAPI, opts Options) *S3Backend {
	return &S3Backend{client: client, presign: presign, opts: opts}
}

// endpointURL adds a scheme to bare host[:port] endpoints.
func endpointURL(endpoint string, useSSL bool) string {
	ep := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if ep == "" || strings.Contains(ep, "://") {
		return ep
	}
	if useSSL {
		return "https://" + ep
	}
	return "http://" + ep
}

func (b *S3Backend) Mode() string { return config.StorageS3 }

func (b *S3Backend) Presign(ctx context.Context, req PresignRequest) (*PresignResult, error) {
	parts, chunk, err := b.opts.plan(req)
	if err != nil {
		return nil, err
	}
	now := b.opts.now()
	expiry := b.opts.expiry()
	key := ObjectKey(now, req.Filename)
	contentType := req.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	res := &PresignResult{Mode: b.Mode(), Key: key, ChunkSize: chunk, ExpiresAt: now.Add(expiry)}

	if len(parts) == 1 {
		signed, err := b.presign.PresignPutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(b.opts.Bucket),
			Key:         aws.String(key),
			ContentType: aws.String(contentType),
		}, s3.WithPresignExpires(expiry))
		if err != nil {
			return nil, fmt.Errorf("presign put: %w", err)
		}
		res.UploadID = SinglePartUploadID
		res.Parts = []PresignedPart{{PartNumber: 1, URL: signed.URL, Offset: 0, Size: parts[0].Size}}
		return res, nil
	}

	created, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(b.opts.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload: %w", err)
	}
	res.UploadID = aws.ToString(created.UploadId)
	res.Parts = make([]PresignedPart, 0, len(parts))
	for _, p := range parts {
		signed, err := b.presign.PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(b.opts.Bucket),
			Key:        aws.String(key),
			UploadId:   created.UploadId,
			PartNumber: aws.Int32(int32(p.Number)),
		}, s3.WithPresignExpires(expiry))
		if err != nil {
			_ = b.Abort(ctx, res.UploadID, key)
			return nil, fmt.Errorf("presign part %d: %w", p.Number, err)
		}
		res.Parts = append(res.Parts, PresignedPart{PartNumber: p.Number, URL: signed.URL, Offset: p.Offset, Size: p.Size})
	}
	return res, nil
}

func (b *S3Backend) Complete(ctx context.Context, req CompleteRequest) (*CompleteResult, error) {
	if err := ValidateKey(req.Key); err != nil {
		return nil, err
	}
	if req.UploadID != SinglePartUploadID {
		parts, err := normalizeParts(req.Parts)
		if err != nil {
			return nil, err
		}
		completed := make([]types.CompletedPart, 0, len(parts))
		for _, p := range parts {
			completed = append(completed, types.CompletedPart{
				ETag:       aws.String(p.ETag),
				PartNumber: aws.Int32(int32(p.PartNumber)),
			})
		}
		if _, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(b.opts.Bucket),
			Key:             aws.String(req.Key),
			UploadId:        aws.String(req.UploadID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		}); err != nil {
			return nil, fmt.Errorf("complete multipart upload: %w", err)
		}
	}
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.opts.Bucket),
		Key:    aws.String(req.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("head object: %w", err)
	}
	return &CompleteResult{
		Key:      req.Key,
		ETag:     strings.Trim(aws.ToString(head.ETag), `"`),
		Size:     aws.ToInt64(head.ContentLength),
		Location: fmt.Sprintf("s3://%s/%s", b.opts.Bucket, req.Key),
	}, nil
}

func (b *S3Backend) Abort(ctx context.Context, uploadID, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if uploadID == "" || uploadID == SinglePartUploadID {
		return nil
	}
	_, err := b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.opts.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	var noUpload *types.NoSuchUpload
	if errors.As(err, &noUpload) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("abort multipart upload: %w", err)
	}
	return nil
}
