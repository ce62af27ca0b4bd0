package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/atlasapi"
	"atlas/internal/config"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func testOptions() Options {
	return Options{Bucket: "atlas", ChunkSize: MinPartSize, MaxSize: 1 << 30, Expiry: 15 * time.Minute, Now: func() time.Time { return fixedNow }}
}

type fakeS3 struct {
	created   int
	completed *s3.CompleteMultipartUploadInput
	aborted   []string
	headSize  int64
}

func (f *fakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.created++
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("mpu-1"), Key: in.Key}, nil
}

func (f *fakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.completed = in
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (f *fakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.aborted = append(f.aborted, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return &s3.HeadObjectOutput{ETag: aws.String(`"final-etag"`), ContentLength: aws.Int64(f.headSize)}, nil
}

type fakeS3Presign struct {
	failPart int32
	put      int
}

func (f *fakeS3Presign) PresignUploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	if aws.ToInt32(in.PartNumber) == f.failPart {
		return nil, errors.New("sign failure")
	}
	return &v4.PresignedHTTPRequest{URL: fmt.Sprintf("https://s3.test/%s?partNumber=%d&uploadId=%s", aws.ToString(in.Key), aws.ToInt32(in.PartNumber), aws.ToString(in.UploadId)), Method: http.MethodPut}, nil
}

func (f *fakeS3Presign) PresignPutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.put++
	return &v4.PresignedHTTPRequest{URL: "https://s3.test/" + aws.ToString(in.Key), Method: http.MethodPut}, nil
}

func TestS3BackendMultipart(t *testing.T) {
	api := &fakeS3{headSize: 12 << 20}
	b := newS3Backend(api, &fakeS3Presign{}, testOptions())
	ctx := context.Background()

	res, err := b.Presign(ctx, PresignRequest{Filename: "world save.zip", Size: 12 << 20})
	require.NoError(t, err)
	assert.Equal(t, "mpu-1", res.UploadID)
	assert.True(t, strings.HasPrefix(res.Key, "uploads/2026/05/04/"))
	assert.True(t, strings.HasSuffix(res.Key, "/world_save.zip"))
	require.Len(t, res.Parts, 3)
	assert.Contains(t, res.Parts[2].URL, "partNumber=3")
	assert.Equal(t, fixedNow.Add(15*time.Minute), res.ExpiresAt)

	done, err := b.Complete(ctx, CompleteRequest{UploadID: res.UploadID, Key: res.Key, Parts: []CompletedPart{
		{PartNumber: 3, ETag: "c"}, {PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"},
	}})
	require.NoError(t, err)
	require.NotNil(t, api.completed)
	require.Len(t, api.completed.MultipartUpload.Parts, 3)
	assert.Equal(t, int32(1), aws.ToInt32(api.completed.MultipartUpload.Parts[0].PartNumber))
	assert.Equal(t, "final-etag", done.ETag)
	assert.EqualValues(t, 12<<20, done.Size)

	_, err = b.Complete(ctx, CompleteRequest{UploadID: "x", Key: "elsewhere/key", Parts: []CompletedPart{{PartNumber: 1, ETag: "a"}}})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestS3BackendSinglePartAndFailures(t *testing.T) {
	api := &fakeS3{}
	presign := &fakeS3Presign{}
	b := newS3Backend(api, presign, testOptions())
	ctx := context.Background()

	res, err := b.Presign(ctx, PresignRequest{Filename: "small.txt", Size: 10})
	require.NoError(t, err)
	assert.Equal(t, SinglePartUploadID, res.UploadID)
	assert.Equal(t, 1, presign.put)
	assert.Zero(t, api.created)

	_, err = b.Complete(ctx, CompleteRequest{UploadID: SinglePartUploadID, Key: res.Key})
	require.NoError(t, err)
	assert.Nil(t, api.completed)

	_, err = b.Presign(ctx, PresignRequest{Filename: "big", Size: 2 << 30})
	assert.ErrorIs(t, err, ErrTooLarge)

	presign.failPart = 2
	_, err = b.Presign(ctx, PresignRequest{Filename: "f", Size: 11 << 20})
	require.Error(t, err)
	assert.Equal(t, []string{"mpu-1"}, api.aborted, "failed presign aborts the multipart upload")
}

type fakeMinio struct {
	aborted   string
	completed []minio.CompletePart
}

func (f *fakeMinio) NewMultipartUpload(ctx context.Context, bucket, object string, opts minio.PutObjectOptions) (string, error) {
	return "minio-upload", nil
}

func (f *fakeMinio) CompleteMultipartUpload(ctx context.Context, bucket, object, uploadID string, parts []minio.CompletePart, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	f.completed = parts
	return minio.UploadInfo{Bucket: bucket, Key: object}, nil
}

func (f *fakeMinio) AbortMultipartUpload(ctx context.Context, bucket, object, uploadID string) error {
	f.aborted = uploadID
	return nil
}

func (f *fakeMinio) Presign(ctx context.Context, method, bucket, object string, expires time.Duration, params url.Values) (*url.URL, error) {
	return &url.URL{Scheme: "http", Host: "minio.test", Path: "/" + bucket + "/" + object, RawQuery: params.Encode()}, nil
}

func (f *fakeMinio) PresignedPutObject(ctx context.Context, bucket, object string, expires time.Duration) (*url.URL, error) {
	return &url.URL{Scheme: "http", Host: "minio.test", Path: "/" + bucket + "/" + object}, nil
}

func (f *fakeMinio) StatObject(ctx context.Context, bucket, object string, opts minio.StatObjectOptions) (minio.ObjectInfo, error) {
	return minio.ObjectInfo{Key: object, ETag: "minio-etag", Size: 42}, nil
}

func TestMinioBackend(t *testing.T) {
	fake := &fakeMinio{}
	b := newMinioBackend(fake, testOptions())
	ctx := context.Background()

	res, err := b.Presign(ctx, PresignRequest{Filename: "a.bin", Size: 6 << 20})
	require.NoError(t, err)
	assert.Equal(t, "minio-upload", res.UploadID)
	require.Len(t, res.Parts, 2)
	u, err := url.Parse(res.Parts[1].URL)
	require.NoError(t, err)
	assert.Equal(t, "2", u.Query().Get("partNumber"))
	assert.Equal(t, "minio-upload", u.Query().Get("uploadId"))

	done, err := b.Complete(ctx, CompleteRequest{UploadID: res.UploadID, Key: res.Key, Parts: []CompletedPart{{PartNumber: 1, ETag: "a"}, {PartNumber: 2, ETag: "b"}}})
	require.NoError(t, err)
	assert.Len(t, fake.completed, 2)
	assert.Equal(t, "minio-etag", done.ETag)

	require.NoError(t, b.Abort(ctx, "minio-upload", res.Key))
	assert.Equal(t, "minio-upload", fake.aborted)
	require.NoError(t, b.Abort(ctx, SinglePartUploadID, res.Key))
}

func TestMinioEndpoint(t *testing.T) {
	host, secure := minioEndpoint("https://minio.local:9000/", false)
	assert.Equal(t, "minio.local:9000", host)
	assert.True(t, secure)
	host, secure = minioEndpoint("minio.local:9000", false)
	assert.Equal(t, "minio.local:9000", host)
	assert.False(t, secure)
	assert.Equal(t, "http://localhost:9000", endpointURL("localhost:9000", false))
}

func TestAPIBackendDelegates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/files/presign":
			var in atlasapi.PresignRequest
			_ = json.NewDecoder(r.Body).Decode(&in)
			assert.EqualValues(t, MinPartSize, in.ChunkSize)
			assert.True(t, strings.HasPrefix(in.Key, "uploads/"))
			_ = json.NewEncoder(w).Encode(atlasapi.PresignResponse{UploadID: "up", Key: in.Key, Parts: []atlasapi.PresignedPart{{PartNumber: 1, URL: "http://x", Size: in.Size}}})
		case "/api/files/complete":
			_ = json.NewEncoder(w).Encode(atlasapi.FileInfo{Key: "uploads/k", Size: 3, URL: "http://files/k"})
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer srv.Close()
	client, err := atlasapi.New(config.APIConfig{BaseURL: srv.URL}, nil)
	require.NoError(t, err)
	b := NewAPIBackend(client, testOptions())
	ctx := context.Background()

	res, err := b.Presign(ctx, PresignRequest{Filename: "x.txt", Size: 3})
	require.NoError(t, err)
	assert.Equal(t, "up", res.UploadID)
	assert.Equal(t, MinPartSize, res.ChunkSize)

	done, err := b.Complete(ctx, CompleteRequest{UploadID: "up", Key: res.Key, Parts: []CompletedPart{{PartNumber: 1, ETag: "e"}}})
	require.NoError(t, err)
	assert.Equal(t, "http://files/k", done.Location)
	require.NoError(t, b.Abort(ctx, "up", res.Key))
}

func TestResolverRebuildsOnGenerationChange(t *testing.T) {
	cfg := config.Default(t.TempDir())
	gen := uint64(1)
	builds := 0
	r := NewResolver(func() (*config.Config, uint64) { return cfg, gen })
	r.build = func(ctx context.Context, c *config.Config) (Presigner, error) {
		builds++
		return New(ctx, c)
	}
	ctx := context.Background()

	_, err := r.Presigner(ctx)
	assert.ErrorIs(t, err, ErrPresignUnavailable)
	_, _ = r.Presigner(ctx)
	assert.Equal(t, 1, builds)

	cfg = cfg.Clone()
	cfg.Storage.Mode = config.StorageMinio
	cfg.Storage.Endpoint = "localhost:9000"
	cfg.Storage.Bucket = "atlas"
	cfg.Storage.AccessKey = "a"
	cfg.Storage.SecretKey = "b"
	gen = 2
	p, err := r.Presigner(ctx)
	require.NoError(t, err)
	assert.Equal(t, config.StorageMinio, p.Mode())
	assert.Equal(t, 2, builds)

	p2, err := r.Presigner(ctx)
	require.NoError(t, err)
	assert.Same(t, p, p2)
}
