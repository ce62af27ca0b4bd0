package atlasapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/config"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(config.APIConfig{BaseURL: srv.URL + "/", APIKey: "secret-key", TimeoutSeconds: 5}, nil)
	require.NoError(t, err)
	return c
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New(config.APIConfig{}, nil)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestHealthSendsBearerKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"status":"ok","version":"1.4.0"}`))
	})
	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "1.4.0", h.Version)
}

func TestListServersAcceptsBothShapes(t *testing.T) {
	wrapped := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if wrapped {
			_, _ = w.Write([]byte(`{"servers":[{"id":"2","name":"Beta"}]}`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":"1","name":"Alpha","players":3}]`))
	})
	list, err := c.ListServers(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 3, list[0].Players)

	wrapped = true
	list, err = c.ListServers(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Beta", list[0].Name)
}

func TestErrorsBecomeAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	})
	_, err := c.Health(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "bad key", apiErr.Message)
}

func TestUploadFileStreamsMultipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/files", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		body, _ := io.ReadAll(f)
		assert.Equal(t, "world.save", hdr.Filename)
		assert.Equal(t, "application/zip", hdr.Header.Get("Content-Type"))
		assert.Equal(t, "11", r.FormValue("size"))
		_ = json.NewEncoder(w).Encode(FileInfo{ID: "f1", Filename: hdr.Filename, Size: int64(len(body))})
	})
	info, err := c.UploadFile(context.Background(), "world.save", "application/zip", 11, strings.NewReader("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "f1", info.ID)
	assert.EqualValues(t, 11, info.Size)
}

func TestPresignCompleteAbort(t *testing.T) {
	var aborted string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/files/presign":
			var in PresignRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.EqualValues(t, 12<<20, in.Size)
			_ = json.NewEncoder(w).Encode(PresignResponse{UploadID: "u1", Key: "k", Parts: []PresignedPart{{PartNumber: 1, URL: "http://x/1"}}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/files/complete":
			var in CompleteRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, "etag-1", in.Parts[0].ETag)
			_ = json.NewEncoder(w).Encode(FileInfo{ID: "f", Key: in.Key})
		case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/api/files/uploads/"):
			aborted = strings.TrimPrefix(r.URL.Path, "/api/files/uploads/") + "|" + r.URL.Query().Get("key")
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})
	ctx := context.Background()
	pre, err := c.PresignUpload(ctx, PresignRequest{Filename: "a.bin", Size: 12 << 20})
	require.NoError(t, err)
	assert.Equal(t, "u1", pre.UploadID)

	done, err := c.CompleteUpload(ctx, CompleteRequest{UploadID: "u1", Key: "k", Parts: []CompletedPart{{PartNumber: 1, ETag: "etag-1"}}})
	require.NoError(t, err)
	assert.Equal(t, "k", done.Key)

	require.NoError(t, c.AbortUpload(ctx, "u1", "uploads/a b"))
	assert.Equal(t, "u1|uploads/a b", aborted)
}
