package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atlas/internal/storage"
)

// fakeServer imitates the upload API and a presigned object store.
type fakeServer struct {
	t         *testing.T
	chunk     int64
	failOnce  map[int]int
	putStatus int
	proxyMode bool

	mu       sync.Mutex
	received map[int][]byte
	complete *storage.CompleteRequest
	aborted  string
	proxied  []byte
	auth     []string
}

func newFakeServer(t *testing.T, chunk int64) (*fakeServer, *httptest.Server) {
	f := &fakeServer{t: t, chunk: chunk, failOnce: map[int]int{}, received: map[int][]byte{}}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/uploads/presign", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		if f.proxyMode {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error":"presigned uploads are disabled in proxy mode"}`))
			return
		}
		var in storage.PresignRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&in))
		base := "http://" + r.Host
		parts := []storage.PresignedPart{}
		for n, off := 1, int64(0); off < in.Size; n, off = n+1, off+f.chunk {
			size := f.chunk
			if in.Size-off < size {
				size = in.Size - off
			}
			parts = append(parts, storage.PresignedPart{PartNumber: n, URL: fmt.Sprintf("%s/bucket/part/%d", base, n), Offset: off, Size: size})
		}
		_ = json.NewEncoder(w).Encode(storage.PresignResult{Mode: "s3", UploadID: "up-1", Key: "uploads/k/" + in.Filename, ChunkSize: f.chunk, Parts: parts})
	})
	mux.HandleFunc("/bucket/part/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, http.MethodPut, r.Method)
		var n int
		_, _ = fmt.Sscanf(strings.TrimPrefix(r.URL.Path, "/bucket/part/"), "%d", &n)
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.putStatus != 0 {
			w.WriteHeader(f.putStatus)
			return
		}
		if f.failOnce[n] > 0 {
			f.failOnce[n]--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		f.received[n] = body
		w.Header().Set("ETag", fmt.Sprintf(`"etag-%d"`, n))
	})
	mux.HandleFunc("/api/uploads/complete", func(w http.ResponseWriter, r *http.Request) {
		var in storage.CompleteRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&in))
		f.mu.Lock()
		f.complete = &in
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(storage.CompleteResult{Key: in.Key, Size: in.Size, ETag: "final"})
	})
	mux.HandleFunc("/api/uploads/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(f.t, http.MethodDelete, r.Method)
		f.mu.Lock()
		f.aborted = strings.TrimPrefix(r.URL.Path, "/api/uploads/") + "|" + r.URL.Query().Get("key")
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/uploads", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		require.NoError(f.t, err)
		data, _ := io.ReadAll(file)
		f.mu.Lock()
		f.proxied = data
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(storage.CompleteResult{Key: "uploads/proxied", Size: int64(len(data))})
	})
	return mux
}

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestUploadSendsPartsInOrder(t *testing.T) {
	f, srv := newFakeServer(t, 1000)
	f.failOnce[2] = 1
	data := payload(2500)
	c := &Client{BaseURL: srv.URL, Token: "tok", Backoff: time.Millisecond}

	var mu sync.Mutex
	var updates []Progress
	res, err := c.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), "save.zip", "application/zip", func(p Progress) {
		mu.Lock()
		updates = append(updates, p)
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "final", res.ETag)

	require.Len(t, f.received, 3)
	assert.Equal(t, data, append(append(append([]byte{}, f.received[1]...), f.received[2]...), f.received[3]...))

	require.NotNil(t, f.complete)
	assert.Equal(t, "up-1", f.complete.UploadID)
	require.Len(t, f.complete.Parts, 3)
	for i, p := range f.complete.Parts {
		assert.Equal(t, i+1, p.PartNumber)
		assert.Equal(t, fmt.Sprintf(`"etag-%d"`, i+1), p.ETag)
	}
	assert.Equal(t, []string{"Bearer tok"}, f.auth)

	last := updates[len(updates)-1]
	assert.EqualValues(t, 2500, last.Loaded)
	assert.Equal(t, 3, last.Part)
	assert.Equal(t, 100.0, last.Percent())
	for _, u := range updates {
		assert.LessOrEqual(t, u.Loaded, int64(2500))
	}
	assert.Empty(t, f.aborted)
}

func TestUploadAbortsAfterPartFailure(t *testing.T) {
	f, srv := newFakeServer(t, 1000)
	f.putStatus = http.StatusForbidden
	data := payload(1500)
	c := &Client{BaseURL: srv.URL, Backoff: time.Millisecond}

	_, err := c.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), "a.bin", "", nil)
	require.Error(t, err)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
	assert.Equal(t, "up-1|uploads/k/a.bin", f.aborted)
	assert.Nil(t, f.complete)
}

func TestUploadGivesUpAfterAttempts(t *testing.T) {
	f, srv := newFakeServer(t, 1000)
	f.failOnce[1] = 5
	data := payload(10)
	c := &Client{BaseURL: srv.URL, Attempts: 2, Backoff: time.Millisecond}

	_, err := c.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), "a.bin", "", nil)
	require.Error(t, err)
	assert.Equal(t, 3, f.failOnce[1], "two attempts consumed")
	assert.NotEmpty(t, f.aborted)
}

func TestUploadFallsBackToProxy(t *testing.T) {
	f, srv := newFakeServer(t, 1000)
	f.proxyMode = true
	data := payload(4096)
	c := &Client{BaseURL: srv.URL}

	var mu sync.Mutex
	var last Progress
	res, err := c.Upload(context.Background(), bytes.NewReader(data), int64(len(data)), "world.sav", "", func(p Progress) {
		mu.Lock()
		last = p
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, "uploads/proxied", res.Key)
	assert.Equal(t, data, f.proxied)
	mu.Lock()
	assert.EqualValues(t, 4096, last.Loaded)
	mu.Unlock()
}

func TestUploadReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = w.Write([]byte(`{"error":"upload exceeds the configured size limit"}`))
	}))
	defer srv.Close()
	c := &Client{BaseURL: srv.URL}
	_, err := c.Upload(context.Background(), bytes.NewReader(nil), 1<<40, "huge", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size limit")
}

func TestProgressPercent(t *testing.T) {
	assert.Equal(t, 50.0, Progress{Loaded: 5, Total: 10}.Percent())
	assert.Equal(t, 100.0, Progress{}.Percent())
	assert.Equal(t, 100.0, Progress{Loaded: 11, Total: 10}.Percent())
}
