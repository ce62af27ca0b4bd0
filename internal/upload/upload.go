// Package upload is the client side of the chunked upload flow: it asks the
// server for presigned part URLs, PUTs each byte range in order and finishes
// with the completion handshake.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"atlas/internal/storage"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 500 * time.Millisecond
)

// StatusError is a non-2xx answer from the server or a part URL.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Progress is reported while bytes are sent.
type Progress struct {
	Loaded int64 `json:"loaded"`
	Total  int64 `json:"total"`
	Part   int   `json:"part"`
	Parts  int   `json:"parts"`
}

// Percent returns Loaded as a percentage of Total.
func (p Progress) Percent() float64 {
	if p.Total <= 0 {
		return 100
	}
	pct := float64(p.Loaded) / float64(p.Total) * 100
	if pct > 100 {
		return 100
	}
	return pct
}

// ProgressFunc receives progress updates. It may be called from the HTTP
// transport's goroutine while a request body is being written.
type ProgressFunc func(Progress)

// Client uploads files to an Atlas server.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	// Attempts bounds tries per part; zero means 3.
	Attempts int
	Backoff  time.Duration
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return http.DefaultClient
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// Upload sends size bytes from r as filename. Presigned multipart uploads
// are used when the server offers them; a 409 from the presign endpoint
// means the server runs in proxy mode and the file is streamed through it.
func (c *Client) Upload(ctx context.Context, r io.ReaderAt, size int64, filename, contentType string, onProgress ProgressFunc) (*storage.CompleteResult, error) {
	if onProgress == nil {
		onProgress = func(Progress) {}
	}
	plan, err := c.presign(ctx, storage.PresignRequest{Filename: filename, ContentType: contentType, Size: size})
	var se *StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusConflict {
		return c.proxy(ctx, r, size, filename, contentType, onProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("presign: %w", err)
	}

	res, err := c.sendParts(ctx, r, size, filename, contentType, plan, onProgress)
	if err != nil {
		abortCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if abortErr := c.abort(abortCtx, plan.UploadID, plan.Key); abortErr != nil {
			return nil, errors.Join(err, fmt.Errorf("abort: %w", abortErr))
		}
		return nil, err
	}
	return res, nil
}

func (c *Client) sendParts(ctx context.Context, r io.ReaderAt, size int64, filename, contentType string, plan *storage.PresignResult, onProgress ProgressFunc) (*storage.CompleteResult, error) {
	if len(plan.Parts) == 0 {
		return nil, errors.New("server returned no parts")
	}
	var sent int64
	for _, p := range plan.Parts {
		if p.Offset+p.Size > size || p.Offset < 0 {
			return nil, fmt.Errorf("part %d lies outside the file", p.PartNumber)
		}
	}
	completed := make([]storage.CompletedPart, 0, len(plan.Parts))
	for _, p := range plan.Parts {
		etag, err := c.putPart(ctx, r, p, contentType, func(n int64) {
			onProgress(Progress{Loaded: sent + n, Total: size, Part: p.PartNumber, Parts: len(plan.Parts)})
		})
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", p.PartNumber, err)
		}
		sent += p.Size
		completed = append(completed, storage.CompletedPart{PartNumber: p.PartNumber, ETag: etag})
		onProgress(Progress{Loaded: sent, Total: size, Part: p.PartNumber, Parts: len(plan.Parts)})
	}
	var out storage.CompleteResult
	err := c.postJSON(ctx, "/api/uploads/complete", storage.CompleteRequest{
		UploadID:    plan.UploadID,
		Key:         plan.Key,
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
		Parts:       completed,
	}, &out)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}
	return &out, nil
}

// putPart PUTs one byte range, retrying transport errors and 5xx answers.
func (c *Client) putPart(ctx context.Context, r io.ReaderAt, p storage.PresignedPart, contentType string, progress func(int64)) (string, error) {
	attempts := c.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff * time.Duration(attempt-1)):
			}
		}
		progress(0)
		etag, retry, err := c.putOnce(ctx, r, p, contentType, progress)
		if err == nil {
			return etag, nil
		}
		lastErr = err
		if !retry || ctx.Err() != nil {
			break
		}
	}
	return "", lastErr
}

func (c *Client) putOnce(ctx context.Context, r io.ReaderAt, p storage.PresignedPart, contentType string, progress func(int64)) (string, bool, error) {
	body := &countingReader{r: io.NewSectionReader(r, p.Offset, p.Size), fn: progress}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.URL, body)
	if err != nil {
		return "", false, err
	}
	req.ContentLength = p.Size
	if p.Size == 0 {
		req.Body = http.NoBody
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return "", true, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			&StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	etag := strings.TrimSpace(resp.Header.Get("ETag"))
	if etag == "" {
		return "", false, errors.New("part response carried no ETag header")
	}
	return etag, false, nil
}

// proxy streams the whole file through POST /api/uploads.
func (c *Client) proxy(ctx context.Context, r io.ReaderAt, size int64, filename, contentType string, onProgress ProgressFunc) (*storage.CompleteResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := func() error {
			if err := mw.WriteField("size", strconv.FormatInt(size, 10)); err != nil {
				return err
			}
			part, err := mw.CreateFormFile("file", filename)
			if err != nil {
				return err
			}
			src := &countingReader{r: io.NewSectionReader(r, 0, size), fn: func(n int64) {
				onProgress(Progress{Loaded: n, Total: size, Part: 1, Parts: 1})
			}}
			if _, err := io.Copy(part, src); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/uploads", pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if contentType != "" {
		req.Header.Set("X-Upload-Content-Type", contentType)
	}
	var out storage.CompleteResult
	if err := c.do(req, &out); err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("proxy upload: %w", err)
	}
	return &out, nil
}

func (c *Client) presign(ctx context.Context, in storage.PresignRequest) (*storage.PresignResult, error) {
	var out storage.PresignResult
	if err := c.postJSON(ctx, "/api/uploads/presign", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) abort(ctx context.Context, uploadID, key string) error {
	path := "/api/uploads/" + url.PathEscape(uploadID) + "?key=" + url.QueryEscape(key)
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	return req, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &StatusError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// countingReader reports the running byte count after each Read.
type countingReader struct {
	r  io.Reader
	n  atomic.Int64
	fn func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		total := c.n.Add(int64(n))
		if c.fn != nil {
			c.fn(total)
		}
	}
	return n, err
}
