// Package atlasapi is a client for the upstream game-server management API.
package atlasapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"atlas/internal/config"
)

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("upstream api not configured")

// APIError is a non-2xx upstream response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream api returned %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream api returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to the upstream API with a bearer API key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a client from cfg. httpClient may be nil.
func New(cfg config.APIConfig, httpClient *http.Client) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout()}
	}
	return &Client{baseURL: base, apiKey: strings.TrimSpace(cfg.APIKey), http: httpClient}, nil
}

// BaseURL returns the configured upstream root.
func (c *Client) BaseURL() string { return c.baseURL }

// Health is the upstream health payload.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Server summarizes one managed game server.
type Server struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Players    int    `json:"players"`
	MaxPlayers int    `json:"max_players"`
	Version    string `json:"version,omitempty"`
}

// FileInfo describes a stored upload.
type FileInfo struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	ETag        string    `json:"etag,omitempty"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// PresignRequest asks for part URLs for a multipart upload.
type PresignRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ChunkSize   int64  `json:"chunk_size"`
	Key         string `json:"key,omitempty"`
}

// PresignedPart is one part URL.
type PresignedPart struct {
	PartNumber int    `json:"part_number"`
	URL        string `json:"url"`
	Offset     int64  `json:"offset"`
	Size       int64  `json:"size"`
}

// PresignResponse is returned by the presign endpoint.
type PresignResponse struct {
	UploadID  string          `json:"upload_id"`
	Key       string          `json:"key"`
	ChunkSize int64           `json:"chunk_size"`
	Parts     []PresignedPart `json:"parts"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// CompletedPart pairs a part number with the ETag its PUT returned.
type CompletedPart struct {
	PartNumber int    `json:"part_number"`
	ETag       string `json:"etag"`
}

// CompleteRequest finishes a multipart upload.
type CompleteRequest struct {
	UploadID    string          `json:"upload_id"`
	Key         string          `json:"key"`
	Filename    string          `json:"filename,omitempty"`
	ContentType string          `json:"content_type,omitempty"`
	Size        int64           `json:"size,omitempty"`
	Parts       []CompletedPart `json:"parts"`
}

// Health calls GET /api/health.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListServers calls GET /api/servers. Both a bare array and {"servers": [...]}
// are accepted.
func (c *Client) ListServers(ctx context.Context) ([]Server, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/servers", nil, &raw); err != nil {
		return nil, err
	}
	var list []Server
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Servers []Server `json:"servers"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode servers: %w", err)
	}
	return wrapped.Servers, nil
}

// UploadFile streams body as a multipart POST /api/files.
func (c *Client) UploadFile(ctx context.Context, filename, contentType string, size int64, body io.Reader) (*FileInfo, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		header.Set("Content-Type", contentType)
		part, err := mw.CreatePart(header)
		if err == nil {
			_, err = io.Copy(part, body)
		}
		if err == nil {
			err = mw.WriteField("size", fmt.Sprintf("%d", size))
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := c.newRequest(ctx, http.MethodPost, "/api/files", pr)
	if err != nil {
		pr.Close()
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var out FileInfo
	if err := c.do(req, &out); err != nil {
		pr.Close()
		return nil, err
	}
	return &out, nil
}

// PresignUpload calls POST /api/files/presign.
func (c *Client) PresignUpload(ctx context.Context, in PresignRequest) (*PresignResponse, error) {
	var out PresignResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/files/presign", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteUpload calls POST /api/files/complete.
func (c *Client) CompleteUpload(ctx context.Context, in CompleteRequest) (*FileInfo, error) {
	var out FileInfo
	if err := c.doJSON(ctx, http.MethodPost, "/api/files/complete", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AbortUpload calls DELETE /api/files/uploads/{id}.
func (c *Client) AbortUpload(ctx context.Context, uploadID, key string) error {
	path := "/api/files/uploads/" + url.PathEscape(uploadID)
	if key != "" {
		path += "?key=" + url.QueryEscape(key)
	}
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

// errorMessage extracts "error" or "message" from a JSON body, or the raw text.
func errorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 8<<10))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
