package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"atlas/internal/manager"
	"atlas/internal/middleware"
	"atlas/internal/storage"
)

// multipartOverhead leaves room for form boundaries and the size field on
// top of the configured file size limit.
const multipartOverhead = 1 << 20

type UploadHandlers struct {
	manager *manager.Manager
}

func NewUploadHandlers(mgr *manager.Manager) *UploadHandlers {
	return &UploadHandlers{manager: mgr}
}

func (h *UploadHandlers) logf(format string, args ...interface{}) {
	if h == nil || h.manager == nil || h.manager.Log == nil {
		return
	}
	h.manager.Log.Write(fmt.Sprintf(format, args...))
}

func (h *UploadHandlers) fail(c *gin.Context, action string, err error) {
	status := uploadStatus(err)
	h.logf("%s for '%s' failed: %v", action, c.GetString(middleware.ContextUsername), err)
	if errors.Is(err, storage.ErrPresignUnavailable) {
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "mode": "proxy", "upload_url": "/api/uploads"})
		return
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = strings.ToLower(action) + " failed"
	}
	respondError(c, status, "Upload", msg)
}

// limitedReader fails once more than n bytes have been read.
type limitedReader struct {
	r    io.Reader
	n    int64
	read int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.n > 0 && l.read > l.n {
		return n, storage.ErrTooLarge
	}
	return n, err
}

// UploadPOST streams a multipart "file" field to the upstream API. The
// content type is sniffed from the first bytes unless the client names one.
func (h *UploadHandlers) UploadPOST(c *gin.Context) {
	cfg := h.manager.Snapshot()
	maxSize := cfg.Storage.MaxUploadBytes()

	if c.Request.ContentLength > maxSize+multipartOverhead {
		h.fail(c, "Upload", storage.ErrTooLarge)
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize+multipartOverhead)

	client, err := h.manager.API()
	if err != nil {
		h.fail(c, "Upload", err)
		return
	}

	mr, err := c.Request.MultipartReader()
	if err != nil {
		respondError(c, http.StatusBadRequest, "Upload", "multipart form required")
		return
	}

	declaredSize := int64(-1)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			respondError(c, http.StatusBadRequest, "Upload", "file field required")
			return
		}
		if err != nil {
			respondError(c, http.StatusBadRequest, "Upload", "invalid multipart body")
			return
		}

		switch part.FormName() {
		case "size":
			raw, _ := io.ReadAll(io.LimitReader(part, 32))
			if n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil && n >= 0 {
				if n > maxSize {
					h.fail(c, "Upload", storage.ErrTooLarge)
					return
				}
				declaredSize = n
			}
			continue
		case "file":
		default:
			continue
		}

		if strings.TrimSpace(part.FileName()) == "" {
			respondError(c, http.StatusBadRequest, "Upload", "filename required")
			return
		}
		filename := storage.SanitizeFilename(part.FileName())

		var head bytes.Buffer
		detected, err := mimetype.DetectReader(io.TeeReader(part, &head))
		if err != nil {
			respondError(c, http.StatusBadRequest, "Upload", "could not read upload")
			return
		}
		contentType := strings.TrimSpace(c.GetHeader("X-Upload-Content-Type"))
		if contentType == "" || contentType == "application/octet-stream" {
			contentType = detected.String()
		}

		body := &limitedReader{r: io.MultiReader(&head, part), n: maxSize}
		info, err := client.UploadFile(c.Request.Context(), filename, contentType, declaredSize, body)
		if err != nil {
			if errors.Is(err, storage.ErrTooLarge) || body.read > maxSize {
				err = storage.ErrTooLarge
			}
			h.fail(c, "Upload", err)
			return
		}

		size := info.Size
		if size == 0 {
			size = body.read
		}
		h.logf("Upload %s (%s, %d bytes) proxied for '%s' as %s", filename, contentType, size, c.GetString(middleware.ContextUsername), info.Key)
		ToastSuccess(c, "Upload", fmt.Sprintf("%s uploaded.", filename))
		c.JSON(http.StatusCreated, storage.CompleteResult{
			Key:      info.Key,
			ETag:     info.ETag,
			Size:     size,
			Location: info.URL,
		})
		return
	}
}

// PresignPOST returns part URLs for a direct upload. Proxy mode answers 409
// so clients fall back to POST /api/uploads.
func (h *UploadHandlers) PresignPOST(c *gin.Context) {
	var req storage.PresignRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	p, err := h.manager.Presigner(ctx)
	if err != nil {
		h.fail(c, "Presign", err)
		return
	}
	res, err := p.Presign(ctx, req)
	if err != nil {
		h.fail(c, "Presign", err)
		return
	}
	h.logf("Presigned %s upload of %s (%d bytes, %d part(s)) for '%s' as %s",
		res.Mode, req.Filename, req.Size, len(res.Parts), c.GetString(middleware.ContextUsername), res.Key)
	c.JSON(http.StatusOK, res)
}

// CompletePOST finishes a presigned upload with the collected part ETags.
func (h *UploadHandlers) CompletePOST(c *gin.Context) {
	var req storage.CompleteRequest
	if !middleware.BindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	p, err := h.manager.Presigner(ctx)
	if err != nil {
		h.fail(c, "Complete upload", err)
		return
	}
	res, err := p.Complete(ctx, req)
	if err != nil {
		h.fail(c, "Complete upload", err)
		return
	}
	h.logf("Completed upload %s (%d bytes) for '%s'", res.Key, res.Size, c.GetString(middleware.ContextUsername))
	ToastSuccess(c, "Upload", "Upload complete.")
	c.JSON(http.StatusOK, res)
}

// AbortDELETE cancels a presigned upload; the object key comes from ?key=.
func (h *UploadHandlers) AbortDELETE(c *gin.Context) {
	key := strings.TrimSpace(c.Query("key"))
	if key == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "key query parameter required"})
		return
	}
	ctx := c.Request.Context()
	p, err := h.manager.Presigner(ctx)
	if err != nil {
		h.fail(c, "Abort upload", err)
		return
	}
	if err := p.Abort(ctx, c.Param("id"), key); err != nil {
		h.fail(c, "Abort upload", err)
		return
	}
	h.logf("Aborted upload %s for '%s'", key, c.GetString(middleware.ContextUsername))
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
