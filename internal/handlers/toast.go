package handlers

import (
	"strings"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

// Toast headers read by atlas.js after every API call.
const (
	headerToastType    = "X-Toast-Type"
	headerToastTitle   = "X-Toast-Title"
	headerToastMessage = "X-Toast-Message"

	maxToastRunes = 240
)

type toastKind string

const (
	toastSuccess toastKind = "success"
	toastInfo    toastKind = "info"
	toastWarning toastKind = "warning"
	toastError   toastKind = "error"
)

// toastText flattens s to a single header-safe line. Upstream and database
// errors can be long or multi-line.
func toastText(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= maxToastRunes {
		return s
	}
	r := []rune(s)
	return string(r[:maxToastRunes-3]) + "..."
}

// SetToast attaches a notification to the response. A later call replaces
// an earlier one.
func SetToast(c *gin.Context, kind toastKind, title, msg string) {
	if c == nil || kind == "" {
		return
	}
	c.Header(headerToastType, string(kind))
	c.Header(headerToastTitle, toastText(title))
	c.Header(headerToastMessage, toastText(msg))
}

func ToastSuccess(c *gin.Context, title, msg string) { SetToast(c, toastSuccess, title, msg) }
func ToastInfo(c *gin.Context, title, msg string)    { SetToast(c, toastInfo, title, msg) }
func ToastWarn(c *gin.Context, title, msg string)    { SetToast(c, toastWarning, title, msg) }
func ToastError(c *gin.Context, title, msg string)   { SetToast(c, toastError, title, msg) }
