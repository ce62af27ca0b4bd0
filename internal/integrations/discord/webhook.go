// Package discord posts audit messages to Discord webhooks.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"
)

// Discord rejects payloads over these limits.
const (
	maxTitle       = 256
	maxDescription = 4096
	maxFieldName   = 256
	maxFieldValue  = 1024
	maxFields      = 25
	maxEmbeds      = 10
	maxContent     = 2000

	maxRetryAfter = 5 * time.Second
)

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
}

type EmbedFooter struct {
	Text string `json:"text,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// WebhookPayload is the JSON body for Discord webhooks.
type WebhookPayload struct {
	Username string  `json:"username,omitempty"`
	Content  string  `json:"content,omitempty"`
	Embeds   []Embed `json:"embeds,omitempty"`
}

// StatusError is a non-2xx answer from Discord.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("discord webhook returned %d", e.StatusCode)
}

var client = &http.Client{Timeout: 8 * time.Second}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-3]) + "..."
}

// normalized returns a copy of p trimmed to Discord's size limits.
func (p WebhookPayload) normalized() WebhookPayload {
	out := WebhookPayload{Username: p.Username, Content: clip(p.Content, maxContent)}
	embeds := p.Embeds
	if len(embeds) > maxEmbeds {
		embeds = embeds[:maxEmbeds]
	}
	for _, e := range embeds {
		e.Title = clip(e.Title, maxTitle)
		e.Description = clip(e.Description, maxDescription)
		fields := e.Fields
		if len(fields) > maxFields {
			fields = fields[:maxFields]
		}
		e.Fields = make([]EmbedField, 0, len(fields))
		for _, f := range fields {
			if f.Name == "" || f.Value == "" {
				continue
			}
			e.Fields = append(e.Fields, EmbedField{Name: clip(f.Name, maxFieldName), Value: clip(f.Value, maxFieldValue), Inline: f.Inline})
		}
		out.Embeds = append(out.Embeds, e)
	}
	return out
}

// Post sends payload to webhookURL. A 429 is retried once when Discord asks
// for a short wait. An empty URL is a no-op.
func Post(ctx context.Context, webhookURL string, payload WebhookPayload) error {
	if webhookURL == "" {
		return nil
	}
	body, err := json.Marshal(payload.normalized())
	if err != nil {
		return err
	}
	err = send(ctx, webhookURL, body)
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests || se.RetryAfter > maxRetryAfter {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(se.RetryAfter):
	}
	return send(ctx, webhookURL, body)
}

func send(ctx context.Context, webhookURL string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	se := &StatusError{StatusCode: resp.StatusCode}
	if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil && secs >= 0 {
		se.RetryAfter = time.Duration(secs * float64(time.Second))
	}
	return se
}

// NewEmbed creates an embed stamped with the current time.
func NewEmbed(title, description string, color int, footer string) Embed {
	e := Embed{
		Title:       title,
		Description: description,
		Color:       color,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if footer != "" {
		e.Footer = &EmbedFooter{Text: footer}
	}
	return e
}
