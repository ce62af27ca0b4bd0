package discord

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"
)

func TestPostSendsEmbedPayload(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	embed := NewEmbed("User Banned", "alice banned", 0xDC2626, "Atlas")
	embed.Fields = []EmbedField{{Name: "Actor", Value: "root"}, {Name: "Empty", Value: ""}}
	if err := Post(context.Background(), srv.URL, WebhookPayload{Embeds: []Embed{embed}}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(got.Embeds) != 1 || got.Embeds[0].Title != "User Banned" || got.Embeds[0].Footer.Text != "Atlas" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if len(got.Embeds[0].Fields) != 1 {
		t.Fatalf("empty fields should be dropped, got %+v", got.Embeds[0].Fields)
	}
}

func TestPostWithoutURLIsNoop(t *testing.T) {
	if err := Post(context.Background(), "", WebhookPayload{Content: "x"}); err != nil {
		t.Fatalf("expected noop, got %v", err)
	}
}

func TestPostTrimsToDiscordLimits(t *testing.T) {
	var got WebhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	long := strings.Repeat("é", 5000)
	err := Post(context.Background(), srv.URL, WebhookPayload{
		Content: long,
		Embeds:  []Embed{{Title: long, Description: long}},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if n := utf8.RuneCountInString(got.Content); n != maxContent {
		t.Fatalf("content has %d runes, want %d", n, maxContent)
	}
	if n := utf8.RuneCountInString(got.Embeds[0].Title); n != maxTitle {
		t.Fatalf("title has %d runes, want %d", n, maxTitle)
	}
	if n := utf8.RuneCountInString(got.Embeds[0].Description); n != maxDescription {
		t.Fatalf("description has %d runes, want %d", n, maxDescription)
	}
}

func TestPostRetriesShortRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0.01")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := Post(context.Background(), srv.URL, WebhookPayload{Content: "hi"}); err != nil {
		t.Fatalf("post: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestPostReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := Post(context.Background(), srv.URL, WebhookPayload{Content: "hi"})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", err)
	}
}
