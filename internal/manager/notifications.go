package manager

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"atlas/internal/integrations/discord"
)

const (
	maxRecentNotifications = 50
	discordTimeout         = 15 * time.Second
)

// Notification kinds used by the admin activity feed.
const (
	NotificationKindInfo    = "info"
	NotificationKindSuccess = "success"
	NotificationKindWarning = "warning"
	NotificationKindDanger  = "danger"
)

// Notification is one entry of the admin activity feed.
type Notification struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Event     string    `json:"event"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Actor     string    `json:"actor,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit records an administrative event in the activity feed and forwards it
// to the configured Discord webhook. Delivery is best-effort and asynchronous.
func (m *Manager) Audit(event, actor, message string) {
	if m == nil {
		return
	}
	title := formatEventLabel(event)
	if title == "" {
		title = event
	}
	entry := m.enqueueNotification(notificationKindForEvent(event), event, title, message, actor)
	m.safeLog(fmt.Sprintf("Audit %s by %s: %s", event, firstNonEmpty(actor, "system"), message))

	cfg := m.Snapshot()
	if cfg == nil {
		return
	}
	webhook := strings.TrimSpace(cfg.Notifications.DiscordWebhook)
	if webhook == "" {
		return
	}
	embed := discord.NewEmbed(
		fmt.Sprintf("%s: %s", cfg.Branding.AppName, entry.Title),
		entry.Message,
		parseHexColor(cfg.Branding.PrimaryColor, defaultColorForKind(entry.Kind)),
		cfg.Branding.AppName,
	)
	if actor != "" {
		embed.Fields = append(embed.Fields, discord.EmbedField{Name: "Actor", Value: actor, Inline: true})
	}
	go m.DiscordNotifyTo(webhook, "", embed)
}

// DiscordNotifyTo posts a message to the specified webhook. Best-effort.
func (m *Manager) DiscordNotifyTo(webhook, content string, embeds ...discord.Embed) {
	if m == nil {
		return
	}
	wh := strings.TrimSpace(webhook)
	if wh == "" {
		return
	}
	payload := discord.WebhookPayload{Content: strings.TrimSpace(content)}
	if len(embeds) > 0 {
		payload.Embeds = embeds
	}
	ctx, cancel := context.WithTimeout(context.Background(), discordTimeout)
	defer cancel()
	if err := discord.Post(ctx, wh, payload); err != nil {
		m.safeLog(fmt.Sprintf("Discord notify failed: %v", err))
	}
}

func (m *Manager) enqueueNotification(kind, event, title, message, actor string) Notification {
	entry := Notification{
		ID:        m.notificationSeq.Add(1),
		Kind:      kind,
		Event:     event,
		Title:     strings.TrimSpace(title),
		Message:   strings.TrimSpace(message),
		Actor:     strings.TrimSpace(actor),
		CreatedAt: time.Now(),
	}
	m.notificationsMu.Lock()
	defer m.notificationsMu.Unlock()
	buffer := make([]Notification, 0, len(m.notifications)+1)
	buffer = append(buffer, entry)
	buffer = append(buffer, m.notifications...)
	if len(buffer) > maxRecentNotifications {
		buffer = buffer[:maxRecentNotifications]
	}
	m.notifications = buffer
	return entry
}

// RecentNotifications returns up to limit most recent feed entries, newest first.
func (m *Manager) RecentNotifications(limit int) []Notification {
	if m == nil {
		return nil
	}
	m.notificationsMu.RLock()
	defer m.notificationsMu.RUnlock()
	if len(m.notifications) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(m.notifications) {
		limit = len(m.notifications)
	}
	out := make([]Notification, limit)
	copy(out, m.notifications[:limit])
	return out
}

func notificationKindForEvent(event string) string {
	switch {
	case strings.HasSuffix(event, ".completed"), strings.HasSuffix(event, ".created"), strings.HasSuffix(event, ".unbanned"):
		return NotificationKindSuccess
	case strings.HasSuffix(event, ".banned"), strings.HasSuffix(event, ".removed"):
		return NotificationKindDanger
	case strings.HasSuffix(event, ".updated"), strings.HasSuffix(event, ".revoked"), strings.HasSuffix(event, ".role"):
		return NotificationKindWarning
	default:
		return NotificationKindInfo
	}
}

func formatEventLabel(event string) string {
	parts := strings.FieldsFunc(event, func(r rune) bool {
		return r == '-' || r == '_' || r == '.' || unicode.IsSpace(r)
	})
	if len(parts) == 0 {
		return ""
	}
	for i, part := range parts {
		runes := []rune(strings.ToLower(part))
		runes[0] = unicode.ToUpper(runes[0])
		parts[i] = string(runes)
	}
	return strings.Join(parts, " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseHexColor converts a #RRGGBB string to an int. Fallback provided on failure.
func parseHexColor(hex string, fallback int) int {
	h := strings.TrimSpace(hex)
	if len(h) == 7 && strings.HasPrefix(h, "#") {
		if n, err := strconv.ParseInt(h[1:], 16, 32); err == nil {
			return int(n)
		}
	}
	return fallback
}

func defaultColorForKind(kind string) int {
	switch kind {
	case NotificationKindSuccess:
		return 0x16A34A
	case NotificationKindWarning:
		return 0xF59E0B
	case NotificationKindDanger:
		return 0xDC2626
	default:
		return 0x2563EB
	}
}
