package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Mask replaces secret values in responses. Posting it back keeps the stored secret.
const Mask = "********"

func secretFields(c *Config) map[string]*string {
	return map[string]*string{
		"server.jwt_secret":             &c.Server.JWTSecret,
		"database.url":                  &c.Database.URL,
		"auth.client_secret":            &c.Auth.ClientSecret,
		"api.api_key":                   &c.API.APIKey,
		"storage.secret_key":            &c.Storage.SecretKey,
		"cache.redis_url":               &c.Cache.RedisURL,
		"notifications.discord_webhook": &c.Notifications.DiscordWebhook,
	}
}

// Redact returns a copy of cfg with every non-empty secret masked.
func Redact(cfg *Config) *Config {
	out := cfg.Clone()
	if out == nil {
		return nil
	}
	for _, ptr := range secretFields(out) {
		if *ptr != "" {
			*ptr = Mask
		}
	}
	return out
}

// DecodeSection decodes raw JSON over a copy of the named section of current.
// Masked secrets keep the value stored in current.
func DecodeSection(current *Config, section string, raw []byte) (*Config, error) {
	next := current.Clone()
	target := next.Section(section)
	if target == nil {
		return nil, fmt.Errorf("unknown section %q", section)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s: %w", section, err)
	}
	restoreMasked(current, next)
	ApplyDefaults(next)
	return next, nil
}

// restoreMasked copies stored secrets into next wherever next holds the mask.
func restoreMasked(current, next *Config) {
	prev := secretFields(current)
	for key, ptr := range secretFields(next) {
		if strings.TrimSpace(*ptr) == Mask {
			*ptr = *prev[key]
		}
	}
}
