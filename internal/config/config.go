// Package config defines the Atlas configuration document persisted as JSON
// on disk, along with its defaults, validation and secret redaction.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"atlas/internal/utils"
)

// Section names accepted by the wizard and the admin editor.
const (
	SectionServer        = "server"
	SectionDatabase      = "database"
	SectionAuth          = "auth"
	SectionAPI           = "api"
	SectionStorage       = "storage"
	SectionBranding      = "branding"
	SectionCache         = "cache"
	SectionNotifications = "notifications"
)

// WizardSections lists the setup steps in the order they are presented.
var WizardSections = []string{SectionDatabase, SectionAuth, SectionAPI, SectionStorage, SectionBranding}

// EditableSections lists every section the admin console may replace.
var EditableSections = []string{
	SectionServer, SectionDatabase, SectionAuth, SectionAPI,
	SectionStorage, SectionBranding, SectionCache, SectionNotifications,
}

// Storage modes.
const (
	StorageProxy = "proxy"
	StorageAPI   = "api"
	StorageS3    = "s3"
	StorageMinio = "minio"
)

// Identity providers.
const (
	ProviderCredentials = "credentials"
	ProviderDiscord     = "discord"
	ProviderGitHub      = "github"
	ProviderGoogle      = "google"
	ProviderOIDC        = "oidc"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const (
	DefaultPort                 = 3000
	DefaultSessionTTL           = "24h"
	DefaultCookieSameSite       = "lax"
	DefaultAPITimeoutSeconds    = 15
	DefaultChunkSizeMB          = 8
	MinChunkSizeMB              = 5
	DefaultMaxUploadMB          = 2048
	DefaultPresignExpiryMinutes = 60
	DefaultAppName              = "Atlas"
	DefaultPrimaryColor         = "#2563EB"
	DefaultAccentColor          = "#16A34A"
)

// Config is the on-disk Atlas document.
type Config struct {
	SetupComplete    bool                `json:"setup_complete"`
	SetupCompletedAt *time.Time          `json:"setup_completed_at,omitempty"`
	Paths            *utils.Paths        `json:"paths"`
	Server           ServerConfig        `json:"server"`
	Database         DatabaseConfig      `json:"database"`
	Auth             AuthConfig          `json:"auth"`
	API              APIConfig           `json:"api"`
	Storage          StorageConfig       `json:"storage"`
	Branding         BrandingConfig      `json:"branding"`
	Cache            CacheConfig         `json:"cache"`
	Notifications    NotificationsConfig `json:"notifications"`
}

type ServerConfig struct {
	Port              int    `json:"port" validate:"min=1,max=65535"`
	BaseURL           string `json:"base_url" validate:"omitempty,url"`
	JWTSecret         string `json:"jwt_secret" validate:"required,min=16"`
	SessionTTL        string `json:"session_ttl" validate:"required"`
	CookieForceSecure bool   `json:"cookie_force_secure"`
	CookieSameSite    string `json:"cookie_samesite" validate:"omitempty,oneof=lax strict none default"`
	AllowIFrame       bool   `json:"allow_iframe"`
	VerboseHTTP       bool   `json:"verbose_http"`
	TLSEnabled        bool   `json:"tls_enabled"`
	TLSCertPath       string `json:"tls_cert"`
	TLSKeyPath        string `json:"tls_key"`
}

// SessionDuration parses SessionTTL, falling back to the default.
func (s ServerConfig) SessionDuration() time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(s.SessionTTL)); err == nil && d > 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultSessionTTL)
	return d
}

type DatabaseConfig struct {
	Driver       string `json:"driver" validate:"required,oneof=sqlite postgres"`
	URL          string `json:"url" validate:"required"`
	MaxOpenConns int    `json:"max_open_conns" validate:"min=0,max=1000"`
	MaxIdleConns int    `json:"max_idle_conns" validate:"min=0,max=1000"`
}

type AuthConfig struct {
	Provider          string `json:"provider" validate:"required,oneof=credentials discord github google oidc"`
	ClientID          string `json:"client_id"`
	ClientSecret      string `json:"client_secret"`
	IssuerURL         string `json:"issuer_url" validate:"omitempty,url"`
	RedirectURL       string `json:"redirect_url" validate:"omitempty,url"`
	AllowRegistration bool   `json:"allow_registration"`
}

type APIConfig struct {
	BaseURL        string `json:"base_url" validate:"omitempty,url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds" validate:"min=1,max=600"`
}

// Timeout returns the configured request timeout.
func (a APIConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return time.Duration(DefaultAPITimeoutSeconds) * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type StorageConfig struct {
	Mode                 string `json:"mode" validate:"required,oneof=proxy api s3 minio"`
	Bucket               string `json:"bucket"`
	Region               string `json:"region"`
	Endpoint             string `json:"endpoint"`
	AccessKey            string `json:"access_key"`
	SecretKey            string `json:"secret_key"`
	UseSSL               bool   `json:"use_ssl"`
	PathStyle            bool   `json:"path_style"`
	ChunkSizeMB          int    `json:"chunk_size_mb" validate:"min=5,max=5120"`
	MaxUploadMB          int    `json:"max_upload_mb" validate:"min=1"`
	PresignExpiryMinutes int    `json:"presign_expiry_minutes" validate:"min=1,max=10080"`
}

// ChunkSizeBytes returns the configured part size in bytes.
func (s StorageConfig) ChunkSizeBytes() int64 {
	return int64(s.ChunkSizeMB) << 20
}

// MaxUploadBytes returns the upload size ceiling in bytes.
func (s StorageConfig) MaxUploadBytes() int64 {
	return int64(s.MaxUploadMB) << 20
}

// PresignExpiry returns how long presigned URLs stay valid.
func (s StorageConfig) PresignExpiry() time.Duration {
	return time.Duration(s.PresignExpiryMinutes) * time.Minute
}

type BrandingConfig struct {
	AppName      string `json:"app_name" validate:"required,max=64"`
	LogoURL      string `json:"logo_url" validate:"omitempty,url"`
	FaviconURL   string `json:"favicon_url" validate:"omitempty,url"`
	PrimaryColor string `json:"primary_color" validate:"omitempty,hexcolor,len=7"`
	AccentColor  string `json:"accent_color" validate:"omitempty,hexcolor,len=7"`
	SupportURL   string `json:"support_url" validate:"omitempty,url"`
	FooterText   string `json:"footer_text" validate:"max=256"`
}

type CacheConfig struct {
	RedisURL string `json:"redis_url" validate:"omitempty,url"`
}

type NotificationsConfig struct {
	DiscordWebhook string `json:"discord_webhook" validate:"omitempty,url"`
}

// Default returns a fresh document rooted at rootPath with a generated JWT secret.
func Default(rootPath string) *Config {
	paths := utils.NewPaths(rootPath)
	cfg := &Config{
		Paths: paths,
		Server: ServerConfig{
			JWTSecret: NewSecret(),
		},
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			URL:    paths.DefaultDatabaseFile(),
		},
		Auth:    AuthConfig{Provider: ProviderCredentials},
		Storage: StorageConfig{Mode: StorageProxy},
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if strings.TrimSpace(cfg.Server.SessionTTL) == "" {
		cfg.Server.SessionTTL = DefaultSessionTTL
	}
	if strings.TrimSpace(cfg.Server.CookieSameSite) == "" {
		cfg.Server.CookieSameSite = DefaultCookieSameSite
	}
	cfg.Server.CookieSameSite = strings.ToLower(strings.TrimSpace(cfg.Server.CookieSameSite))
	if strings.TrimSpace(cfg.Auth.Provider) == "" {
		cfg.Auth.Provider = ProviderCredentials
	}
	if cfg.API.TimeoutSeconds == 0 {
		cfg.API.TimeoutSeconds = DefaultAPITimeoutSeconds
	}
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	if strings.TrimSpace(cfg.Storage.Mode) == "" {
		cfg.Storage.Mode = StorageProxy
	}
	if cfg.Storage.ChunkSizeMB == 0 {
		cfg.Storage.ChunkSizeMB = DefaultChunkSizeMB
	}
	if cfg.Storage.MaxUploadMB == 0 {
		cfg.Storage.MaxUploadMB = DefaultMaxUploadMB
	}
	if cfg.Storage.PresignExpiryMinutes == 0 {
		cfg.Storage.PresignExpiryMinutes = DefaultPresignExpiryMinutes
	}
	if strings.TrimSpace(cfg.Branding.AppName) == "" {
		cfg.Branding.AppName = DefaultAppName
	}
	if strings.TrimSpace(cfg.Branding.PrimaryColor) == "" {
		cfg.Branding.PrimaryColor = DefaultPrimaryColor
	}
	if strings.TrimSpace(cfg.Branding.AccentColor) == "" {
		cfg.Branding.AccentColor = DefaultAccentColor
	}
}

// NewSecret returns 32 random bytes hex-encoded.
func NewSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	return hex.EncodeToString(buf)
}

// Clone returns a deep copy of cfg.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := *c
	if c.Paths != nil {
		p := *c.Paths
		out.Paths = &p
	}
	if c.SetupCompletedAt != nil {
		t := *c.SetupCompletedAt
		out.SetupCompletedAt = &t
	}
	return &out
}

// Section returns a pointer to the named section, or nil when unknown.
func (c *Config) Section(name string) interface{} {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case SectionServer:
		return &c.Server
	case SectionDatabase:
		return &c.Database
	case SectionAuth:
		return &c.Auth
	case SectionAPI:
		return &c.API
	case SectionStorage:
		return &c.Storage
	case SectionBranding:
		return &c.Branding
	case SectionCache:
		return &c.Cache
	case SectionNotifications:
		return &c.Notifications
	}
	return nil
}

// Parse decodes a document and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}
