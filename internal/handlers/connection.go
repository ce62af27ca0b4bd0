package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"atlas/internal/atlasapi"
	"atlas/internal/cache"
	"atlas/internal/config"
	"atlas/internal/database"
	"atlas/internal/manager"
)

// Connection test targets shared by the setup wizard and the admin console.
const (
	TestDatabase = "database"
	TestAPI      = "api"
	TestAuth     = "auth"
	TestCache    = "cache"
)

var errUnknownTarget = errors.New("unknown test target")

const connectionTestTimeout = 10 * time.Second

// TestResult is returned by the connection test endpoints.
type TestResult struct {
	Target    string `json:"target"`
	OK        bool   `json:"ok"`
	Message   string `json:"message"`
	LatencyMS int64  `json:"latency_ms"`
}

// oidcDiscovery holds the fields of an OpenID provider document we check.
type oidcDiscovery struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JWKSURI               string `json:"jwks_uri"`
}

type connectionTester struct {
	manager *manager.Manager
	http    *http.Client
}

func newConnectionTester(mgr *manager.Manager) *connectionTester {
	return &connectionTester{manager: mgr, http: &http.Client{Timeout: connectionTestTimeout}}
}

// candidate returns the stored document with an optional unsaved section
// decoded over it, so forms can be tested before they are saved.
func (t *connectionTester) candidate(target string, raw []byte) (*config.Config, error) {
	cfg := t.manager.Snapshot()
	if len(strings.TrimSpace(string(raw))) == 0 {
		return cfg, nil
	}
	return config.DecodeSection(cfg, target, raw)
}

// Run executes the named check against cfg. Failures of the target itself are
// reported in the result; the error is reserved for unknown targets.
func (t *connectionTester) Run(ctx context.Context, cfg *config.Config, target string) (*TestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, connectionTestTimeout)
	defer cancel()

	start := time.Now()
	var msg string
	var err error
	switch target {
	case TestDatabase:
		msg, err = t.database(ctx, cfg)
	case TestAPI:
		msg, err = t.api(ctx, cfg)
	case TestAuth:
		msg, err = t.auth(ctx, cfg)
	case TestCache:
		msg, err = t.cache(ctx, cfg)
	default:
		return nil, fmt.Errorf("%w %q", errUnknownTarget, target)
	}
	res := &TestResult{Target: target, OK: err == nil, Message: msg, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		res.Message = err.Error()
	}
	return res, nil
}

func (t *connectionTester) database(ctx context.Context, cfg *config.Config) (string, error) {
	dbCfg := t.manager.DatabaseConfig(cfg)
	if err := database.Ping(ctx, dbCfg); err != nil {
		return "", err
	}
	return fmt.Sprintf("Connected to %s database", dbCfg.Driver), nil
}

func (t *connectionTester) api(ctx context.Context, cfg *config.Config) (string, error) {
	client, err := atlasapi.New(cfg.API, nil)
	if err != nil {
		return "", err
	}
	health, err := client.Health(ctx)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Upstream API reports %q", health.Status)
	if health.Version != "" {
		msg += " (version " + health.Version + ")"
	}
	return msg, nil
}

func (t *connectionTester) auth(ctx context.Context, cfg *config.Config) (string, error) {
	a := cfg.Auth
	switch a.Provider {
	case config.ProviderCredentials, "":
		return "Email and password sign-in needs no provider settings", nil
	case config.ProviderOIDC:
		return t.discover(ctx, a.IssuerURL)
	}
	var missing []string
	if strings.TrimSpace(a.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(a.ClientSecret) == "" {
		missing = append(missing, "client_secret")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%s provider is missing %s", a.Provider, strings.Join(missing, ", "))
	}
	return fmt.Sprintf("%s client credentials present", a.Provider), nil
}

// discover fetches the OpenID configuration published under issuer.
func (t *connectionTester) discover(ctx context.Context, issuer string) (string, error) {
	issuer = strings.TrimRight(strings.TrimSpace(issuer), "/")
	if issuer == "" {
		return "", errors.New("issuer_url is required for oidc")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", fmt.Errorf("invalid issuer url: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("discovery request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery returned HTTP %d", resp.StatusCode)
	}
	var doc oidcDiscovery
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("invalid discovery document: %w", err)
	}
	if strings.TrimRight(doc.Issuer, "/") != issuer {
		return "", fmt.Errorf("discovery issuer %q does not match %q", doc.Issuer, issuer)
	}
	if doc.AuthorizationEndpoint == "" || doc.TokenEndpoint == "" {
		return "", errors.New("discovery document lacks authorization or token endpoint")
	}
	return fmt.Sprintf("Discovered provider %s", doc.Issuer), nil
}

func (t *connectionTester) cache(ctx context.Context, cfg *config.Config) (string, error) {
	url := strings.TrimSpace(cfg.Cache.RedisURL)
	if url == "" {
		return "No Redis configured; sessions are cached in memory", nil
	}
	store, err := cache.NewRedisFromURL(url)
	if err != nil {
		return "", err
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		return "", fmt.Errorf("redis ping: %w", err)
	}
	return "Redis reachable", nil
}
