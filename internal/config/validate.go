package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their JSON keys so errors line up with the
// document the operator edits.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// ValidationError collects field-level problems keyed by "section.field".
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "invalid configuration"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, exists := e.Fields[field]; !exists {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) merge(other *ValidationError) {
	if other == nil {
		return
	}
	for k, v := range other.Fields {
		e.add(k, v)
	}
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// FieldErrors extracts the field map from err, or nil.
func FieldErrors(err error) map[string]string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return nil
}

// Validate checks the whole document: struct tags plus cross-section rules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("configuration missing")
	}
	out := &ValidationError{}
	for _, name := range EditableSections {
		out.merge(sectionErrors(cfg, name))
	}
	return out.orNil()
}

// ValidateSection checks one section as a wizard step would.
func ValidateSection(cfg *Config, section string) error {
	if cfg == nil {
		return errors.New("configuration missing")
	}
	if cfg.Section(section) == nil {
		return fmt.Errorf("unknown section %q", section)
	}
	return sectionErrors(cfg, section).orNil()
}

func sectionErrors(cfg *Config, section string) *ValidationError {
	out := &ValidationError{}
	target := cfg.Section(section)
	if err := validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				out.add(section+"."+fe.Field(), describeTag(fe))
			}
		} else {
			out.add(section, err.Error())
		}
	}

	switch section {
	case SectionServer:
		if d, err := time.ParseDuration(strings.TrimSpace(cfg.Server.SessionTTL)); err != nil || d < time.Minute {
			out.add("server.session_ttl", "must be a duration of at least 1m")
		}
		if cfg.Server.TLSEnabled && (strings.TrimSpace(cfg.Server.TLSCertPath) == "" || strings.TrimSpace(cfg.Server.TLSKeyPath) == "") {
			out.add("server.tls_cert", "certificate and key are required when TLS is enabled")
		}
		if strings.EqualFold(cfg.Server.CookieSameSite, "none") && !cfg.Server.CookieForceSecure && !cfg.Server.TLSEnabled {
			out.add("server.cookie_samesite", "none requires secure cookies")
		}
	case SectionAuth:
		a := cfg.Auth
		switch a.Provider {
		case ProviderOIDC:
			if strings.TrimSpace(a.IssuerURL) == "" {
				out.add("auth.issuer_url", "required for oidc")
			}
			fallthrough
		case ProviderDiscord, ProviderGitHub, ProviderGoogle:
			if strings.TrimSpace(a.ClientID) == "" {
				out.add("auth.client_id", "required")
			}
			if strings.TrimSpace(a.ClientSecret) == "" {
				out.add("auth.client_secret", "required")
			}
		}
	case SectionStorage:
		s := cfg.Storage
		switch s.Mode {
		case StorageS3, StorageMinio:
			if strings.TrimSpace(s.Bucket) == "" {
				out.add("storage.bucket", "required")
			}
			if strings.TrimSpace(s.AccessKey) == "" {
				out.add("storage.access_key", "required")
			}
			if strings.TrimSpace(s.SecretKey) == "" {
				out.add("storage.secret_key", "required")
			}
			if s.Mode == StorageMinio && strings.TrimSpace(s.Endpoint) == "" {
				out.add("storage.endpoint", "required for minio")
			}
			if s.Mode == StorageS3 && strings.TrimSpace(s.Region) == "" {
				out.add("storage.region", "required for s3")
			}
		case StorageAPI, StorageProxy:
			if strings.TrimSpace(cfg.API.BaseURL) == "" {
				out.add("api.base_url", fmt.Sprintf("required for %s uploads", s.Mode))
			}
		}
		if s.ChunkSizeMB < MinChunkSizeMB {
			out.add("storage.chunk_size_mb", fmt.Sprintf("must be at least %d", MinChunkSizeMB))
		}
	case SectionAPI:
		if strings.TrimSpace(cfg.API.BaseURL) == "" {
			out.add("api.base_url", "required")
		}
	}
	return out
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be a valid URL"
	case "hexcolor", "len":
		return "must be a #RRGGBB color"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	}
	return "invalid (" + fe.Tag() + ")"
}
