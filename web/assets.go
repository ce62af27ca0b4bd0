// Package web embeds the HTML templates and static assets served by Atlas.
package web

import (
	"embed"
	"encoding/json"
	"html/template"
	"io/fs"
	"strings"

	"atlas/internal/version"
)

// Assets embeds templates and static directories into the binary.
//
//go:embed templates static
var Assets embed.FS

// RequiredStatic lists assets the pages cannot work without.
var RequiredStatic = []string{"css/atlas.css", "js/atlas.js", "js/setup.js", "js/admin.js", "js/login.js", "atlas.svg"}

// FuncMap returns the helpers available to every template.
func FuncMap() template.FuncMap {
	return template.FuncMap{
		"has": func(slice []string, item string) bool {
			for _, s := range slice {
				if s == item {
					return true
				}
			}
			return false
		},
		// initials returns up to the first two runes of a string in uppercase for avatar badges
		"initials": func(s string) string {
			s = strings.TrimSpace(s)
			if s == "" {
				return "?"
			}
			rs := []rune(s)
			if len(rs) == 1 {
				return strings.ToUpper(string(rs))
			}
			return strings.ToUpper(string(rs[0])) + strings.ToUpper(string(rs[1]))
		},
		"appVersion": func() string { return version.Version },
		"buildTime":  func() string { return version.String() },
		"toJSON": func(value interface{}) template.JS {
			data, err := json.Marshal(value)
			if err != nil {
				return template.JS("null")
			}
			return template.JS(string(data))
		},
	}
}

// Templates parses every page and partial.
func Templates() (*template.Template, error) {
	return template.New("").Funcs(FuncMap()).ParseFS(Assets, "templates/*.html", "templates/partials/*.html")
}

// Static returns the static directory and fails when a required asset is missing.
func Static() (fs.FS, error) {
	staticFS, err := fs.Sub(Assets, "static")
	if err != nil {
		return nil, err
	}
	for _, asset := range RequiredStatic {
		f, err := staticFS.Open(asset)
		if err != nil {
			return nil, err
		}
		_ = f.Close()
	}
	return staticFS, nil
}
