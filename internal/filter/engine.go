package filter

import (
	"strings"

	"github.com/coopco/pushmon/internal/bus"
)

// Config controls which messages are relayed. When Enabled is false every
// message matches (fail-open). Link patterns are plain substrings checked
// against whitespace-delimited tokens of the message text, not parsed URLs.
type Config struct {
	Enabled         bool     `json:"enabled"`
	Keywords        []string `json:"keywords"`
	LinkPatterns    []string `json:"link_patterns"`
	ImageExtensions []string `json:"image_types"`
}

// DefaultConfig returns the filter configuration used when none is supplied:
// enabled, no keywords or link patterns, the common image types.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		ImageExtensions: []string{"jpg", "jpeg", "png", "gif"},
	}
}

// Normalize strips leading dots and lowercases the image extension list so
// suffix checks are uniform regardless of how the caller wrote them.
func (c Config) Normalize() Config {
	exts := make([]string, 0, len(c.ImageExtensions))
	for _, ext := range c.ImageExtensions {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		if ext != "" {
			exts = append(exts, ext)
		}
	}
	c.ImageExtensions = exts
	return c
}

// Matches reports whether msg passes the filter. It is a pure read-only
// predicate and safe to call from concurrent message handlers.
func Matches(msg *bus.InboundMessage, cfg Config) bool {
	if !cfg.Enabled {
		return true
	}

	content := strings.ToLower(msg.Content)
	for _, kw := range cfg.Keywords {
		if kw != "" && strings.Contains(content, strings.ToLower(kw)) {
			return true
		}
	}

	if len(cfg.LinkPatterns) > 0 {
		for _, token := range strings.Fields(msg.Content) {
			for _, pattern := range cfg.LinkPatterns {
				if pattern != "" && strings.Contains(token, pattern) {
					return true
				}
			}
		}
	}

	for _, att := range msg.Attachments {
		if IsImageFilename(att.Filename, cfg.ImageExtensions) {
			return true
		}
	}

	// Embeds are treated as possibly relevant whenever any content-shape
	// filter is active.
	if len(msg.Embeds) > 0 && (len(cfg.LinkPatterns) > 0 || len(cfg.ImageExtensions) > 0) {
		return true
	}

	return false
}

// IsImageFilename reports whether name ends with one of the configured image
// extensions, case-insensitively. Extensions are expected in normalized
// (dotless, lowercase) form.
func IsImageFilename(name string, exts []string) bool {
	lower := strings.ToLower(name)
	for _, ext := range exts {
		if ext != "" && strings.HasSuffix(lower, "."+ext) {
			return true
		}
	}
	return false
}
