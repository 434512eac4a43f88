// Package redact strips secret-shaped values (API keys, DSNs, tokens) out
// of log fields and config dumps before they reach stdout.
package redact

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(secret|token|auth)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(Bearer)\s+([a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+)`),
	regexp.MustCompile(`(?i)(password)["']?\s*[:=]\s*["']?([^"'\s,}]+)["']?`),
	regexp.MustCompile(`(?i)(dsn|connection[_-]?string)["']?\s*[:=]\s*["']?(postgres(?:ql)?://[^"'\s,}]+)["']?`),
}

// Config controls Redactor behavior.
type Config struct {
	Enabled         bool
	RedactionText   string
	BlockedPatterns []string
}

// DefaultConfig redacts password/secret/token/apikey/dsn-shaped fields.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		RedactionText: "***REDACTED***",
		BlockedPatterns: []string{
			"password", "secret", "token", "apikey", "dsn", "credential",
		},
	}
}

// Redactor replaces secret-shaped substrings and fields with a fixed marker.
type Redactor struct {
	config Config
}

// NewRedactor creates a Redactor from cfg.
func NewRedactor(cfg Config) *Redactor {
	if cfg.RedactionText == "" {
		cfg.RedactionText = "***REDACTED***"
	}
	return &Redactor{config: cfg}
}

// RedactString replaces secret-shaped substrings of s.
func (r *Redactor) RedactString(s string) string {
	if !r.config.Enabled {
		return s
	}
	result := s
	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllString(result, "${1}: "+r.config.RedactionText)
	}
	return result
}

// RedactMap returns a copy of m with secret-named fields and secret-shaped
// string values redacted, recursing into nested maps and slices.
func (r *Redactor) RedactMap(m map[string]interface{}) map[string]interface{} {
	if !r.config.Enabled {
		return m
	}

	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch {
		case r.isSecretField(k):
			result[k] = r.config.RedactionText
		case v == nil:
			result[k] = v
		default:
			switch val := v.(type) {
			case string:
				result[k] = r.RedactString(val)
			case map[string]interface{}:
				result[k] = r.RedactMap(val)
			case []interface{}:
				result[k] = r.RedactSlice(val)
			default:
				result[k] = v
			}
		}
	}
	return result
}

// RedactSlice redacts each element of s, recursing into nested maps.
func (r *Redactor) RedactSlice(s []interface{}) []interface{} {
	if !r.config.Enabled {
		return s
	}
	result := make([]interface{}, len(s))
	for i, v := range s {
		switch val := v.(type) {
		case string:
			result[i] = r.RedactString(val)
		case map[string]interface{}:
			result[i] = r.RedactMap(val)
		default:
			result[i] = val
		}
	}
	return result
}

func (r *Redactor) isSecretField(fieldName string) bool {
	lowerName := strings.ToLower(fieldName)
	for _, blocked := range r.config.BlockedPatterns {
		if strings.Contains(lowerName, strings.ToLower(blocked)) {
			return true
		}
	}
	return false
}

// String redacts s using DefaultConfig.
func String(s string) string {
	return NewRedactor(DefaultConfig()).RedactString(s)
}

// Map redacts m using DefaultConfig.
func Map(m map[string]interface{}) map[string]interface{} {
	return NewRedactor(DefaultConfig()).RedactMap(m)
}
