package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

// Redactor masks credentials in log lines.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor for the secrets a relay deployment
// handles: bearer tokens, credentials embedded in store URLs, API keys and
// password or token fields.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._~+/=-]+`),

			// user:password@ in redis://, rediss://, http(s):// URLs
			regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s:@/"]*:[^\s@/"]+@`),

			// API keys
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`AKIA[0-9A-Z]{16}`),

			// key/value secrets
			regexp.MustCompile(`(?i)"?(password|passwd|secret|api_key|apikey)"?\s*[:=]\s*"?[^\s",}]+"?`),
			regexp.MustCompile(`(?i)"?(token|access_token)"?\s*[:=]\s*"?[a-zA-Z0-9._-]{20,}"?`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact masks every match in s.
func (r *Redactor) Redact(s string) string {
	for _, pattern := range r.patterns {
		s = pattern.ReplaceAllString(s, redacted)
	}
	return s
}

// Wrap returns a writer that redacts before writing to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

// Write reports len(p) on success so callers never see a short write when
// redaction changes the line length.
func (w *redactingWriter) Write(p []byte) (int, error) {
	if _, err := w.writer.Write([]byte(w.redactor.Redact(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}
