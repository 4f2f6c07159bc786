// Package logging wraps log/slog with a redaction handler: no secret may
// appear in any log line, pattern-matched at emission rather than trusted
// to each call site to remember (spec §7).
package logging

import (
	"context"
	"log/slog"
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches the known secret shapes named in the ambient
// logging stack: key=value-style credentials, bearer tokens, PEM blocks,
// and long hex strings that look like key material.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|secret|passphrase|api[_-]?key)\s*[:=]\s*\S+`),
	regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9\-_.=]+`),
	regexp.MustCompile(`(?s)-----BEGIN [A-Z ]+-----.*?-----END [A-Z ]+-----`),
	regexp.MustCompile(`\b[a-fA-F0-9]{32,}\b`),
}

// Redact replaces every substring of s matching a known secret shape with
// a fixed placeholder. It is exported so callers that build a log message
// by hand (rather than through structured attributes) can run it directly.
func Redact(s string) string {
	for _, pattern := range secretPatterns {
		s = pattern.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}

// RedactingHandler wraps an slog.Handler, redacting the message and every
// string-valued attribute of each record before delegating. It never
// changes a record's level or time, only the text that could carry a
// secret.
type RedactingHandler struct {
	next slog.Handler
}

// NewRedactingHandler wraps next. Construct the trust core's root logger
// with this wrapping the process's real handler (JSON in production, text
// in development), so every downstream slog.Logger gets redaction for
// free.
func NewRedactingHandler(next slog.Handler) *RedactingHandler {
	return &RedactingHandler{next: next}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	redacted := slog.NewRecord(record.Time, record.Level, Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.next.Handle(ctx, redacted)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		redacted[i] = redactAttr(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, Redact(a.Value.String()))
	}
	return a
}
