package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedact_MasksKnownSecretShapes(t *testing.T) {
	assert.Contains(t, Redact("password=hunter2 connecting"), redactedPlaceholder)
	assert.Contains(t, Redact("Authorization: Bearer abc123XYZ.def456"), redactedPlaceholder)
	assert.Contains(t, Redact("key: deadbeefdeadbeefdeadbeefdeadbeef"), redactedPlaceholder)
	assert.NotContains(t, Redact("incident I1 moved to CONFIRMED"), redactedPlaceholder)
}

func TestRedactingHandler_RedactsMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	handler := NewRedactingHandler(inner)
	logger := slog.New(handler)

	logger.Info("issued command", "token", "password=supersecretvalue")

	require.Contains(t, buf.String(), redactedPlaceholder)
	assert.NotContains(t, buf.String(), "supersecretvalue")
}

func TestRedactingHandler_WithAttrsRedactsBoundValues(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	handler := NewRedactingHandler(inner).WithAttrs([]slog.Attr{slog.String("db_dsn", "password=topsecret123456")})
	logger := slog.New(handler)

	logger.Info("connected")

	require.Contains(t, buf.String(), redactedPlaceholder)
	assert.NotContains(t, buf.String(), "topsecret123456")
}

func TestRedactingHandler_EnabledDelegates(t *testing.T) {
	inner := slog.NewJSONHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	handler := NewRedactingHandler(inner)
	assert.False(t, handler.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, handler.Enabled(context.Background(), slog.LevelWarn))
}
