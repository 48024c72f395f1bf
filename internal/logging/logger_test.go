package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		format  string
		wantErr bool
	}{
		{name: "defaults", level: "info", format: "json", wantErr: false},
		{name: "console debug", level: "debug", format: "console", wantErr: false},
		{name: "bad level", level: "loud", format: "json", wantErr: true},
		{name: "bad format", level: "info", format: "xml", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Config{Level: tt.level, Format: tt.format}.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(NewDefaultConfig().WithWriter(&buf))
	require.NoError(t, err)

	logger.Info(context.Background(), "document embedded",
		zap.String("document_kind", "filing"),
		zap.Int("chunks", 3),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "document embedded", entry["msg"])
	assert.Equal(t, "filing", entry["document_kind"])
	assert.Equal(t, float64(3), entry["chunks"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := Config{Level: "warn", Format: "json"}.WithWriter(&buf)
	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info(context.Background(), "suppressed")
	assert.Zero(t, buf.Len())

	logger.Warn(context.Background(), "emitted")
	assert.NotZero(t, buf.Len())
}
