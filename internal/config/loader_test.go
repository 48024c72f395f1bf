package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9180, cfg.Server.Port)
	assert.Equal(t, "chromem", cfg.VectorStore.Provider)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "text-embedding-3-small", cfg.Provider.EmbeddingModel)
	assert.Equal(t, 8000, cfg.Batch.MaxTokens)
	assert.Equal(t, 100, cfg.Batch.SafetyMargin)
	assert.Equal(t, 30*time.Second, cfg.Provider.Timeout.Duration())
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 8099
vectorstore:
  provider: qdrant
  qdrant:
    host: qdrant.internal
    vector_size: 768
provider:
  embedding_model: text-embedding-3-large
  api_key: sk-test-123
batch:
  workers: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8099, cfg.Server.Port)
	assert.Equal(t, "qdrant", cfg.VectorStore.Provider)
	assert.Equal(t, "qdrant.internal", cfg.VectorStore.Qdrant.Host)
	assert.Equal(t, 768, cfg.VectorStore.Qdrant.VectorSize)
	assert.Equal(t, "text-embedding-3-large", cfg.Provider.EmbeddingModel)
	assert.Equal(t, "sk-test-123", cfg.Provider.APIKey.Value())
	assert.Equal(t, 8, cfg.Batch.Workers)

	// Unset fields still get defaults.
	assert.Equal(t, 6334, cfg.VectorStore.Qdrant.Port)
	assert.Equal(t, "memory", cfg.Cache.Backend)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8099\n"), 0o600))

	t.Setenv("SERVER_PORT", "8200")
	t.Setenv("PROVIDER_EMBEDDING_MODEL", "text-embedding-3-large")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8200, cfg.Server.Port)
	assert.Equal(t, "text-embedding-3-large", cfg.Provider.EmbeddingModel)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantMsg string
	}{
		{
			name:    "unknown vectorstore provider",
			yaml:    "vectorstore:\n  provider: pinecone\n",
			wantMsg: "unknown vectorstore provider",
		},
		{
			name:    "unknown cache backend",
			yaml:    "cache:\n  backend: redis\n",
			wantMsg: "unknown cache backend",
		},
		{
			name:    "nats backend without url",
			yaml:    "cache:\n  backend: nats\n",
			wantMsg: "requires cache.nats.url",
		},
		{
			name:    "max tokens below margin",
			yaml:    "batch:\n  max_tokens: 50\n  safety_margin: 100\n",
			wantMsg: "must exceed batch.safety_margin",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("sk-live-abc")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-live-abc", s.Value())
	assert.True(t, s.IsSet())

	empty := Secret("")
	assert.Equal(t, "", empty.String())
	assert.False(t, empty.IsSet())
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
