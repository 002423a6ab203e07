package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "aico.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), *cfg)
}

func TestLoadPartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
modelservice:
  ollama:
    port: 12345
queue:
  rate_limit_per_second: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 12345, cfg.Modelservice.Ollama.Port)
	assert.Equal(t, 5.0, cfg.Queue.RateLimitPerSecond)

	// Everything not mentioned keeps its default.
	assert.Equal(t, "127.0.0.1", cfg.Modelservice.Ollama.Host)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "user_facts", cfg.Memory.Semantic.Collections.UserFacts)
	assert.Equal(t, 60, cfg.Handshake.MaxClockSkewSeconds)
}

func TestLoadRejectsUnknownTTSEngine(t *testing.T) {
	path := writeConfig(t, `
modelservice:
  tts:
    engine: espeak
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tts engine")
}

func TestLoadAcceptsKnownTTSEngines(t *testing.T) {
	for _, engine := range []string{"xtts", "piper", "kokoro"} {
		path := writeConfig(t, "modelservice:\n  tts:\n    engine: "+engine+"\n")
		cfg, err := Load(path)
		require.NoError(t, err, engine)
		assert.Equal(t, engine, cfg.Modelservice.TTS.Engine)
	}
}

func TestValidateRejectsBadDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Handshake.MaxClockSkewSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Memory.RetentionDays = -1
	assert.Error(t, cfg.Validate())
}

func TestOllamaURLResolution(t *testing.T) {
	o := OllamaConfig{Host: "models.local", Port: 9999}
	assert.Equal(t, "http://models.local:9999", o.OllamaURL())

	o.URL = "https://runtime.example.com"
	assert.Equal(t, "https://runtime.example.com", o.OllamaURL())

	assert.Equal(t, "http://127.0.0.1:11434", OllamaConfig{}.OllamaURL())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "aico.yaml")
	cfg := DefaultConfig()
	cfg.Gateway.Listen = "0.0.0.0:9090"
	cfg.Modelservice.TTS.Voices = map[string]map[string]string{
		"piper": {"en": "en_US-amy-medium"},
	}
	require.NoError(t, Save(path, &cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, *loaded)
}
