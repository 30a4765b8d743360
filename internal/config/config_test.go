package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "8080"
llm:
  model: "gpt-4o-mini"
  timeout_seconds: 12
  generation:
    max_tokens: 500
chat:
  history_limit: 20
realtime:
  relay_channel: "test:relay"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 12*time.Second, cfg.LLM.AITimeout())
	assert.Equal(t, 500, cfg.LLM.Generation.MaxTokens)
	assert.Equal(t, 20, cfg.Chat.HistoryLimit)
	assert.Equal(t, "test:relay", cfg.Realtime.RelayChannel)

	// 未配置的字段保留默认值
	assert.Equal(t, "release", cfg.Server.Mode)
	assert.Equal(t, 0.7, cfg.LLM.Generation.Temperature)
	assert.Equal(t, 50, cfg.LLM.Title.MaxLength)
	assert.Equal(t, "New Conversation", cfg.Chat.PlaceholderTitle)
	assert.Equal(t, DefaultSystemTemplate, cfg.LLM.Prompt.SystemTemplate)
	assert.Equal(t, 60*time.Second, cfg.Realtime.PingTimeout())
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
	assert.Equal(t, Default().Chat, cfg.Chat)
}

func TestTimeoutFallbacks(t *testing.T) {
	assert.Equal(t, 30*time.Second, LLMConfig{}.AITimeout())
	assert.Equal(t, 60*time.Second, RealtimeConfig{PingTimeoutSeconds: -1}.PingTimeout())
}

func TestInit_PanicsOnBadPath(t *testing.T) {
	assert.Panics(t, func() { Init(filepath.Join(t.TempDir(), "nope.yaml")) })
}
