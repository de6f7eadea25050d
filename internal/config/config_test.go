package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/simplemem/simplemem/internal/config"
)

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "")
	t.Setenv("ENCRYPTION_KEY", "")
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	t.Setenv("ENCRYPTION_KEY", "dGVzdC0zMi1ieXRlLWtleS1mb3ItdGVzdHMhISEh")
	t.Setenv("WINDOW_SIZE", "")
	t.Setenv("PORT", "")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.DefaultWindowSize, cfg.WindowSize)
	require.Equal(t, config.DefaultPort, cfg.Port)
	require.Equal(t, config.DefaultEmbeddingDim, cfg.EmbeddingDim)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET_KEY", "test-secret")
	t.Setenv("ENCRYPTION_KEY", "dGVzdC0zMi1ieXRlLWtleS1mb3ItdGVzdHMhISEh")
	t.Setenv("WINDOW_SIZE", "20")
	t.Setenv("TOP_K", "5")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, 20, cfg.WindowSize)
	require.Equal(t, 5, cfg.TopK)
}
