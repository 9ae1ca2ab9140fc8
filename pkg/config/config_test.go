package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t, "DATABASE_URL", "OPENAI_API_KEYS", "OPENAI_API_KEY", "OPENAI_API_KEY_1")
	os.Setenv("DATABASE_URL", "postgres://localhost/refinery")
	t.Cleanup(func() { os.Unsetenv("DATABASE_URL") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.RateLimits.MaxURLsPerHour)
	assert.Equal(t, 0.15, cfg.Thresholds.ErrorRateThreshold)
	assert.Nil(t, cfg.Verifier.APIKeys)
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	clearEnv(t, "DATABASE_URL")
	_, err := Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestLoadAPIKeysPrecedence(t *testing.T) {
	clearEnv(t, "DATABASE_URL", "OPENAI_API_KEYS", "OPENAI_API_KEY", "OPENAI_API_KEY_1", "OPENAI_API_KEY_2")
	os.Setenv("DATABASE_URL", "postgres://localhost/refinery")
	os.Setenv("OPENAI_API_KEYS", "key-a,key-b")
	t.Cleanup(func() {
		os.Unsetenv("DATABASE_URL")
		os.Unsetenv("OPENAI_API_KEYS")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"key-a", "key-b"}, cfg.Verifier.APIKeys)
}
