package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "REDIS_DB", "DOC_TTL", "RELAY_CREDENTIALS_URL", "RELAY_TIMEOUT", "STUN_URLS"} {
		t.Setenv(key, "")
	}

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 0, cfg.Redis.DB)
	assert.Equal(t, 24*time.Hour, cfg.Redis.DocTTL)
	assert.Empty(t, cfg.Call.RelayURL)
	assert.Equal(t, 5*time.Second, cfg.Call.RelayTimeout)
	assert.Equal(t, []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}, cfg.Call.STUNURLs)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("REDIS_DB", "3")
	t.Setenv("DOC_TTL", "90m")
	t.Setenv("RELAY_TIMEOUT", "not-a-duration")
	t.Setenv("STUN_URLS", "stun:a:1")

	cfg := Load()

	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 90*time.Minute, cfg.Redis.DocTTL)
	assert.Equal(t, 5*time.Second, cfg.Call.RelayTimeout)
	assert.Equal(t, []string{"stun:a:1"}, cfg.Call.STUNURLs)
}
