package redis

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Password = "pw"
	cfg.DB = 2

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, "pw", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 10, opts.PoolSize)
}

func TestConfig_OptionsFromURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "redis://:secret@cache.internal:6380/3"

	opts, err := cfg.Options()
	require.NoError(t, err)
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "secret", opts.Password)
	assert.Equal(t, 3, opts.DB)
	assert.Equal(t, 3*time.Second, opts.ReadTimeout)
}

func TestConfig_InvalidURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "http://:secret@nowhere"

	_, err := cfg.Options()
	assert.ErrorIs(t, err, ErrConnection)
	assert.NotContains(t, err.Error(), "secret")
}

func TestNewClient_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 1
	cfg.MaxRetries = -1
	cfg.DialTimeout = 200 * time.Millisecond

	_, err := NewClient(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrConnection)
}

func TestPubSubChannel(t *testing.T) {
	assert.Equal(t, "pubsub:progress.level_up", PubSubChannel("progress.level_up"))
}
