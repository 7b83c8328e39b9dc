package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg, err := decode(v)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "bc_session", cfg.CookieName)
	assert.Equal(t, "redis", cfg.Store.Driver)
	assert.Equal(t, 90*time.Second, cfg.Calls.RingTimeout)
	assert.Equal(t, 30*time.Minute, cfg.Calls.ActiveTTL)
	assert.Equal(t, 2, cfg.VideoGroup.MinMembers)
	assert.Equal(t, 50, cfg.VideoGroup.MaxMembers)
	assert.Equal(t, 500, cfg.Presence.MaxLimit)
	assert.NotEmpty(t, cfg.NodeName)
	require.Len(t, cfg.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.ICEServers[0].URLs)
}

func TestDecodeYAMLOverrides(t *testing.T) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	require.NoError(t, v.ReadConfig(strings.NewReader(`
store:
  driver: memory
calls:
  ring_timeout: 5s
video_group:
  max_members: 4
`)))

	cfg, err := decode(v)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Calls.RingTimeout)
	assert.Equal(t, 4, cfg.VideoGroup.MaxMembers)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("store.driver", "etcd")

	_, err := decode(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")
}

func TestValidateRejectsInvertedCapacity(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("video_group.min_members", 10)
	v.Set("video_group.max_members", 3)

	_, err := decode(v)
	require.Error(t, err)
}
