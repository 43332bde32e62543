package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("loads default values when env vars not set", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, "applyx", cfg.App.Name)
		assert.Equal(t, "8080", cfg.App.Port)
		assert.Equal(t, "sqlite", cfg.Database.Driver)
		assert.Equal(t, 30*time.Second, cfg.Supervisor.HeartbeatInterval)
		assert.Equal(t, 2, cfg.Scheduler.DailyHour)
		assert.Equal(t, 0, cfg.Scheduler.DailyMinute)
		assert.Equal(t, 10, cfg.Plans["free"])
		assert.Equal(t, 200, cfg.Plans["pro"])
		assert.False(t, cfg.IsProduction())
	})

	t.Run("environment overrides defaults", func(t *testing.T) {
		t.Setenv("APPLYX_APP_ENV", "production")
		t.Setenv("APPLYX_SCHEDULER_DAILY_HOUR", "4")
		t.Setenv("APPLYX_SUPERVISOR_HEARTBEAT_INTERVAL", "15s")
		t.Setenv("APPLYX_PLANS_BASIC", "75")
		t.Setenv("APPLYX_APP_TIMEZONE", "America/New_York")

		cfg, err := Load()
		require.NoError(t, err)

		assert.True(t, cfg.IsProduction())
		assert.Equal(t, 4, cfg.Scheduler.DailyHour)
		assert.Equal(t, 15*time.Second, cfg.Supervisor.HeartbeatInterval)
		assert.Equal(t, 75, cfg.Plans["basic"])

		loc, err := cfg.Location()
		require.NoError(t, err)
		assert.Equal(t, "America/New_York", loc.String())
	})

	t.Run("rejects unknown driver", func(t *testing.T) {
		t.Setenv("APPLYX_DATABASE_DRIVER", "mysql")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("rejects out of range trigger hour", func(t *testing.T) {
		t.Setenv("APPLYX_SCHEDULER_DAILY_HOUR", "24")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("rejects non positive plan quota", func(t *testing.T) {
		t.Setenv("APPLYX_PLANS_FREE", "0")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("trusted proxies", func(t *testing.T) {
		t.Setenv("APPLYX_RATE_LIMIT_TRUSTED_PROXIES", "10.0.0.0/8 192.168.1.5")

		cfg, err := Load()
		require.NoError(t, err)
		prefixes, err := cfg.RateLimit.TrustedPrefixes()
		require.NoError(t, err)
		require.Len(t, prefixes, 2)
		assert.Equal(t, "10.0.0.0/8", prefixes[0].String())
		assert.Equal(t, "192.168.1.5/32", prefixes[1].String())
	})

	t.Run("rejects malformed trusted proxy", func(t *testing.T) {
		t.Setenv("APPLYX_RATE_LIMIT_TRUSTED_PROXIES", "not-an-ip")

		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("rejects invalid timezone", func(t *testing.T) {
		t.Setenv("APPLYX_APP_TIMEZONE", "Mars/Olympus")

		_, err := Load()
		assert.Error(t, err)
	})
}
