package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("STORE_DRIVER", "badger")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.Addr())
	require.Equal(t, DriverBadger, cfg.StoreDriver)
	require.Equal(t, 24*time.Hour, cfg.TokenTTL)
	require.Equal(t, []string{"*"}, cfg.WSAllowedOrigins)
	require.Equal(t, 54*time.Second, cfg.PingPeriod())
	require.Equal(t, 4000, cfg.MaxContentLength)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("PORT", "9090")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("WS_PONG_WAIT", "10s")
	t.Setenv("DB_MAX_CONNS", "4")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9090", cfg.Addr())
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.WSAllowedOrigins)
	require.Equal(t, 9*time.Second, cfg.PingPeriod())
	require.Equal(t, int32(4), cfg.DBMaxConns)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	base, err := Load()
	require.NoError(t, err)

	for name, mutate := range map[string]func(*Config){
		"unknown driver":   func(c *Config) { c.StoreDriver = "sqlite" },
		"blank secret":     func(c *Config) { c.JWTSecret = "  " },
		"zero buffer":      func(c *Config) { c.WSSendBuffer = 0 },
		"bad log format":   func(c *Config) { c.LogFormat = "xml" },
		"zero pong wait":   func(c *Config) { c.WSPongWait = 0 },
		"negative content": func(c *Config) { c.MaxContentLength = -1 },
		"no pool":          func(c *Config) { c.DBMaxConns = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			require.Error(t, c.Validate())
		})
	}

	c := base
	c.StoreDriver = DriverBadger
	c.DatabaseURL = ""
	require.NoError(t, c.Validate())
}
