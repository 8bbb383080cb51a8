package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hark.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Layers(t *testing.T) {
	a := require.New(t)
	path := writeFile(t, `
addr: relay.example:9999
keep_alive: 10s
store:
  kind: bolt
  bolt_path: /var/lib/hark/state.db
reconnect:
  max_interval: 2m
  max_retries: 7
log:
  level: debug
`)
	t.Setenv("HARK_DEVICE_NAME", "listener-1")
	t.Setenv("HARK_SESSION_PASSPHRASE", "s3cret")

	cfg, err := Load(path)
	a.NoError(err)
	a.Equal("relay.example:9999", cfg.Addr)
	a.Equal("listener-1", cfg.DeviceName)
	a.Equal(10*time.Second, cfg.KeepAlive)
	a.Equal(StoreBolt, cfg.Store.Kind)
	a.Equal("s3cret", cfg.Store.Passphrase)
	a.Equal(2*time.Minute, cfg.Reconnect.MaxInterval)
	a.Equal(time.Second, cfg.Reconnect.InitialInterval)
	a.Equal(7, cfg.Reconnect.MaxRetries)
	a.Equal("debug", cfg.Log.Level)

	fs := pflag.NewFlagSet("hark", pflag.ContinueOnError)
	fs.String("addr", cfg.Addr, "")
	fs.String("store", cfg.Store.Kind, "")
	fs.String("session-dir", cfg.Store.Dir, "")
	fs.Int("max-retries", cfg.Reconnect.MaxRetries, "")
	a.NoError(fs.Parse([]string{"--store", "files", "--session-dir", "auth", "--max-retries", "3"}))
	a.NoError(cfg.ApplyFlags(fs))
	a.Equal("relay.example:9999", cfg.Addr)
	a.Equal(StoreFiles, cfg.Store.Kind)
	a.Equal("auth", cfg.Store.Dir)
	a.Equal(3, cfg.Reconnect.MaxRetries)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, "sessions", cfg.Store.Dir)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})
	t.Run("bad yaml", func(t *testing.T) {
		_, err := Load(writeFile(t, "addr: [unterminated"))
		require.Error(t, err)
	})
	t.Run("redis without url", func(t *testing.T) {
		_, err := Load(writeFile(t, "store:\n  kind: redis\n"))
		require.ErrorContains(t, err, "redis_url")
	})
	t.Run("bad retries env", func(t *testing.T) {
		t.Setenv("HARK_MAX_RETRIES", "many")
		_, err := Load("")
		require.Error(t, err)
	})
	t.Run("bad qr mode", func(t *testing.T) {
		t.Setenv("HARK_QR", "sometimes")
		_, err := Load("")
		require.ErrorContains(t, err, "qr")
	})
}

func TestLoadRelay(t *testing.T) {
	a := require.New(t)
	path := writeFile(t, "db_path: /tmp/devices.db\nref_ttl: 5s\nkeep_alive: 15s\n")
	t.Setenv("HARK_STUN_SERVER", "stun.l.google.com:19302")

	cfg, err := LoadRelay(path)
	a.NoError(err)
	a.Equal("/tmp/devices.db", cfg.DBPath)
	a.Equal(5*time.Second, cfg.RefTTL)
	a.Equal(60*time.Second, cfg.FirstRefTTL)
	a.Equal(15*time.Second, cfg.KeepAlive)
	a.Equal("stun.l.google.com:19302", cfg.STUNServer)

	fs := pflag.NewFlagSet("relay", pflag.ContinueOnError)
	fs.String("addr", cfg.Addr, "")
	a.NoError(fs.Parse([]string{"--addr", "127.0.0.1:7000"}))
	cfg.ApplyFlags(fs)
	a.Equal("127.0.0.1:7000", cfg.Addr)
}
