package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func mapEnv(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func wdOf(dir string) func() (string, error) {
	return func() (string, error) { return dir, nil }
}

func TestConfig(t *testing.T) {
	t.Run("set default option", func(t *testing.T) {
		c := NewConfig()

		require.Equal(t, "valkey", c.Backend, "default backend not set")
		require.Equal(t, "info", c.LogLevel, "default log level not set")
		require.Equal(t, "text", c.LogFormat, "default log format not set")
		require.Equal(t, 10*time.Second, c.Timeout, "default timeout not set")
		require.Equal(t, 30*time.Second, c.HealthInterval, "default health interval not set")
		require.Equal(t, "localhost:6379", c.Valkey.Address, "default valkey address not set")
		require.Equal(t, "", c.MongoDB.URI, "mongodb uri should be empty by default")
		require.False(t, c.Telemetry)
		require.NoError(t, c.Validate())
	})

	t.Run("load env", func(t *testing.T) {
		c := NewConfig()
		getenv := mapEnv(map[string]string{
			"CREDSTORE_BACKEND":            "mongodb",
			"CREDSTORE_LOG_LEVEL":          "debug",
			"CREDSTORE_LOG_FORMAT":         "json",
			"CREDSTORE_TIMEOUT":            "3s",
			"CREDSTORE_HEALTH_INTERVAL":    "1m",
			"CREDSTORE_TELEMETRY":          "true",
			"VALKEY_ADDRESS":               "cache:6380",
			"VALKEY_USERNAME":              "oauth",
			"VALKEY_PASSWORD":              "secret",
			"VALKEY_DB":                    "2",
			"VALKEY_KEY_PREFIX":            "tenant-a:",
			"VALKEY_TLS":                   "1",
			"VALKEY_DISABLE_OFFLINE_QUEUE": "true",
			"MONGODB_URI":                  "mongodb://db:27017",
			"MONGODB_DATABASE":             "oauth",
			"MONGODB_COLLECTION_PREFIX":    "a_",
		})

		require.NoError(t, c.LoadEnv(getenv))

		require.Equal(t, "mongodb", c.Backend)
		require.Equal(t, "debug", c.LogLevel)
		require.Equal(t, "json", c.LogFormat)
		require.Equal(t, 3*time.Second, c.Timeout)
		require.Equal(t, time.Minute, c.HealthInterval)
		require.True(t, c.Telemetry)
		require.Equal(t, ValkeyConfig{
			Address:             "cache:6380",
			Username:            "oauth",
			Password:            "secret",
			DB:                  2,
			KeyPrefix:           "tenant-a:",
			TLS:                 true,
			DisableOfflineQueue: true,
		}, c.Valkey)
		require.Equal(t, MongoDBConfig{
			URI:              "mongodb://db:27017",
			Database:         "oauth",
			CollectionPrefix: "a_",
		}, c.MongoDB)
	})

	t.Run("invalid env value", func(t *testing.T) {
		tests := map[string]string{
			"VALKEY_DB":           "two",
			"CREDSTORE_TIMEOUT":   "soon",
			"CREDSTORE_TELEMETRY": "maybe",
		}

		for key, value := range tests {
			t.Run(key, func(t *testing.T) {
				c := NewConfig()
				err := c.LoadEnv(mapEnv(map[string]string{key: value}))
				require.Error(t, err)
				require.Contains(t, err.Error(), "invalid "+key)
			})
		}
	})

	t.Run("parse flags", func(t *testing.T) {
		t.Run("valid flags", func(t *testing.T) {
			tests := []struct {
				name  string
				flags []string
			}{
				{
					name: "short",
					flags: []string{
						"-b", "memory",
						"-l", "debug",
						"-t", "5s",
					},
				},
				{
					name: "long",
					flags: []string{
						"--backend", "memory",
						"--log-level", "debug",
						"--timeout", "5s",
					},
				},
			}

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					c := NewConfig()

					rest, err := c.ParseFlags(tt.flags)

					require.NoError(t, err)
					require.Empty(t, rest)
					require.Equal(t, "memory", c.Backend)
					require.Equal(t, "debug", c.LogLevel)
					require.Equal(t, 5*time.Second, c.Timeout)
				})
			}
		})

		t.Run("invalid flags", func(t *testing.T) {
			c := NewConfig()

			_, err := c.ParseFlags([]string{"--unknown-flag", "value"})

			require.Error(t, err)
		})

		t.Run("help", func(t *testing.T) {
			c := NewConfig()

			_, err := c.ParseFlags([]string{"--help"})

			require.ErrorIs(t, err, pflag.ErrHelp)
		})

		t.Run("command flags are left alone", func(t *testing.T) {
			c := NewConfig()

			rest, err := c.ParseFlags([]string{"-b", "memory", "revoke-client", "--keep-client", "c-1"})

			require.NoError(t, err)
			require.Equal(t, []string{"revoke-client", "--keep-client", "c-1"}, rest)
		})
	})

	t.Run("validate", func(t *testing.T) {
		tests := []struct {
			name    string
			modify  func(c *Config)
			wantErr string
		}{
			{"unknown backend", func(c *Config) { c.Backend = "etcd" }, "unknown backend"},
			{"valkey without address", func(c *Config) { c.Valkey.Address = "" }, "requires an address"},
			{"mongodb without uri", func(c *Config) { c.Backend = "mongodb" }, "requires a uri"},
			{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "unknown log format"},
			{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout must be positive"},
			{"negative interval", func(c *Config) { c.HealthInterval = -time.Second }, "interval must be positive"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				c := NewConfig()
				tt.modify(c)
				err := c.Validate()
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
			})
		}

		t.Run("memory needs nothing", func(t *testing.T) {
			c := NewConfig()
			c.Backend = "memory"
			c.Valkey.Address = ""
			require.NoError(t, c.Validate())
		})
	})
}

func TestLoadConfig(t *testing.T) {
	writeFile := func(t *testing.T, dir, name, content string) string {
		t.Helper()
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
		return path
	}

	t.Run("defaults only", func(t *testing.T) {
		c, rest, err := LoadConfig([]string{"health"}, mapEnv(nil), wdOf(t.TempDir()))

		require.NoError(t, err)
		require.Equal(t, []string{"health"}, rest)
		require.Equal(t, NewConfig(), c)
	})

	t.Run("yaml file from flag", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "credstore.yaml", `
backend: mongodb
log_format: json
timeout: 4s
mongodb:
  uri: mongodb://db:27017
  database: oauth
`)

		c, rest, err := LoadConfig([]string{"--config", path, "stats"}, mapEnv(nil), wdOf(dir))

		require.NoError(t, err)
		require.Equal(t, []string{"stats"}, rest)
		require.Equal(t, "mongodb", c.Backend)
		require.Equal(t, "json", c.LogFormat)
		require.Equal(t, 4*time.Second, c.Timeout)
		require.Equal(t, "mongodb://db:27017", c.MongoDB.URI)
		require.Equal(t, "oauth", c.MongoDB.Database)
		require.Equal(t, "localhost:6379", c.Valkey.Address, "keys absent from the file keep defaults")
	})

	t.Run("yaml file from env", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "c.yaml", "backend: memory\n")

		c, _, err := LoadConfig(nil, mapEnv(map[string]string{
			"CREDSTORE_CONFIG": path,
		}), wdOf(dir))

		require.NoError(t, err)
		require.Equal(t, "memory", c.Backend)
	})

	t.Run("missing yaml file", func(t *testing.T) {
		_, _, err := LoadConfig([]string{"-c", filepath.Join(t.TempDir(), "nope.yaml")}, mapEnv(nil), wdOf(t.TempDir()))

		require.Error(t, err)
		require.Contains(t, err.Error(), "failed to read config file")
	})

	t.Run("dotenv in working directory", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, ".env", "VALKEY_ADDRESS=dotenv:6379\nVALKEY_DB=5\n")

		c, _, err := LoadConfig(nil, mapEnv(nil), wdOf(dir))

		require.NoError(t, err)
		require.Equal(t, "dotenv:6379", c.Valkey.Address)
		require.Equal(t, 5, c.Valkey.DB)
	})

	t.Run("precedence", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "c.yaml", "valkey:\n  address: file:6379\n  db: 1\n  key_prefix: file:\n")
		writeFile(t, dir, ".env", "VALKEY_ADDRESS=dotenv:6379\nVALKEY_DB=2\n")
		getenv := mapEnv(map[string]string{
			"VALKEY_ADDRESS": "env:6379",
		})

		c, _, err := LoadConfig([]string{"-c", path, "--valkey-address", "flag:6379", "health"}, getenv, wdOf(dir))

		require.NoError(t, err)
		require.Equal(t, "flag:6379", c.Valkey.Address, "flag wins over env")
		require.Equal(t, 2, c.Valkey.DB, ".env wins over file")
		require.Equal(t, "file:", c.Valkey.KeyPrefix, "file wins over default")
	})

	t.Run("validation error", func(t *testing.T) {
		_, _, err := LoadConfig([]string{"--backend", "mongodb"}, mapEnv(nil), wdOf(t.TempDir()))

		require.Error(t, err)
		require.Contains(t, err.Error(), "requires a uri")
	})
}
