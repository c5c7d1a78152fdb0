package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// validJWTSecret meets the 32-character minimum.
const validJWTSecret = "test-secret-key-at-least-32-chars!"

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
    refresh_token_ttl: 60
tokens:
  store: memory
  logout_policy: delete
  extend_on_rotate: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Tokens.Store != StoreMemory || cfg.Tokens.LogoutPolicy != "delete" || !cfg.Tokens.ExtendOnRotate {
		t.Errorf("Tokens = %+v", cfg.Tokens)
	}
	if cfg.RefreshTTL() != time.Hour {
		t.Errorf("RefreshTTL() = %v, want 1h", cfg.RefreshTTL())
	}
	// Unset keys keep their defaults.
	if cfg.AccessTTL() != 15*time.Minute {
		t.Errorf("AccessTTL() = %v, want 15m", cfg.AccessTTL())
	}
	if cfg.Tokens.GenerateAttempts != 5 {
		t.Errorf("Tokens.GenerateAttempts = %d, want 5", cfg.Tokens.GenerateAttempts)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
site:
  id: ""
database:
  path: "/tmp/test.db"
api:
  port: 8080
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error, got nil")
	}
	// Every problem is reported at once.
	for _, want := range []string{"site.id", "security.jwt.secret"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
security:
  jwt:
    secret: "file-secret-that-is-long-enough-to-pass"
`)
	t.Setenv("SMARTTRASH_JWT_SECRET", validJWTSecret)
	t.Setenv("SMARTTRASH_TOKENS_STORE", "redis")
	t.Setenv("SMARTTRASH_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Security.JWT.Secret != validJWTSecret {
		t.Errorf("Security.JWT.Secret = %q, want env value", cfg.Security.JWT.Secret)
	}
	if cfg.Tokens.Store != StoreRedis || cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("Tokens.Store = %q, Redis.Addr = %q", cfg.Tokens.Store, cfg.Redis.Addr)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(*Config) {}},
		{name: "missing site ID", mutate: func(c *Config) { c.Site.ID = "" }, wantErr: "site.id"},
		{name: "missing database path", mutate: func(c *Config) { c.Database.Path = "" }, wantErr: "database.path"},
		{name: "invalid QoS", mutate: func(c *Config) { c.MQTT.QoS = 3 }, wantErr: "mqtt.qos"},
		{name: "invalid port low", mutate: func(c *Config) { c.API.Port = 0 }, wantErr: "api.port"},
		{name: "invalid port high", mutate: func(c *Config) { c.API.Port = 70000 }, wantErr: "api.port"},
		{name: "missing JWT secret", mutate: func(c *Config) { c.Security.JWT.Secret = "" }, wantErr: "security.jwt.secret"},
		{name: "JWT secret too short", mutate: func(c *Config) { c.Security.JWT.Secret = "short" }, wantErr: "at least 32"},
		{name: "zero refresh TTL", mutate: func(c *Config) { c.Security.JWT.RefreshTokenTTL = 0 }, wantErr: "refresh_token_ttl"},
		{name: "unknown store", mutate: func(c *Config) { c.Tokens.Store = "etcd" }, wantErr: "tokens.store"},
		{name: "postgres without DSN", mutate: func(c *Config) { c.Tokens.Store = StorePostgres }, wantErr: "postgres.dsn"},
		{
			name: "postgres with DSN",
			mutate: func(c *Config) {
				c.Tokens.Store = StorePostgres
				c.Postgres.DSN = "postgres://localhost/smarttrash"
			},
		},
		{
			name: "redis without address",
			mutate: func(c *Config) {
				c.Tokens.Store = StoreRedis
				c.Redis.Addr = ""
			},
			wantErr: "redis.addr",
		},
		{name: "no generate attempts", mutate: func(c *Config) { c.Tokens.GenerateAttempts = 0 }, wantErr: "generate_attempts"},
		{name: "no store timeout", mutate: func(c *Config) { c.Tokens.StoreTimeout = 0 }, wantErr: "store_timeout"},
		{name: "bad logout policy", mutate: func(c *Config) { c.Tokens.LogoutPolicy = "forget" }, wantErr: "logout_policy"},
		{name: "upper-case logout policy", mutate: func(c *Config) { c.Tokens.LogoutPolicy = "DELETE" }},
		{name: "negative purge interval", mutate: func(c *Config) { c.Tokens.PurgeInterval = -1 }, wantErr: "purge_interval"},
		{name: "telemetry without topic", mutate: func(c *Config) { c.Telemetry.Topic = "" }, wantErr: "telemetry.topic"},
		{
			name: "telemetry disabled without topic",
			mutate: func(c *Config) {
				c.Telemetry.Enabled = false
				c.Telemetry.Topic = ""
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			cfg.Security.JWT.Secret = validJWTSecret
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
		Security: SecurityConfig{JWT: JWTConfig{AccessTokenTTL: 5, RefreshTokenTTL: 120}},
		Tokens:   TokensConfig{StoreTimeout: 3, PurgeInterval: 30},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
	if got := cfg.AccessTTL(); got != 5*time.Minute {
		t.Errorf("AccessTTL() = %v, want 5m", got)
	}
	if got := cfg.RefreshTTL(); got != 2*time.Hour {
		t.Errorf("RefreshTTL() = %v, want 2h", got)
	}
	if got := cfg.StoreTimeout(); got != 3*time.Second {
		t.Errorf("StoreTimeout() = %v, want 3s", got)
	}
	if got := cfg.PurgeInterval(); got != 30*time.Minute {
		t.Errorf("PurgeInterval() = %v, want 30m", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("SMARTTRASH_DATABASE_PATH", "/custom/path.db")
	t.Setenv("SMARTTRASH_POSTGRES_DSN", "postgres://db/tokens")
	t.Setenv("SMARTTRASH_MQTT_HOST", "mqtt.example.com")
	t.Setenv("SMARTTRASH_MQTT_PORT", "8883")
	t.Setenv("SMARTTRASH_MQTT_USERNAME", "testuser")
	t.Setenv("SMARTTRASH_MQTT_PASSWORD", "testpass")
	t.Setenv("SMARTTRASH_API_HOST", "192.168.1.1")
	t.Setenv("SMARTTRASH_API_PORT", "not-a-number")
	t.Setenv("SMARTTRASH_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("SMARTTRASH_JWT_SECRET", "jwt-secret")
	t.Setenv("SMARTTRASH_TOKENS_LOGOUT_POLICY", "delete")

	applyEnvOverrides(cfg)

	checks := []struct {
		field, got, want string
	}{
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"Postgres.DSN", cfg.Postgres.DSN, "postgres://db/tokens"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
		{"Tokens.LogoutPolicy", cfg.Tokens.LogoutPolicy, "delete"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %q, want %q", c.field, c.got, c.want)
		}
	}

	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("MQTT.Broker.Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	// Unparseable integers leave the current value alone.
	if cfg.API.Port != 8080 {
		t.Errorf("API.Port = %d, want 8080", cfg.API.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Site.ID == "" {
		t.Error("defaultConfig should have non-empty Site.ID")
	}
	if cfg.Database.Path == "" {
		t.Error("defaultConfig should have non-empty Database.Path")
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
	if cfg.Tokens.Store != StoreSQLite || cfg.Tokens.LogoutPolicy != "revoke" {
		t.Errorf("defaultConfig Tokens = %+v", cfg.Tokens)
	}
	if cfg.Tokens.ExtendOnRotate {
		t.Error("rotated tokens should keep the chain deadline by default")
	}
}
