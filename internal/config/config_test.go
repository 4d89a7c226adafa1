package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		Mining: MiningConfig{
			SessionDuration: 24 * time.Hour,
			SessionReward:   1000,
		},
		Referral: ReferralConfig{
			Bonus:    100,
			LinkBase: "https://points.example.com/join",
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
		},
		API: APIConfig{
			Enabled:         true,
			LeaderboardSize: 100,
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero session duration",
			mutate:  func(c *Config) { c.Mining.SessionDuration = 0 },
			wantErr: true,
			errMsg:  "mining.session_duration must be positive",
		},
		{
			name:    "zero session reward",
			mutate:  func(c *Config) { c.Mining.SessionReward = 0 },
			wantErr: true,
			errMsg:  "mining.session_reward must be positive",
		},
		{
			name:    "negative referral bonus",
			mutate:  func(c *Config) { c.Referral.Bonus = -1 },
			wantErr: true,
			errMsg:  "referral.bonus must not be negative",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "etcd" },
			wantErr: true,
			errMsg:  `storage.backend "etcd" is not supported`,
		},
		{
			name: "file backend without path",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendFile
			},
			wantErr: true,
			errMsg:  "storage.file.path is required for the file backend",
		},
		{
			name: "redis backend without url",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendRedis
			},
			wantErr: true,
			errMsg:  "storage.redis.url is required for the redis backend",
		},
		{
			name: "gorm backend with bad driver",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendGorm
				c.Storage.Gorm = DBConfig{Driver: "mysql", DSN: "x"}
			},
			wantErr: true,
			errMsg:  "storage.gorm.driver must be postgres or sqlite",
		},
		{
			name: "sql backend without dsn",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendSQL
				c.Storage.SQL = DBConfig{Driver: "sqlite"}
			},
			wantErr: true,
			errMsg:  "storage.sql.dsn is required",
		},
		{
			name: "sql backend valid",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendSQL
				c.Storage.SQL = DBConfig{Driver: "sqlite", DSN: "file:test.db"}
			},
			wantErr: false,
		},
		{
			name:    "zero leaderboard size",
			mutate:  func(c *Config) { c.API.LeaderboardSize = 0 },
			wantErr: true,
			errMsg:  "api.leaderboard_size must be positive",
		},
		{
			name:    "admin without password",
			mutate:  func(c *Config) { c.API.AdminEnabled = true },
			wantErr: true,
			errMsg:  "api.admin_password is required when admin is enabled",
		},
		{
			name:    "newrelic without license",
			mutate:  func(c *Config) { c.NewRelic.Enabled = true },
			wantErr: true,
			errMsg:  "newrelic.license_key is required when newrelic is enabled",
		},
		{
			name:    "notify without a channel",
			mutate:  func(c *Config) { c.Notify.Enabled = true; c.Notify.TelegramBot = "token" },
			wantErr: true,
			errMsg:  "notify needs discord_url or telegram_bot and telegram_chat when enabled",
		},
		{
			name:    "notify with discord only",
			mutate:  func(c *Config) { c.Notify.Enabled = true; c.Notify.DiscordURL = "https://discord.test/hook" },
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr && err.Error() != tt.errMsg {
				t.Errorf("Validate() error = %q, want %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("log:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mining.SessionDuration != 24*time.Hour {
		t.Errorf("Mining.SessionDuration = %v, want 24h", cfg.Mining.SessionDuration)
	}

	if cfg.Mining.SessionReward != 1000 {
		t.Errorf("Mining.SessionReward = %d, want 1000", cfg.Mining.SessionReward)
	}

	if cfg.Referral.Bonus != 100 {
		t.Errorf("Referral.Bonus = %d, want 100", cfg.Referral.Bonus)
	}

	if cfg.Airdrop.TotalSupply != "100000000" {
		t.Errorf("Airdrop.TotalSupply = %s, want 100000000", cfg.Airdrop.TotalSupply)
	}

	if cfg.Storage.Backend != BackendMemory {
		t.Errorf("Storage.Backend = %s, want memory", cfg.Storage.Backend)
	}

	if cfg.API.LeaderboardSize != 100 {
		t.Errorf("API.LeaderboardSize = %d, want 100", cfg.API.LeaderboardSize)
	}

	if cfg.Notify.TelegramAPI != "https://api.telegram.org" {
		t.Errorf("Notify.TelegramAPI = %s, want https://api.telegram.org", cfg.Notify.TelegramAPI)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %s, want debug", cfg.Log.Level)
	}
}

func TestLoadWithTempConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
mining:
  session_duration: 12h
  session_reward: 500

referral:
  bonus: 50
  link_base: "https://points.example.com/join"

storage:
  backend: file
  file:
    path: "/tmp/users.json"
    cross_process: true

api:
  bind: "127.0.0.1:9090"
  admin_enabled: true
  admin_password: "secret"
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mining.SessionDuration != 12*time.Hour {
		t.Errorf("Mining.SessionDuration = %v, want 12h", cfg.Mining.SessionDuration)
	}

	if cfg.Mining.SessionReward != 500 {
		t.Errorf("Mining.SessionReward = %d, want 500", cfg.Mining.SessionReward)
	}

	if cfg.Storage.Backend != BackendFile {
		t.Errorf("Storage.Backend = %s, want file", cfg.Storage.Backend)
	}

	if !cfg.Storage.File.CrossProcess {
		t.Error("Storage.File.CrossProcess should be true")
	}

	if cfg.API.Bind != "127.0.0.1:9090" {
		t.Errorf("API.Bind = %s, want 127.0.0.1:9090", cfg.API.Bind)
	}

	if !cfg.API.AdminEnabled {
		t.Error("API.AdminEnabled should be true")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("mining:\n  session_reward: 1000\n"), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	t.Setenv("POINTS_MINING_SESSION_REWARD", "2000")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Mining.SessionReward != 2000 {
		t.Errorf("Mining.SessionReward = %d, want 2000", cfg.Mining.SessionReward)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
storage:
  backend: cassandra
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("Load() should return error for invalid config")
	}
}

func TestLoadNonexistentConfig(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for non-existent config")
	}
}
