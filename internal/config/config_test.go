package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("默认配置应可加载: %v", err)
	}
	if cfg.Ingestion.MinLocalHour != 13 || cfg.Ingestion.MaxAttempts != 5 {
		t.Fatalf("门控默认值不正确: %+v", cfg.Ingestion)
	}
	if cfg.Cache.TTL != 48*time.Hour || cfg.ENTSOE.MaxPeriod != 24*time.Hour {
		t.Fatalf("时长默认值不正确: %+v / %+v", cfg.Cache, cfg.ENTSOE)
	}
	if cfg.CronLocation() != time.UTC {
		t.Fatalf("cron 默认时区应为 UTC, 实际 %s", cfg.CronLocation())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "config.yaml")
	body := []byte("entsoe:\n  max_period: 25h\ningestion:\n  budget: 90s\napi:\n  allowed_origins: https://a.example,https://b.example\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("写入配置失败: %v", err)
	}
	t.Setenv("SPOTWATT_ENTSOE_SECURITY_TOKEN", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.ENTSOE.SecurityToken != "from-env" {
		t.Fatalf("环境变量应覆盖配置: %q", cfg.ENTSOE.SecurityToken)
	}
	if cfg.ENTSOE.MaxPeriod != 25*time.Hour || cfg.Ingestion.Budget != 90*time.Second {
		t.Fatalf("文件配置未生效: %+v", cfg)
	}
	if len(cfg.API.AllowedOrigins) != 2 {
		t.Fatalf("逗号分隔列表应被拆分: %v", cfg.API.AllowedOrigins)
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}

	cases := map[string]func(c *Config){
		"bad cron":         func(c *Config) { c.Ingestion.Cron = "every day" },
		"short max period": func(c *Config) { c.ENTSOE.MaxPeriod = time.Hour },
		"reserve >= budget": func(c *Config) {
			c.Ingestion.PostSuccessReserve = c.Ingestion.Budget
		},
		"chunk too large":    func(c *Config) { c.Notifications.ChunkSize = 501 },
		"fcm without creds":  func(c *Config) { c.FCM.ProjectID = "p" },
		"endpoint no apikey": func(c *Config) { c.Notifications.Endpoint = "http://x" },
		"lock conns exhausted": func(c *Config) {
			c.Database.DSN = "postgres://localhost/spotwatt"
			c.Database.MaxOpenConns = 4
			c.Notifications.Concurrency = 4
		},
	}
	for name, mutate := range cases {
		cfg := *base
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s 应校验失败", name)
		}
	}
}
