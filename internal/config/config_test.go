package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写配置文件失败: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("期望默认监听 :8080，实际 %s", cfg.Server.Address)
	}
	if cfg.Storage.AssetStore.Driver != "memory" || cfg.Storage.VaultCatalog.Driver != "memory" {
		t.Fatal("存储驱动默认应为 memory")
	}
	if cfg.Pipeline.RejectThreshold != 70 {
		t.Fatalf("期望默认拒绝阈值 70，实际 %d", cfg.Pipeline.RejectThreshold)
	}
	if cfg.Pipeline.HoldDuration() != 72*time.Hour {
		t.Fatalf("期望默认持有 72h，实际 %s", cfg.Pipeline.HoldDuration())
	}
	if cfg.Cashout.Quorum != 2 {
		t.Fatalf("期望默认法定人数 2，实际 %d", cfg.Cashout.Quorum)
	}
	if cfg.Vault.MasterKeyEnv != "CUSTODY_MASTER_KEY" {
		t.Fatalf("期望默认密钥环境变量，实际 %q", cfg.Vault.MasterKeyEnv)
	}
	if !filepath.IsAbs(cfg.Oracles.DefinitionsFile) {
		t.Fatalf("oracle 定义文件应解析为绝对路径: %s", cfg.Oracles.DefinitionsFile)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `{
        "server": {"address": ":9000"},
        "storage": {"asset_store": {"driver": "mysql", "dsn": "user:pass@tcp(localhost:3306)/custody"}},
        "queue": {"driver": "redis", "workers": 8},
        "pipeline": {"reject_threshold": 55, "hold_hours": 24},
        "cashout": {"quorum": 3, "daily_limit_usd": 50000}
    }`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("监听地址未覆盖: %s", cfg.Server.Address)
	}
	if cfg.Storage.AssetStore.Driver != "mysql" {
		t.Fatalf("存储驱动未覆盖: %s", cfg.Storage.AssetStore.Driver)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Workers != 8 {
		t.Fatalf("队列配置未覆盖: %+v", cfg.Queue)
	}
	if cfg.Pipeline.RejectThreshold != 55 || cfg.Pipeline.HoldHours != 24 {
		t.Fatalf("管线阈值未覆盖: %+v", cfg.Pipeline)
	}
	if cfg.Cashout.Quorum != 3 || cfg.Cashout.DailyLimitUSD != 50000 {
		t.Fatalf("提取限额未覆盖: %+v", cfg.Cashout)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应报错")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("不存在的文件应报错")
	}
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := writeConfig(t, `{"server": `)
	if _, err := Load(path); err == nil {
		t.Fatal("残缺 JSON 应报错")
	}
}
