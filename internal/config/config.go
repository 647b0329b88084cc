package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了托管管线在启动阶段需要加载的核心配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Queue    QueueConfig    `json:"queue"`
	Pipeline PipelineConfig `json:"pipeline"`
	Vault    VaultConfig    `json:"vault"`
	Cashout  CashoutConfig  `json:"cashout"`
	Oracles  OraclesConfig  `json:"oracles"`
	Auth     AuthConfig     `json:"auth"`
	Plugins  PluginsConfig  `json:"plugins"`
	Logging  LoggingConfig  `json:"logging"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 统一描述各后端存储的连接信息。
type StorageConfig struct {
	AssetStore    DriverConfig `json:"asset_store"`
	VaultCatalog  DriverConfig `json:"vault_catalog"`
	ApprovalStore DriverConfig `json:"approval_store"`
	CashoutLedger DriverConfig `json:"cashout_ledger"`
}

// DriverConfig 选择存储驱动：memory 或 mysql。
type DriverConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// QueueConfig 选择阶段队列实现：memory、redis 或 rabbitmq。
type QueueConfig struct {
	Driver   string `json:"driver"`
	Capacity int    `json:"capacity"`
	Workers  int    `json:"workers"`
	Redis    struct {
		Addr     string `json:"addr"`
		Password string `json:"password"`
		DB       int    `json:"db"`
		Key      string `json:"key"`
	} `json:"redis"`
	RabbitMQ struct {
		URL   string `json:"url"`
		Queue string `json:"queue"`
	} `json:"rabbitmq"`
}

// PipelineConfig 汇总各阶段的风控阈值。
type PipelineConfig struct {
	RejectThreshold   int     `json:"reject_threshold"`
	LocalSignalWeight int     `json:"local_signal_weight"`
	ConfidenceFloor   float64 `json:"confidence_floor"`
	HoldHours         int     `json:"hold_hours"`
	CheckMinutes      int     `json:"check_minutes"`
	AnomalyTolerance  float64 `json:"anomaly_tolerance"`
	MaxRetries        int     `json:"max_retries"`
	OracleTimeoutSecs int     `json:"oracle_timeout_secs"`
	PurgeRetentionHrs int     `json:"purge_retention_hrs"`
	MaxPayloadBytes   int     `json:"max_payload_bytes"`
}

// VaultConfig 指定根密钥来源，二者至少配置其一，密钥本身绝不落盘到配置。
type VaultConfig struct {
	MasterKeyEnv  string `json:"master_key_env"`
	MasterKeyFile string `json:"master_key_file"`
}

// CashoutConfig 汇总提取阶段的风控限额。
type CashoutConfig struct {
	Quorum              int     `json:"quorum"`
	PerTransferLimitUSD float64 `json:"per_transfer_limit_usd"`
	DailyLimitUSD       float64 `json:"daily_limit_usd"`
	GatewayMaxAttempts  int     `json:"gateway_max_attempts"`
}

// OraclesConfig 指向 oracle 端点定义文件。
type OraclesConfig struct {
	DefinitionsFile string `json:"definitions_file"`
}

// LoggingConfig 映射到 pkg/logger 的初始化参数。
type LoggingConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// AuthConfig 控制操作员认证。mode 为 disabled 时所有端点匿名可用，
// 仅适合本地开发。
type AuthConfig struct {
	Mode  string       `json:"mode"`
	Store DriverConfig `json:"store"`
	JWT   struct {
		Secret     string `json:"secret"`
		SecretEnv  string `json:"secret_env"`
		Issuer     string `json:"issuer"`
		AccessTTL  int64  `json:"access_ttl_secs"`
		RefreshTTL int64  `json:"refresh_ttl_secs"`
	} `json:"jwt"`
	Seeds []AuthSeed `json:"seeds"`
}

// AuthSeed 描述启动时引导的操作员账户。
type AuthSeed struct {
	Operator    string   `json:"operator"`
	Password    string   `json:"password"`
	PasswordEnv string   `json:"password_env"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// PluginsConfig 指定插件清单文件。为空时不加载任何插件。
type PluginsConfig struct {
	ConfigFile string `json:"config_file"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// HoldDuration 返回持有时长。
func (c PipelineConfig) HoldDuration() time.Duration {
	return time.Duration(c.HoldHours) * time.Hour
}

// CheckInterval 返回持有期复查间隔。
func (c PipelineConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckMinutes) * time.Minute
}

// OracleTimeout 返回外部服务调用超时。
func (c PipelineConfig) OracleTimeout() time.Duration {
	return time.Duration(c.OracleTimeoutSecs) * time.Second
}

// PurgeRetention 返回终态负载的保留时长。
func (c PipelineConfig) PurgeRetention() time.Duration {
	return time.Duration(c.PurgeRetentionHrs) * time.Hour
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	for _, store := range []*DriverConfig{
		&c.Storage.AssetStore,
		&c.Storage.VaultCatalog,
		&c.Storage.ApprovalStore,
		&c.Storage.CashoutLedger,
	} {
		if store.Driver == "" {
			store.Driver = "memory"
		}
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 1024
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}

	if c.Pipeline.RejectThreshold <= 0 || c.Pipeline.RejectThreshold > 100 {
		c.Pipeline.RejectThreshold = 70
	}
	if c.Pipeline.ConfidenceFloor <= 0 || c.Pipeline.ConfidenceFloor > 1 {
		c.Pipeline.ConfidenceFloor = 0.6
	}
	if c.Pipeline.HoldHours <= 0 {
		c.Pipeline.HoldHours = 72
	}
	if c.Pipeline.CheckMinutes <= 0 {
		c.Pipeline.CheckMinutes = 60
	}
	if c.Pipeline.AnomalyTolerance <= 0 {
		c.Pipeline.AnomalyTolerance = 0.2
	}
	if c.Pipeline.MaxRetries <= 0 {
		c.Pipeline.MaxRetries = 3
	}
	if c.Pipeline.OracleTimeoutSecs <= 0 {
		c.Pipeline.OracleTimeoutSecs = 10
	}
	if c.Pipeline.PurgeRetentionHrs <= 0 {
		c.Pipeline.PurgeRetentionHrs = 7 * 24
	}
	if c.Pipeline.MaxPayloadBytes <= 0 {
		c.Pipeline.MaxPayloadBytes = 1 << 20
	}

	if c.Vault.MasterKeyEnv == "" && c.Vault.MasterKeyFile == "" {
		c.Vault.MasterKeyEnv = "CUSTODY_MASTER_KEY"
	}

	if c.Cashout.Quorum < 2 {
		c.Cashout.Quorum = 2
	}
	if c.Cashout.GatewayMaxAttempts <= 0 {
		c.Cashout.GatewayMaxAttempts = 3
	}

	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.Auth.Store.Driver == "" {
		c.Auth.Store.Driver = "memory"
	}
	if c.Auth.JWT.AccessTTL <= 0 {
		c.Auth.JWT.AccessTTL = 3600
	}
	if c.Auth.JWT.RefreshTTL <= 0 {
		c.Auth.JWT.RefreshTTL = 86400
	}

	if c.Oracles.DefinitionsFile == "" {
		c.Oracles.DefinitionsFile = filepath.Join(baseDir, "oracles.yaml")
	} else if !filepath.IsAbs(c.Oracles.DefinitionsFile) {
		c.Oracles.DefinitionsFile = filepath.Join(baseDir, c.Oracles.DefinitionsFile)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}
