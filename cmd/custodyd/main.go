package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"custody-pipeline/internal/api"
	"custody-pipeline/internal/approval"
	"custody-pipeline/internal/asset"
	"custody-pipeline/internal/auth"
	"custody-pipeline/internal/config"
	"custody-pipeline/internal/observability/alerting"
	"custody-pipeline/internal/oracle"
	"custody-pipeline/internal/oracle/ethereum"
	"custody-pipeline/internal/pipeline"
	"custody-pipeline/internal/storage/mysql"
	"custody-pipeline/internal/vault"
	"custody-pipeline/pkg/logger"
	"custody-pipeline/pkg/plugin"
)

// main 是 custody 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("custodyd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("CUSTODY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "custody.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}

	if cfg.Runtime.DataDir != "" {
		if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
			return err
		}
	}

	master, err := vault.LoadMasterKey(cfg.Vault.MasterKeyEnv, cfg.Vault.MasterKeyFile)
	if err != nil {
		return err
	}

	store, err := newAssetStore(cfg.Storage.AssetStore)
	if err != nil {
		return err
	}
	defer store.Close()

	// 插件清单存在时，为 audit_sink 插件开一条阶段事件流。
	var auditEvents chan plugin.AuditEvent
	if cfg.Plugins.ConfigFile != "" {
		auditEvents = make(chan plugin.AuditEvent, 256)
		store = asset.NewObservedStore(store, func(r *asset.Record) {
			select {
			case auditEvents <- plugin.AuditEvent{AssetID: r.ID, Stage: string(r.Stage), At: time.Now().Unix()}:
			default:
				// 慢速插件不允许拖住管线，事件可丢。
			}
		})
	}

	catalog, err := newVaultCatalog(cfg.Storage.VaultCatalog)
	if err != nil {
		return err
	}
	assetVault, err := vault.New(master, catalog)
	if err != nil {
		return err
	}

	approvals, err := newApprovalStore(cfg.Storage.ApprovalStore)
	if err != nil {
		return err
	}
	defer approvals.Close()

	ledger, err := newCashoutLedger(cfg.Storage.CashoutLedger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	queue, err := newQueue(cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭资产队列失败: %v", err)
		}
	}()

	defs, err := oracle.LoadEndpointDefinitions(cfg.Oracles.DefinitionsFile)
	if err != nil {
		return err
	}
	threat, err := buildThreatOracle(defs, cfg.Pipeline.OracleTimeout())
	if err != nil {
		return err
	}
	values, closeOracles, err := buildValueRouter(ctx, defs, cfg.Pipeline.OracleTimeout())
	if err != nil {
		return err
	}
	defer closeOracles()
	gateway, err := buildTransferGateway(defs, cfg.Pipeline.OracleTimeout())
	if err != nil {
		return err
	}

	scanner := pipeline.NewRiskScanner(store, threat, pipeline.ScanConfig{
		RejectThreshold:   cfg.Pipeline.RejectThreshold,
		LocalSignalWeight: cfg.Pipeline.LocalSignalWeight,
		MaxAttempts:       cfg.Pipeline.MaxRetries,
		OracleTimeout:     cfg.Pipeline.OracleTimeout(),
		PurgeRetention:    cfg.Pipeline.PurgeRetention(),
	})
	verifier := pipeline.NewVerifier(store, values, pipeline.VerifyConfig{
		ConfidenceFloor: cfg.Pipeline.ConfidenceFloor,
		MaxAttempts:     cfg.Pipeline.MaxRetries,
		OracleTimeout:   cfg.Pipeline.OracleTimeout(),
	})
	holding := pipeline.NewHoldingVault(store, values, queue, pipeline.HoldConfig{
		Duration:         cfg.Pipeline.HoldDuration(),
		CheckInterval:    cfg.Pipeline.CheckInterval(),
		AnomalyTolerance: cfg.Pipeline.AnomalyTolerance,
		OracleTimeout:    cfg.Pipeline.OracleTimeout(),
	})
	sealer := pipeline.NewSealer(store, assetVault)
	cashout := pipeline.NewCashoutController(store, approvals, ledger, assetVault, gateway, pipeline.CashoutConfig{
		Quorum:              cfg.Cashout.Quorum,
		PerTransferLimitUSD: cfg.Cashout.PerTransferLimitUSD,
		DailyLimitUSD:       cfg.Cashout.DailyLimitUSD,
		MaxAttempts:         cfg.Cashout.GatewayMaxAttempts,
	})

	var notifiers []alerting.Notifier
	if slack := alerting.NewSlackWebhookNotifier(os.Getenv("CUSTODY_SLACK_WEBHOOK"), os.Getenv("CUSTODY_SLACK_CHANNEL")); slack != nil {
		notifiers = append(notifiers, slack)
	}
	alerter := alerting.NewFanout(notifiers...)

	service := pipeline.NewService(store, queue, approvals, cfg.Pipeline.MaxRetries,
		pipeline.WithMaxPayloadBytes(cfg.Pipeline.MaxPayloadBytes),
	)
	processor := pipeline.NewProcessor(store, queue, queue, scanner, verifier, holding, sealer,
		pipeline.WithWorkerCount(cfg.Queue.Workers),
		pipeline.WithAlertDispatcher(alerter),
	)

	authSvc, err := buildAuthService(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	// 启动前补投递：上次停机时滞留在中间阶段的资产重新入队。
	if err := processor.Recover(ctx); err != nil {
		return err
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	go func() {
		if err := processor.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("资产处理器异常退出: %v", err)
		}
	}()
	go holding.RunMonitor(workerCtx)
	go runPurgeLoop(workerCtx, store)

	if cfg.Plugins.ConfigFile != "" {
		plugins, err := buildPluginManager(cfg.Plugins.ConfigFile, service, auditEvents)
		if err != nil {
			return err
		}
		if err := plugins.StartAll(workerCtx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := plugins.StopAll(stopCtx); err != nil {
				log.Printf("停止插件失败: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, service, cashout, holding, authSvc)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newAssetStore(cfg config.DriverConfig) (asset.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return asset.NewMemoryStore(), nil
	case "mysql":
		return asset.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的资产存储驱动: %s", cfg.Driver)
	}
}

func newVaultCatalog(cfg config.DriverConfig) (vault.Catalog, error) {
	switch cfg.Driver {
	case "", "memory":
		return vault.NewMemoryCatalog(), nil
	case "mysql":
		return vault.NewMySQLCatalog(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的封存目录驱动: %s", cfg.Driver)
	}
}

func newApprovalStore(cfg config.DriverConfig) (approval.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return approval.NewMemoryStore(), nil
	case "mysql":
		return approval.NewMySQLStore(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的审批存储驱动: %s", cfg.Driver)
	}
}

func newCashoutLedger(cfg config.DriverConfig) (pipeline.CashoutLedger, error) {
	switch cfg.Driver {
	case "", "memory":
		return pipeline.NewMemoryLedger(), nil
	case "mysql":
		return pipeline.NewMySQLLedger(cfg.DSN)
	default:
		return nil, fmt.Errorf("未知的提取台账驱动: %s", cfg.Driver)
	}
}

// assetQueue 聚合生产者与消费者两个角色，由同一个队列实现承担。
type assetQueue interface {
	asset.Producer
	asset.Consumer
}

func newQueue(cfg config.QueueConfig) (assetQueue, error) {
	switch cfg.Driver {
	case "", "memory":
		return asset.NewMemoryQueue(cfg.Capacity), nil
	case "redis":
		return asset.NewRedisQueue(asset.RedisQueueConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Queue:    cfg.Redis.Key,
		})
	case "rabbitmq":
		return asset.NewRabbitMQQueue(asset.RabbitMQConfig{
			URL:     cfg.RabbitMQ.URL,
			Queue:   cfg.RabbitMQ.Queue,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func buildThreatOracle(defs oracle.EndpointDefinitions, timeout time.Duration) (oracle.ThreatOracle, error) {
	for name, def := range defs.ByType("threat") {
		return oracle.NewHTTPThreatOracle(oracle.HTTPClientConfig{
			Name:    name,
			URL:     def.URL,
			APIKey:  def.APIKey,
			Timeout: timeout,
		})
	}
	return nil, errors.New("必须配置至少一个 threat 类型的检测服务")
}

// buildValueRouter 按资产类型装配估价服务。wallet 类型走以太坊链上余额，
// 其余类型使用定义中列出的 HTTP 估价端点。
func buildValueRouter(ctx context.Context, defs oracle.EndpointDefinitions, timeout time.Duration) (*oracle.ValueRouter, func(), error) {
	byKind := make(map[asset.Kind]oracle.ValueOracle)
	var fallback oracle.ValueOracle
	var closers []func()
	closeAll := func() {
		for _, closer := range closers {
			closer()
		}
	}

	for name, def := range defs.ByType("value") {
		client, err := oracle.NewHTTPValueOracle(oracle.HTTPClientConfig{
			Name:    name,
			URL:     def.URL,
			APIKey:  def.APIKey,
			Timeout: timeout,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if len(def.Kinds) == 0 {
			fallback = client
			continue
		}
		for _, kind := range def.Kinds {
			byKind[asset.Kind(strings.TrimSpace(kind))] = client
		}
	}

	for name, def := range defs.ByType("wallet") {
		wallet, err := ethereum.NewWalletOracle(ctx, ethereum.Config{
			Name:   name,
			RPCURL: def.URL,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, wallet.Close)
		byKind[asset.KindWallet] = wallet
	}

	if len(byKind) == 0 && fallback == nil {
		closeAll()
		return nil, nil, errors.New("必须配置至少一个估价服务")
	}
	return oracle.NewValueRouter(byKind, fallback), closeAll, nil
}

func buildTransferGateway(defs oracle.EndpointDefinitions, timeout time.Duration) (oracle.TransferGateway, error) {
	for name, def := range defs.ByType("gateway") {
		return oracle.NewHTTPTransferGateway(oracle.HTTPClientConfig{
			Name:    name,
			URL:     def.URL,
			APIKey:  def.APIKey,
			Timeout: timeout,
		})
	}
	return nil, errors.New("必须配置一个 gateway 类型的转账服务")
}

func buildAuthService(ctx context.Context, cfg config.AuthConfig) (*auth.Service, error) {
	mode := auth.Mode(strings.ToLower(strings.TrimSpace(cfg.Mode)))
	if mode == "" || mode == auth.ModeDisabled {
		return auth.NewService(ctx, auth.Config{Mode: auth.ModeDisabled}, nil)
	}

	secret := cfg.JWT.Secret
	if secret == "" && cfg.JWT.SecretEnv != "" {
		secret = os.Getenv(cfg.JWT.SecretEnv)
	}

	seeds := make([]auth.Seed, 0, len(cfg.Seeds))
	for _, seed := range cfg.Seeds {
		password := seed.Password
		if password == "" && seed.PasswordEnv != "" {
			password = os.Getenv(seed.PasswordEnv)
		}
		seeds = append(seeds, auth.Seed{
			Operator:    seed.Operator,
			Password:    password,
			Roles:       seed.Roles,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		})
	}

	var store auth.Store
	switch cfg.Store.Driver {
	case "", "memory":
		memStore, err := auth.NewMemoryStore(nil)
		if err != nil {
			return nil, err
		}
		store = memStore
	case "mysql":
		sqlStore, err := mysql.NewSQLOperatorStore(ctx, mysql.Config{DSN: cfg.Store.DSN})
		if err != nil {
			return nil, err
		}
		store = sqlStore
	default:
		return nil, fmt.Errorf("不支持的操作员存储驱动: %s", cfg.Store.Driver)
	}
	return auth.NewService(ctx, auth.Config{
		Mode: mode,
		JWT: auth.JWTOptions{
			Secret:     secret,
			Issuer:     cfg.JWT.Issuer,
			AccessTTL:  cfg.JWT.AccessTTL,
			RefreshTTL: cfg.JWT.RefreshTTL,
		},
		Seeds: seeds,
	}, store)
}

// pluginIntake 把插件提交的资产接入常规入库路径。
type pluginIntake struct {
	service *pipeline.Service
}

func (p pluginIntake) SubmitAsset(ctx context.Context, kind string, payload []byte, sourceTag string) (string, error) {
	record, err := p.service.Submit(ctx, pipeline.SubmitRequest{
		Kind:      asset.Kind(kind),
		Payload:   payload,
		SourceTag: sourceTag,
	})
	if err != nil {
		return "", err
	}
	return record.ID, nil
}

func buildPluginManager(configFile string, service *pipeline.Service, auditEvents chan plugin.AuditEvent) (*plugin.Manager, error) {
	managerCfg, err := plugin.LoadManagerConfig(configFile)
	if err != nil {
		return nil, err
	}
	opts := []plugin.Option{
		plugin.WithResource(plugin.ResourceIntake, plugin.Intake(pluginIntake{service: service})),
	}
	if auditEvents != nil {
		opts = append(opts, plugin.WithResource(plugin.ResourceAudit, (<-chan plugin.AuditEvent)(auditEvents)))
	}
	return plugin.NewManager(managerCfg, opts...)
}

// runPurgeLoop 周期性清除终态记录中保留期已过的明文负载。
func runPurgeLoop(ctx context.Context, store asset.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			purged, err := store.PurgeExpiredPayloads(ctx, now.Unix())
			if err != nil {
				log.Printf("清除过期负载失败: %v", err)
				continue
			}
			if purged > 0 {
				log.Printf("已清除 %d 条过期负载", purged)
			}
		}
	}
}
