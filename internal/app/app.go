package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/shelfstatus/internal/availability"
	"github.com/hitoshi/shelfstatus/internal/backend"
	"github.com/hitoshi/shelfstatus/internal/backend/legacy"
	"github.com/hitoshi/shelfstatus/internal/backend/overdrive"
	"github.com/hitoshi/shelfstatus/internal/backend/sierra"
	"github.com/hitoshi/shelfstatus/internal/cachestore"
	"github.com/hitoshi/shelfstatus/internal/config"
	"github.com/hitoshi/shelfstatus/internal/database"
	"github.com/hitoshi/shelfstatus/internal/handler"
	"github.com/hitoshi/shelfstatus/internal/holdings"
	"github.com/hitoshi/shelfstatus/internal/logger"
	"github.com/hitoshi/shelfstatus/internal/metrics"
	"github.com/hitoshi/shelfstatus/internal/middleware"
	"github.com/hitoshi/shelfstatus/internal/orchestrator"
	"github.com/hitoshi/shelfstatus/internal/patron"
	"github.com/hitoshi/shelfstatus/internal/repository"
	"github.com/hitoshi/shelfstatus/internal/searchindex"
	"github.com/hitoshi/shelfstatus/internal/status"
	"github.com/hitoshi/shelfstatus/internal/worker/cleanup"
	"github.com/hitoshi/shelfstatus/internal/worker/statussync"
)

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数の設定を読み込み、ログレベルを反映する。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		slog.Warn("LOG_LEVELが不正なためINFOで出力します", slog.String("error", err.Error()))
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("lending_enabled", cfg.LendingEnabled()),
		slog.Bool("legacy_enabled", cfg.LegacyEnabled()),
	)

	switch cmd {
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// core はserveとworkerで共有する依存関係。
type core struct {
	db       *sql.DB
	store    cachestore.Store
	registry *prometheus.Registry
	metrics  *metrics.Collector

	sierra    *sierra.Client
	legacy    backend.CatalogBackend // 未設定ならnil
	lending   *overdrive.Client      // 未設定ならnil
	bibs      searchindex.BibLookup
	locations *holdings.LocationDirectory
	pending   *repository.PostgresPendingChangeRepo
	holdings  *holdings.Aggregator

	closers []func()
}

func (c *core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// buildCore はDB・キャッシュストア・各バックエンドクライアント・所蔵集約を構成する。
func buildCore(ctx context.Context, cfg *config.Config) (*core, error) {
	c := &core{}

	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	c.db = db
	c.closers = append(c.closers, func() { db.Close() })

	if err := db.PingContext(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	slog.Info("database connection established")

	// 2. メトリクス
	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)

	// 3. キャッシュストア（REDIS_URL未設定ならプロセス内）
	if cfg.RedisURL != "" {
		rs, err := cachestore.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		c.store = rs
		c.closers = append(c.closers, func() { rs.Close() })
		slog.Info("shared cache store: redis", slog.String("redis_url", maskURL(cfg.RedisURL)))
	} else {
		memCfg := cachestore.DefaultMemoryConfig()
		memCfg.Capacity = cfg.CacheCapacity
		c.store = cachestore.NewMemoryStore(memCfg)
		slog.Info("shared cache store: in-process", slog.Int("capacity", cfg.CacheCapacity))
	}

	// 4. バックエンドクライアント
	c.sierra = sierra.NewClient(sierra.Config{
		BaseURL:      cfg.SierraBaseURL,
		ClientKey:    cfg.SierraClientKey,
		ClientSecret: cfg.SierraClientSecret,
		RatePerSec:   cfg.BackendRateLimit,
	}, &http.Client{Timeout: cfg.BackendTimeout}, c.metrics, slog.Default())

	if cfg.LegacyEnabled() {
		lc, err := legacy.NewClient(legacy.Config{
			BaseURL:    cfg.LegacyBaseURL,
			Scope:      cfg.LegacyScope,
			Timeout:    cfg.LegacyTimeout,
			RatePerSec: cfg.BackendRateLimit,
		}, c.metrics, slog.Default())
		if err != nil {
			c.Close()
			return nil, err
		}
		c.legacy = lc
	}

	if cfg.LendingEnabled() {
		c.lending = overdrive.NewClient(overdrive.Config{
			ClientKey:       cfg.OverDriveClientKey,
			ClientSecret:    cfg.OverDriveClientSecret,
			WebsiteID:       cfg.OverDriveWebsiteID,
			ILSName:         cfg.OverDriveILSName,
			CollectionToken: cfg.OverDriveCollectionToken,
			RatePerSec:      cfg.BackendRateLimit,
		}, &http.Client{Timeout: cfg.BackendTimeout}, c.metrics, slog.Default())
	}

	// 5. 書誌参照（SOLR_URL未設定なら全て索引外）
	if cfg.SolrURL != "" {
		solr := searchindex.NewSolrClient(cfg.SolrURL, &http.Client{Timeout: cfg.BackendTimeout}, c.metrics, slog.Default())
		c.bibs = searchindex.NewCached(solr, c.store, cfg.LocalCacheSize, c.metrics, slog.Default())
	} else {
		c.bibs = searchindex.Unindexed{}
		slog.Warn("SOLR_URLが未設定のため書誌情報は既定値で扱います")
	}

	// 6. 所蔵集約
	c.locations = holdings.NewLocationDirectory(c.sierra, c.store, cfg.LocalCacheSize, cfg.LocalCacheTTL,
		cfg.OnlineOnlyLocations, c.metrics, slog.Default())
	c.pending = repository.NewPostgresPendingChangeRepo(db)

	deps := holdings.Deps{
		Catalog:   c.sierra,
		Bibs:      c.bibs,
		Locations: c.locations,
		Pending:   c.pending,
		Store:     c.store,
		Metrics:   c.metrics,
		Logger:    slog.Default(),
	}
	if c.lending != nil {
		deps.Lending = c.lending
	}
	c.holdings = holdings.NewAggregator(deps)

	return c, nil
}

// healthCheckers は/healthで確認する依存先を返す。
func (c *core) healthCheckers() map[string]handler.HealthChecker {
	return map[string]handler.HealthChecker{
		"database": c.db,
		"cache":    handler.HealthCheckFunc(c.store.Ping),
	}
}

// runServe はAPIサーバーモードで起動する。
// 全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// 1. リポジトリの初期化
	userRepo := repository.NewPostgresUserRepo(c.db)
	prefRepo := repository.NewPostgresPreferenceRepo(c.db)
	cartRepo := repository.NewPostgresBookCartRepo(c.db)

	// 2. 利用者状態
	profiles := patron.NewProfileService(c.sierra, prefRepo, c.locations, slog.Default())
	managerDeps := patron.Deps{
		Catalog:    c.sierra,
		Bibs:       c.bibs,
		Store:      c.store,
		Profiles:   profiles,
		SessionTTL: cfg.SessionTTL,
		Metrics:    c.metrics,
		Logger:     slog.Default(),
	}
	if c.lending != nil {
		managerDeps.Lending = c.lending
	}
	manager := patron.NewManager(managerDeps)
	sessions := patron.NewSessions(c.sierra, userRepo, c.store, manager, cfg.SessionTTL, slog.Default())
	if c.lending != nil {
		sessions.ForgetOnLogout(c.lending)
	}

	// 3. 更新操作
	orchDeps := orchestrator.Deps{
		Catalog:  c.sierra,
		Legacy:   c.legacy,
		Patrons:  manager,
		Holdings: c.holdings,
		Cart:     cartRepo,
		Metrics:  c.metrics,
		Logger:   slog.Default(),
	}
	if c.lending != nil {
		orchDeps.Lending = c.lending
	}
	orch := orchestrator.New(orchDeps)

	// 4. 表示
	statusOpts := status.DefaultOptions()
	statusOpts.HoldsEnabled = cfg.HoldsEnabled
	statusOpts.LocationMode = status.Mode(cfg.LocationDisplayMode)
	statusOpts.CallNumberMode = status.Mode(cfg.CallNumberDisplayMode)
	avail := availability.NewService(c.holdings, manager, statusOpts, slog.Default())

	// 5. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	defer rateLimiter.Stop()

	if cfg.AdminToken == "" {
		slog.Warn("ADMIN_TOKENが未設定のため管理APIは全て拒否されます")
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:         slog.Default(),
		HealthCheckers: c.healthCheckers(),
		MetricsHandler: metrics.Handler(c.registry),
		SessionFinder:  sessions,
		RateLimiter:    rateLimiter,
		AdminToken:     cfg.AdminToken,
		Sessions:       sessions,
		SessionConfig: handler.SessionConfig{
			CookieSecure: cfg.CookieSecure,
			TTL:          cfg.SessionTTL,
		},
		Availability: avail,
		Patrons:      manager,
		Circulation:  orch,
		Refresher:    sessions,
		Holdings:     c.holdings,
	})

	// 6. HTTPサーバーの起動
	// 予約・貸出はバックエンドを複数回呼ぶため、書き込みタイムアウトはバックエンドより長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.BackendTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 目録APIの更新資料を取り込む同期ジョブと、処理済み差分のクリーンアップジョブを実行する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := buildCore(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	if cfg.RedisURL == "" {
		slog.Warn("REDIS_URLが未設定のため、再読込フラグはAPIサーバーと共有されません。差分はDB経由で適用されます")
	}

	syncRepo := repository.NewPostgresSyncStateRepo(c.db)

	syncConfig := statussync.DefaultConfig()
	syncConfig.Interval = cfg.StatusSyncInterval
	syncJob := statussync.NewJob(c.sierra, c.pending, syncRepo, c.holdings, c.metrics, slog.Default(), syncConfig)

	cleanupJob := cleanup.NewCleanupJob(c.pending, slog.Default())
	cleanupJob.RetentionDays = cfg.PendingRetentionDays

	slog.Info("worker starting",
		slog.Duration("status_sync_interval", syncConfig.Interval),
		slog.Int("pending_retention_days", cleanupJob.RetentionDays),
	)

	// クリーンアップジョブを日次でバックグラウンド実行
	go cleanupJob.Start(ctx, 24*time.Hour)

	// 同期ジョブをメインgoroutineで実行（ブロッキング）
	syncJob.Start(ctx)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskURL は接続URLの認証情報をマスクする。解析できない場合は全体を伏せる。
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.Redacted()
}
