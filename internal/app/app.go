package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/calsync/internal/auth"
	"github.com/hitoshi/calsync/internal/availability"
	"github.com/hitoshi/calsync/internal/config"
	"github.com/hitoshi/calsync/internal/connection"
	"github.com/hitoshi/calsync/internal/database"
	"github.com/hitoshi/calsync/internal/handler"
	"github.com/hitoshi/calsync/internal/logger"
	"github.com/hitoshi/calsync/internal/metrics"
	"github.com/hitoshi/calsync/internal/middleware"
	"github.com/hitoshi/calsync/internal/model"
	"github.com/hitoshi/calsync/internal/mutation"
	"github.com/hitoshi/calsync/internal/provider"
	"github.com/hitoshi/calsync/internal/provider/caldav"
	"github.com/hitoshi/calsync/internal/provider/google"
	"github.com/hitoshi/calsync/internal/provider/outlook"
	"github.com/hitoshi/calsync/internal/repository"
	"github.com/hitoshi/calsync/internal/security"
	"github.com/hitoshi/calsync/internal/token"
	"github.com/hitoshi/calsync/internal/worker/cleanup"
	"github.com/hitoshi/calsync/internal/worker/outbox"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
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
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// deps はserve/workerモードで共有する依存関係一式。
type deps struct {
	connRepo  *repository.PostgresConnectionRepo
	eventRepo *repository.PostgresEventRepo
	outbox    *repository.PostgresOutboxRepo
	adapters  *provider.Registry
	tokens    *token.Manager
	collector *metrics.Collector
	registry  *prometheus.Registry
}

// buildDeps はDB接続からリポジトリ・アダプタ・トークン管理までを組み立てる。
func buildDeps(cfg *config.Config, db *sql.DB) *deps {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	connRepo := repository.NewPostgresConnectionRepo(db)
	eventRepo := repository.NewPostgresEventRepo(db)
	outboxRepo := repository.NewPostgresOutboxRepo(db)

	log := slog.Default()

	adapters := provider.NewRegistry(
		google.New(log),
		outlook.New(log),
		caldav.New(log, model.ProviderApple),
		caldav.New(log, model.ProviderCalDAV),
	)

	tokens := token.NewManager(connRepo, tokenConfig(cfg), log, collector)

	return &deps{
		connRepo:  connRepo,
		eventRepo: eventRepo,
		outbox:    outboxRepo,
		adapters:  adapters,
		tokens:    tokens,
		collector: collector,
		registry:  reg,
	}
}

// tokenConfig はトークンライフサイクル管理の設定を組み立てる。
// リフレッシュはOAuthプロバイダーを経由せずトークンエンドポイントを
// 直接叩くため、クライアント資格情報をManagerにも渡す必要がある。
func tokenConfig(cfg *config.Config) token.Config {
	return token.Config{
		GoogleClientID:        cfg.GoogleClientID,
		GoogleClientSecret:    cfg.GoogleClientSecret,
		MicrosoftClientID:     cfg.MicrosoftClientID,
		MicrosoftClientSecret: cfg.MicrosoftClientSecret,
		MicrosoftTenant:       cfg.MicrosoftTenant,
		RefreshAhead:          cfg.TokenRefreshAhead,
	}
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")

	d := buildDeps(cfg, db)
	log := slog.Default()

	// 2. セキュリティサービスの初期化
	ssrfGuard := security.NewSSRFGuard()
	sanitizer := security.NewContentSanitizer()

	// 3. OAuthプロバイダーの初期化
	googleOAuth := auth.NewGoogleOAuthProvider(auth.GoogleOAuthConfig{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		RedirectURL:  cfg.GoogleRedirectURL,
	})
	microsoftOAuth := auth.NewMicrosoftOAuthProvider(auth.MicrosoftOAuthConfig{
		ClientID:     cfg.MicrosoftClientID,
		ClientSecret: cfg.MicrosoftClientSecret,
		RedirectURL:  cfg.MicrosoftRedirectURL,
		Tenant:       cfg.MicrosoftTenant,
	})

	// 4. ドメインサービスの初期化
	connService := connection.NewService(
		d.connRepo,
		[]auth.OAuthProvider{googleOAuth, microsoftOAuth},
		d.tokens, d.adapters, ssrfGuard, log,
	)

	availService := availability.NewService(
		d.connRepo, d.adapters, d.tokens, log, d.collector,
		cfg.FanoutMaxConcurrent, cfg.ProviderTimeout,
	)

	coordinator := mutation.NewCoordinator(
		d.connRepo, d.eventRepo, d.outbox, d.adapters, d.tokens,
		sanitizer, log, d.collector,
		cfg.FanoutMaxConcurrent, cfg.ProviderTimeout,
	)

	// 5. ルーターの構築
	rateLimiterCfg := middleware.DefaultRateLimiterConfig()
	// configのRateLimitGeneral/Mutationはreq/min単位なのでreq/secに変換する
	if cfg.RateLimitGeneral > 0 {
		rateLimiterCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
		rateLimiterCfg.GeneralBurst = cfg.RateLimitGeneral
	}
	if cfg.RateLimitMutation > 0 {
		rateLimiterCfg.MutationRate = rate.Limit(float64(cfg.RateLimitMutation) / 60.0)
		rateLimiterCfg.MutationBurst = cfg.RateLimitMutation
	}

	router := handler.NewRouter(&handler.RouterDeps{
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       middleware.NewRateLimiter(rateLimiterCfg),

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(d.registry),

		ConnectionService:   connService,
		AvailabilityService: availService,
		EventService:        coordinator,
	})

	// 6. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// アウトボックスの再試行ワーカーとトークン監視ループを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established (worker)")

	d := buildDeps(cfg, db)
	log := slog.Default()

	// 2. アウトボックスワーカーの初期化
	worker := outbox.NewWorker(
		d.outbox, d.eventRepo, d.connRepo, d.adapters, d.tokens,
		log, d.collector, cfg.ProviderTimeout,
	)

	// 3. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(db, log)

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	// 4. トークン監視ループをバックグラウンドで起動
	d.tokens.StartMonitor(ctx, cfg.TokenMonitorInterval)
	defer d.tokens.StopMonitor()

	// 5. クリーンアップジョブを日次でバックグラウンド実行
	go func() {
		// 起動直後に1回実行
		if err := cleanupJob.Run(ctx); err != nil {
			slog.Error("cleanup job failed", slog.String("error", err.Error()))
		}

		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := cleanupJob.Run(ctx); err != nil {
					slog.Error("cleanup job failed", slog.String("error", err.Error()))
				}
			}
		}
	}()

	// 6. Prometheusスクレイプ用エンドポイントを起動
	metricsServer := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: metrics.SetupMetricsRoute(d.registry),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()
	defer metricsServer.Close()

	slog.Info("worker starting",
		slog.Duration("outbox_interval", cfg.OutboxInterval),
		slog.Duration("monitor_interval", cfg.TokenMonitorInterval),
	)

	// アウトボックスワーカーをメインgoroutineで実行（ブロッキング）
	worker.Start(ctx, cfg.OutboxInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
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
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
