// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"remote-signing-service/config"
	"remote-signing-service/internal/domain"
	"remote-signing-service/internal/handler"
	"remote-signing-service/internal/infra"
	"remote-signing-service/internal/repository"
	"remote-signing-service/internal/usecase"
)

const (
	// 1回の回収で処理する確保済みのまま残った鍵の上限
	staleKeyBatchSize = 100
	shutdownTimeout   = 30 * time.Second
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// トレーサー・メーター初期化（ロガー設定とメトリクス計器生成の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}
	mp, err := infra.InitMeter(ctx, cfg)
	if err != nil {
		slog.Error("failed to init meter", "error", err)
		os.Exit(1)
	}
	if mp != nil {
		defer func() {
			if err := mp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown meter", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg)

	if err := run(ctx, cfg); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	profiles, err := config.LoadProfiles(cfg.ProfilesFile)
	if err != nil {
		return err
	}
	partitions := profiles.CryptoPartitions()

	// DB初期化
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}

	// KMSクライアント初期化
	kmsClient, err := infra.NewKMSClient(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := kmsClient.Close(); closeErr != nil {
			slog.Error("failed to close KMS client", "error", closeErr)
		}
	}()

	// 認証局
	if cfg.CAKeyFile == "" || cfg.CACertFile == "" {
		return fmt.Errorf("CA_KEY_FILE and CA_CERT_FILE must be set")
	}
	ca, err := infra.NewLocalCA(cfg.CAKeyFile, cfg.CACertFile, cfg.CAValidity)
	if err != nil {
		return fmt.Errorf("initializing CA: %w", err)
	}

	var userInfo usecase.UserInfoClient
	if cfg.UserInfoURL != "" {
		userInfo = infra.NewUserInfoClient(cfg.UserInfoURL, cfg.UserInfoTimeout)
	}

	// 署名ワーカー
	signer := infra.NewKMSHashSigner(kmsClient, partitions)
	var workers []usecase.SigningWorker
	for _, w := range profiles.SigningWorkers() {
		for _, algo := range w.SignatureAlgorithms {
			if !infra.SupportedSignAlgorithm(algo) {
				return fmt.Errorf("worker %s: unsupported signature algorithm %s", w.Name, algo)
			}
		}
		workers = append(workers, usecase.SigningWorker{Worker: w, Backend: signer})
	}

	// DI
	tx := repository.NewTransactor(db)
	locks := usecase.NewLockRegistry()
	keyRepo := repository.NewKeyRepository(db)
	oneTimeKeys := usecase.NewKeyService(domain.KeyUsageOneTime, keyRepo, tx, kmsClient, locks, partitions)
	sessionKeys := usecase.NewKeyService(domain.KeyUsageSession, keyRepo, tx, kmsClient, locks, partitions)

	factory := usecase.NewCredentialFactory(kmsClient, ca, userInfo, profiles.QualifierProfiles(), partitions)
	credentials := usecase.NewCredentialService(repository.NewCredentialRepository(db), kmsClient, factory, partitions)
	sessions := usecase.NewSessionService(
		repository.NewSessionRepository(db),
		repository.NewSessionCredentialRepository(db),
		sessionKeys,
		tx,
	)

	oneTime := usecase.NewOneTimeTokenProvider(oneTimeKeys, factory)
	signatures := usecase.NewSignatureService(usecase.NewWorkerSelector(workers...), usecase.TokenProviders{
		domain.SignatureTypeLongTerm: usecase.NewLongTermTokenProvider(credentials),
		domain.SignatureTypeOneTime:  oneTime,
		domain.SignatureTypeSession:  usecase.NewSessionTokenProvider(sessions, sessionKeys, factory, tx, locks),
	})
	replenisher := usecase.NewPoolReplenisher(partitions, oneTimeKeys, sessionKeys)

	router := handler.NewRouter(handler.Handlers{
		Signature:  handler.NewSignatureHandler(signatures),
		Credential: handler.NewCredentialHandler(credentials),
		Admin:      handler.NewAdminHandler(replenisher, sessions, cfg.SessionRetention, ca, oneTimeKeys, sessionKeys),
	}, cfg)

	// 定期処理
	scheduler := usecase.NewScheduler(
		usecase.ScheduledTask{
			Name:     "replenish_key_pools",
			Interval: cfg.ReplenishInterval,
			Run: func(ctx context.Context) {
				for _, res := range replenisher.Replenish(ctx) {
					if res.Err != nil {
						slog.ErrorContext(ctx, "failed to replenish key pool",
							"partition", res.Partition,
							"algorithm", res.Algorithm,
							"usage", res.Usage,
							"generated", res.Generated,
							"error", res.Err,
						)
					}
				}
			},
		},
		usecase.ScheduledTask{
			Name:     "cleanup_expired_sessions",
			Interval: cfg.SessionCleanupInterval,
			Run: func(ctx context.Context) {
				cleaned, failed, err := sessions.CleanupExpiredSessions(ctx, cfg.SessionRetention)
				if err != nil {
					slog.ErrorContext(ctx, "failed to cleanup expired sessions", "error", err)
					return
				}
				if cleaned > 0 || failed > 0 {
					slog.InfoContext(ctx, "expired sessions cleaned", "cleaned", cleaned, "failed", failed)
				}
			},
		},
		usecase.ScheduledTask{
			Name:     "cleanup_stale_one_time_keys",
			Interval: cfg.StaleKeyCleanupInterval,
			Run: func(ctx context.Context) {
				deleted, failed, err := oneTimeKeys.CleanupStaleKeys(ctx, cfg.StaleKeyMaxAge, staleKeyBatchSize)
				if err != nil {
					slog.ErrorContext(ctx, "failed to cleanup stale keys", "error", err)
					return
				}
				if deleted > 0 || failed > 0 {
					slog.InfoContext(ctx, "stale one-time keys cleaned", "deleted", deleted, "failed", failed)
				}
			},
		},
	)
	schedCtx, stopScheduler := context.WithCancel(ctx)
	var schedWG sync.WaitGroup
	schedWG.Add(1)
	go func() {
		defer schedWG.Done()
		scheduler.Run(schedCtx)
	}()

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		stopScheduler()
		schedWG.Wait()
		return fmt.Errorf("listening on %s: %w", server.Addr, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	slog.Info("starting server", "port", cfg.Port, "partitions", len(partitions), "workers", len(workers))
	serveErr := serve(server, ln, sigCh, shutdownTimeout)

	stopScheduler()
	schedWG.Wait()
	if serveErr != nil {
		// ハンドラが残っている可能性があるため待たない。残った鍵は次回起動後の回収処理で削除される
		return serveErr
	}

	// 使い捨て鍵の非同期削除の完了を待つ
	waitCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := oneTime.Wait(waitCtx); err != nil {
		slog.Error("one-time key deletions did not finish", "error", err)
	}
	return nil
}

// serve はstopを受けるまでリクエストを処理し、処理中のハンドラが終わってから返る。
// 使い捨て鍵の後始末はハンドラ内で登録されるため、返った後に待てば取りこぼさない。
func serve(server *http.Server, ln net.Listener, stop <-chan os.Signal, timeout time.Duration) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-stop:
	}

	slog.Info("shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	shutdownErr := server.Shutdown(ctx)
	if err := <-serveErr; err != http.ErrServerClosed {
		return err
	}
	if shutdownErr != nil {
		return fmt.Errorf("server shutdown: %w", shutdownErr)
	}
	return nil
}
