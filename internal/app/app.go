package app

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/audiodrm/internal/config"
	"github.com/hitoshi/audiodrm/internal/database"
	"github.com/hitoshi/audiodrm/internal/logger"
	"github.com/hitoshi/audiodrm/internal/metrics"
	"github.com/hitoshi/audiodrm/internal/model"
	"github.com/hitoshi/audiodrm/internal/protect"
	"github.com/hitoshi/audiodrm/internal/provision"
	"github.com/hitoshi/audiodrm/internal/repository"
)

// commandTimeout はブリッジがモジュールの応答を待つ上限。
const commandTimeout = 30 * time.Second

// Init はアプリケーションの初期化を行う。
// JSON構造化ログをセットアップしてから環境変数のConfigを読み込む。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

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

	var rest []string
	if len(args) > 0 && Command(args[0]) == cmd {
		rest = args[1:]
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("provision_source", cfg.ProvisionSource),
	)

	ctx := context.Background()
	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandProvision:
		return runProvision(ctx, cfg, rest)
	case CommandProtect:
		return runProtect(ctx, cfg, rest)
	default:
		return runServe(ctx, cfg)
	}
}

// openRepository はPROVISION_SOURCEに応じたリポジトリを開く。返したclose関数は必ず呼ぶこと。
func openRepository(ctx context.Context, cfg *config.Config) (repository.ProvisionRepository, func(), error) {
	if cfg.ProvisionSource == config.ProvisionSourcePostgres {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("database connection established")
		return repository.NewPostgresProvisionRepo(db), func() { db.Close() }, nil
	}
	return repository.NewFileProvisionRepo(cfg.ProvisionPath), func() {}, nil
}

func loadStore(ctx context.Context, cfg *config.Config) (*provision.Store, error) {
	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer closeRepo()

	store, err := provision.Load(ctx, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to load provisioning data: %w", err)
	}
	return store, nil
}

// runServe はモジュールとHTTPブリッジを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. プロビジョニングデータの読み込み
	store, err := loadStore(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("provisioning data loaded",
		slog.Int("users", len(store.Users())),
		slog.Int("regions", len(store.ProvisionedRegions())),
	)

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	mc := metrics.NewCollector(reg)

	// 3. モジュールの組み立て
	m, err := NewModule(cfg, store, newOutput(cfg), slog.Default(), mc)
	if err != nil {
		return err
	}

	// 4. ルーターの構築
	router, rl := newRouter(cfg, m.Client, slog.Default(), mc, reg)
	defer rl.Stop()

	// 5. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: commandTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Dispatcher.Start(ctx)
	}()

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("audio_backend", cfg.AudioBackend),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	cancel()
	<-done

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runProvision はプロビジョニング要求から鍵とユーザー表を生成して保存する。
// PINはログに出さない。
func runProvision(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	in := fs.String("in", "", "provisioning request (JSON)")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("invalid provision arguments: %w", err)
	}
	if *in == "" {
		return errors.New("provision requires -in")
	}

	f, err := os.Open(*in)
	if err != nil {
		return fmt.Errorf("failed to open provisioning request: %w", err)
	}
	defer f.Close()

	req, err := provision.ParseRequest(f)
	if err != nil {
		return err
	}
	secrets, err := provision.Generate(req, cfg.KDFIterations, rand.Reader)
	if err != nil {
		return err
	}

	repo, closeRepo, err := openRepository(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeRepo()

	if err := repo.Save(ctx, secrets); err != nil {
		return fmt.Errorf("failed to save provisioning data: %w", err)
	}

	slog.Info("provisioning completed",
		slog.Int("users", len(secrets.Users)),
		slog.Int("regions", len(secrets.Regions)),
	)
	return nil
}

// protectArgs はprotectサブコマンドの引数。
type protectArgs struct {
	in   string
	out  string
	opts protect.Options
}

func parseProtectArgs(args []string) (*protectArgs, error) {
	fs := flag.NewFlagSet("protect", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	in := fs.String("in", "", "input WAV file")
	out := fs.String("out", "", "output protected song file")
	owner := fs.String("owner", "", "owner user name")
	regions := fs.String("regions", "", "comma separated region ids")
	shared := fs.String("share", "", "comma separated user names")
	payload := fs.Int("payload", 0, "segment payload size in bytes (0 for one second)")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("invalid protect arguments: %w", err)
	}
	if *in == "" || *out == "" || *owner == "" {
		return nil, errors.New("protect requires -in, -out and -owner")
	}

	pa := &protectArgs{
		in:  *in,
		out: *out,
		opts: protect.Options{
			Owner:       *owner,
			PayloadSize: *payload,
		},
	}
	for _, s := range splitList(*regions) {
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid region id %q: %w", s, err)
		}
		pa.opts.Regions = append(pa.opts.Regions, model.RegionID(id))
	}
	pa.opts.Shared = splitList(*shared)
	return pa, nil
}

// runProtect はWAVファイルを保護済み楽曲に変換して書き出す。
func runProtect(ctx context.Context, cfg *config.Config, args []string) error {
	pa, err := parseProtectArgs(args)
	if err != nil {
		return err
	}

	store, err := loadStore(ctx, cfg)
	if err != nil {
		return err
	}

	wav, err := os.ReadFile(pa.in)
	if err != nil {
		return fmt.Errorf("failed to read WAV file: %w", err)
	}

	s, err := protect.Protect(store, wav, pa.opts)
	if err != nil {
		return fmt.Errorf("failed to protect song: %w", err)
	}

	f, err := os.Create(pa.out)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if _, err := s.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to write protected song: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write protected song: %w", err)
	}

	slog.Info("song protected",
		slog.String("out", pa.out),
		slog.String("owner", pa.opts.Owner),
		slog.Int("segments", s.Segments),
	)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
