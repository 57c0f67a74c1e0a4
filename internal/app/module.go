package app

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/audiodrm/internal/accel"
	"github.com/hitoshi/audiodrm/internal/audio"
	"github.com/hitoshi/audiodrm/internal/audio/otosink"
	"github.com/hitoshi/audiodrm/internal/auth"
	"github.com/hitoshi/audiodrm/internal/channel"
	"github.com/hitoshi/audiodrm/internal/config"
	"github.com/hitoshi/audiodrm/internal/dispatch"
	"github.com/hitoshi/audiodrm/internal/handler"
	"github.com/hitoshi/audiodrm/internal/host"
	"github.com/hitoshi/audiodrm/internal/metrics"
	"github.com/hitoshi/audiodrm/internal/middleware"
	"github.com/hitoshi/audiodrm/internal/player"
	"github.com/hitoshi/audiodrm/internal/provision"
	"github.com/hitoshi/audiodrm/internal/share"
	"github.com/hitoshi/audiodrm/internal/song"
	"github.com/hitoshi/audiodrm/internal/verify"
)

// Module はモジュール側のディスパッチャと、同じ共有チャネルにつながるホスト側クライアントをまとめたもの。
type Module struct {
	Buffer     *channel.Buffer
	Dispatcher *dispatch.Dispatcher
	Client     *host.Client
}

// NewModule はプロビジョニングストアから全コンポーネントを組み立てる。
func NewModule(cfg *config.Config, store *provision.Store, out audio.Output, logger *slog.Logger, mc metrics.MetricsCollector) (*Module, error) {
	// 1. 共有チャネル
	buf, err := channel.NewBuffer(cfg.ChannelSize)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate command channel: %w", err)
	}
	bell := channel.NewDoorbell()

	// 2. 検証と復号
	cipher, err := accel.NewAES(store.SongKey())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize accelerator: %w", err)
	}
	tamper := func(reason string) {
		logger.Error("改ざんを検知しました", slog.String("reason", reason))
	}
	validator := verify.NewValidator(store, tamper, logger, mc)
	loader := verify.NewSegmentLoader(store, tamper, logger, mc)

	// 3. ドメインサービス
	authService := auth.NewService(store, auth.ServiceConfig{
		Iterations: cfg.KDFIterations,
		LoginRate:  rate.Limit(float64(cfg.LoginRatePerMin) / 60.0),
		LoginBurst: cfg.LoginBurst,
	}, logger, mc)
	p := player.NewPlayer(validator, loader, cipher, out, player.Config{SeekSeconds: cfg.SeekSeconds}, logger, mc)
	shareService := share.NewService(validator, store, logger)

	// 4. ディスパッチャとホスト側クライアント
	d := dispatch.NewDispatcher(buf, bell, authService, validator, p, shareService, store, logger, mc)
	client := host.NewClient(buf, bell, cfg.HostPollInterval, logger)

	return &Module{Buffer: buf, Dispatcher: d, Client: client}, nil
}

// newOutput はAUDIO_BACKENDに応じた音声出力を返す。
func newOutput(cfg *config.Config) audio.Output {
	if cfg.AudioBackend == config.AudioBackendOto {
		return otosink.New()
	}
	return audio.Discard{}
}

// maxSongSize は共有チャネルに載せられる楽曲ファイルの上限。
func maxSongSize(channelSize int) int64 {
	return int64(channelSize - channel.SongDataOffset + song.HeaderSize)
}

// newRouter はHTTPブリッジのルーターを構築する。返したRateLimiterは終了時にStopすること。
func newRouter(cfg *config.Config, client handler.ModuleClient, logger *slog.Logger, mc metrics.MetricsCollector, gatherer prometheus.Gatherer) (http.Handler, *middleware.RateLimiter) {
	rlCfg := middleware.DefaultRateLimiterConfig()
	// configのLOGIN_RATE_PER_MINはreq/min単位なのでreq/secに変換する
	rlCfg.LoginRate = rate.Limit(float64(cfg.LoginRatePerMin) / 60.0)
	rlCfg.LoginBurst = cfg.LoginBurst
	rl := middleware.NewRateLimiter(rlCfg, logger)

	router := handler.NewRouter(&handler.RouterDeps{
		Module: handler.NewModuleHandler(client, handler.ModuleHandlerConfig{
			CommandTimeout: commandTimeout,
			MaxSongSize:    maxSongSize(cfg.ChannelSize),
		}, logger),
		RateLimiter:    rl,
		Logging:        middleware.NewLoggingMiddleware(logger, mc),
		Recovery:       middleware.NewRecoveryMiddleware(logger),
		MetricsHandler: metrics.Handler(gatherer),
	})
	return router, rl
}
