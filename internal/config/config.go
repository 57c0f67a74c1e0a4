package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// 鍵・ユーザー表の読み込み元。
const (
	ProvisionSourceFile     = "file"
	ProvisionSourcePostgres = "postgres"
)

// 音声出力の種類。
const (
	AudioBackendDiscard = "discard"
	AudioBackendOto     = "oto"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Provisioning
	ProvisionSource string
	ProvisionPath   string
	DatabaseURL     string
	KDFIterations   int

	// Channel
	ChannelSize      int
	HostPollInterval time.Duration

	// Playback
	SeekSeconds  int
	AudioBackend string

	// Login throttle
	LoginRatePerMin int
	LoginBurst      int

	// Server
	ServerPort string

	// Logging
	LogLevel string
}

// Load は環境変数からConfigを読み込む。
// 読み込み元に応じた必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ProvisionSource = strings.ToLower(getEnvString("PROVISION_SOURCE", ProvisionSourceFile))
	cfg.ProvisionPath = os.Getenv("PROVISION_PATH")
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")

	// Required fields
	var missing []string
	switch cfg.ProvisionSource {
	case ProvisionSourceFile:
		if cfg.ProvisionPath == "" {
			missing = append(missing, "PROVISION_PATH")
		}
	case ProvisionSourcePostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	default:
		return nil, fmt.Errorf("PROVISION_SOURCE must be %q or %q, got %q",
			ProvisionSourceFile, ProvisionSourcePostgres, cfg.ProvisionSource)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.KDFIterations = getEnvInt("KDF_ITERATIONS", 4096)
	cfg.ChannelSize = getEnvInt("CHANNEL_SIZE", 32<<20)
	cfg.HostPollInterval = getEnvDuration("HOST_POLL_INTERVAL", 10*time.Millisecond)
	cfg.SeekSeconds = getEnvInt("SEEK_SECONDS", 5)
	cfg.AudioBackend = strings.ToLower(getEnvString("AUDIO_BACKEND", AudioBackendDiscard))
	cfg.LoginRatePerMin = getEnvInt("LOGIN_RATE_PER_MIN", 10)
	cfg.LoginBurst = getEnvInt("LOGIN_BURST", 5)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	if cfg.AudioBackend != AudioBackendDiscard && cfg.AudioBackend != AudioBackendOto {
		return nil, fmt.Errorf("AUDIO_BACKEND must be %q or %q, got %q",
			AudioBackendDiscard, AudioBackendOto, cfg.AudioBackend)
	}

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
