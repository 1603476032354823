package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/lumiagent/lumiagent/pkg/models"
)

// Config holds all configuration for the Lumi assistant bridge.
type Config struct {
	Host      string
	Port      int
	Version   string
	Providers ProvidersConfig
	Telemetry TelemetryConfig
	Flash     FlashConfig
}

// ProvidersConfig carries the recognized model-backend settings. A
// provider is configured when its credential/base-URL condition is met;
// nothing here is required at startup.
type ProvidersConfig struct {
	LocalBaseURL   string // QWEN_API_BASE; local endpoint needs only this
	LocalAPIKey    string // QWEN_API_KEY, optional
	LocalModel     string // LUMI_MODEL
	DeepSeekAPIKey string
	DeepSeekBase   string
	DeepSeekModel  string
	DashScopeKey   string
	PreferDeepSeek bool
	RequestTimeout time.Duration // generation timeout, clamped 60s..3600s
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// FlashConfig configures the external flashing tools.
type FlashConfig struct {
	PlatformIOCmd  string
	DefaultBoardID string
	DefaultPlat    string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is applied first when
// present; its absence is not an error.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Host:    envStr("LUMI_HOST", "127.0.0.1"),
		Port:    envInt("LUMI_PORT", 5000),
		Version: envStr("LUMI_VERSION", "1.2602"),
		Providers: ProvidersConfig{
			LocalBaseURL:   envStr("QWEN_API_BASE", ""),
			LocalAPIKey:    envStr("QWEN_API_KEY", ""),
			LocalModel:     envStr("LUMI_MODEL", "qwen2.5-coder-14b"),
			DeepSeekAPIKey: envStr("DEEPSEEK_API_KEY", ""),
			DeepSeekBase:   envStr("DEEPSEEK_API_BASE", "https://api.deepseek.com"),
			DeepSeekModel:  envStr("DEEPSEEK_MODEL", "deepseek-chat"),
			DashScopeKey:   envStr("DASHSCOPE_API_KEY", ""),
			PreferDeepSeek: envBool("PREFER_DEEPSEEK", false) || envBool("DEEPSEEK_PREFER", false),
			RequestTimeout: requestTimeout(),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "lumi-assistant-bridge"),
		},
		Flash: FlashConfig{
			PlatformIOCmd:  envStr("PLATFORMIO", "pio"),
			DefaultBoardID: envStr("PLATFORMIO_BOARD_ID", ""),
			DefaultPlat:    envStr("PLATFORMIO_PLATFORM", "ststm32"),
		},
	}
}

// Preference returns the provider-kind preference override, or "".
func (p ProvidersConfig) Preference() string {
	if p.PreferDeepSeek {
		return models.ProviderDeepSeek
	}
	return ""
}

// requestTimeout reads QWEN_REQUEST_TIMEOUT (seconds) clamped to
// 60..3600, defaulting to 300.
func requestTimeout() time.Duration {
	secs := envInt("QWEN_REQUEST_TIMEOUT", 300)
	if secs < 60 {
		secs = 60
	}
	if secs > 3600 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
