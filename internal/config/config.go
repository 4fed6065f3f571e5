package config

import (
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange  ExchangeConfig
	Bot       BotConfig
	Risk      RiskConfig
	Execution ExecutionConfig
	Cooldown  CooldownConfig
	Safety    SafetyConfig
	Store     StoreConfig
	Telegram  TelegramConfig
	Metrics   MetricsConfig
	Runtime   RuntimeConfig
}

type ExchangeConfig struct {
	BaseUrl      string
	WSPrivateURL string
	ApiKey       string
	Secret       string
	Category     string
}

type BotConfig struct {
	InstanceTag  string
	Symbols      []string
	TimeframeLTF string
	TimeframeHTF string
	TickInterval time.Duration
}

type RiskConfig struct {
	RiskFraction  float64
	TPRMultiplier float64
}

type ExecutionConfig struct {
	AckTimeout       time.Duration
	EntryFillTimeout time.Duration
	StopPlaceBudget  time.Duration
	CloseRetryDelay  time.Duration
	CloseMaxAttempts int
}

type CooldownConfig struct {
	LossThreshold  int
	ReleaseCandles int
}

type SafetyConfig struct {
	LatencyThreshold  time.Duration
	ErrorRatePercent  float64
	MinRequestsWindow int
	PollInterval      time.Duration
	FundingExtreme    float64
}

type StoreConfig struct {
	Path string
}

type TelegramConfig struct {
	Token  string
	ChatID string
}

type MetricsConfig struct {
	Enabled bool
	Listen  string
}

type RuntimeConfig struct {
	Log LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

func Load() (*Config, error) {

	cfg := &Config{}
	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.ReadInConfig()

	setDefaults()

	cfg.Exchange = ExchangeConfig{
		BaseUrl:      viper.GetString("exchange.base_url"),
		WSPrivateURL: viper.GetString("exchange.ws_private_url"),
		ApiKey:       envSub("exchange.api_key"),
		Secret:       envSub("exchange.secret"),
		Category:     viper.GetString("exchange.category"),
	}

	cfg.Bot = BotConfig{
		InstanceTag:  viper.GetString("bot.instance_tag"),
		Symbols:      viper.GetStringSlice("bot.symbols"),
		TimeframeLTF: viper.GetString("bot.timeframe_ltf"),
		TimeframeHTF: viper.GetString("bot.timeframe_htf"),
		TickInterval: viper.GetDuration("bot.tick_interval"),
	}

	cfg.Risk = RiskConfig{
		RiskFraction:  viper.GetFloat64("risk.risk_fraction"),
		TPRMultiplier: viper.GetFloat64("risk.tp_r_multiplier"),
	}

	cfg.Execution = ExecutionConfig{
		AckTimeout:       viper.GetDuration("execution.ack_timeout"),
		EntryFillTimeout: viper.GetDuration("execution.entry_fill_timeout"),
		StopPlaceBudget:  viper.GetDuration("execution.stop_place_budget"),
		CloseRetryDelay:  viper.GetDuration("execution.close_retry_delay"),
		CloseMaxAttempts: viper.GetInt("execution.close_max_attempts"),
	}

	cfg.Cooldown = CooldownConfig{
		LossThreshold:  viper.GetInt("cooldown.loss_threshold"),
		ReleaseCandles: viper.GetInt("cooldown.release_candles"),
	}

	cfg.Safety = SafetyConfig{
		LatencyThreshold:  viper.GetDuration("safety.latency_threshold"),
		ErrorRatePercent:  viper.GetFloat64("safety.error_rate_percent"),
		MinRequestsWindow: viper.GetInt("safety.min_requests_window"),
		PollInterval:      viper.GetDuration("safety.poll_interval"),
		FundingExtreme:    viper.GetFloat64("safety.funding_extreme"),
	}

	cfg.Store = StoreConfig{
		Path: viper.GetString("store.path"),
	}

	cfg.Telegram = TelegramConfig{
		Token:  envSub("telegram.token"),
		ChatID: envSub("telegram.chat_id"),
	}

	cfg.Metrics = MetricsConfig{
		Enabled: viper.GetBool("metrics.enabled"),
		Listen:  viper.GetString("metrics.listen"),
	}

	cfg.Runtime = RuntimeConfig{
		Log: LogConfig{
			Level:      viper.GetString("runtime.log.level"),
			Format:     viper.GetString("runtime.log.format"),
			File:       viper.GetString("runtime.log.file"),
			MaxSize:    viper.GetInt("runtime.log.max_size"),
			MaxBackups: viper.GetInt("runtime.log.max_backups"),
			MaxAge:     viper.GetInt("runtime.log.max_age"),
			Compress:   viper.GetBool("runtime.log.compress"),
		},
	}

	return cfg, nil
}

// Версионированные константы исполнения: тайм-бюджеты зафиксированы здесь,
// а не "когда-нибудь в коде".
func setDefaults() {
	viper.SetDefault("exchange.category", "linear")
	viper.SetDefault("bot.instance_tag", "mb")
	viper.SetDefault("bot.timeframe_ltf", "15m")
	viper.SetDefault("bot.timeframe_htf", "1h")
	viper.SetDefault("bot.tick_interval", 15*time.Second)
	viper.SetDefault("risk.risk_fraction", 0.005)
	viper.SetDefault("risk.tp_r_multiplier", 2.0)
	viper.SetDefault("execution.ack_timeout", 5*time.Second)
	viper.SetDefault("execution.entry_fill_timeout", 20*time.Second)
	viper.SetDefault("execution.stop_place_budget", 10*time.Second)
	viper.SetDefault("execution.close_retry_delay", 1*time.Second)
	viper.SetDefault("execution.close_max_attempts", 10)
	viper.SetDefault("cooldown.loss_threshold", 2)
	viper.SetDefault("cooldown.release_candles", 1)
	viper.SetDefault("safety.latency_threshold", 1*time.Second)
	viper.SetDefault("safety.error_rate_percent", 5.0)
	viper.SetDefault("safety.min_requests_window", 20)
	viper.SetDefault("safety.poll_interval", 30*time.Second)
	viper.SetDefault("safety.funding_extreme", 0.001)
	viper.SetDefault("store.path", "data/perpbot.db")
	viper.SetDefault("metrics.listen", ":9184")
}

func envSub(key string) string {
	val := viper.GetString(key)
	if val == "" {
		return ""
	}

	re := regexp.MustCompile(`\$\{(\w+)\}`)
	return re.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
