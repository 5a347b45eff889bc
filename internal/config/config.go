package config

import (
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/xssnick/tonutils-go/tlb"

	"github.com/smartdevs17/ton-liquidator/internal/codec"
	"github.com/smartdevs17/ton-liquidator/internal/models"
)

// EnvPrefix is the prefix for environment overrides, e.g. TON_LIQUIDATOR_STORAGE_TYPE
const EnvPrefix = "TON_LIQUIDATOR"

// Config holds all configuration for the application
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	TON           TONConfig          `mapstructure:"ton"`
	Assets        []AssetConfig      `mapstructure:"assets"`
	Indexer       IndexerConfig      `mapstructure:"indexer"`
	Liquidator    LiquidatorConfig   `mapstructure:"liquidator"`
	Escalation    EscalationConfig   `mapstructure:"escalation"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Server        ServerConfig       `mapstructure:"server"`
	Logging       LoggingConfig      `mapstructure:"logging"`

	// populated by Validate
	registry       *models.AssetRegistry
	tokenGasNano   *big.Int
	forwardAmtNano *big.Int
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// TONConfig contains ledger access configuration
type TONConfig struct {
	LiteConfigURL  string        `mapstructure:"lite_config_url"`
	APIEndpoint    string        `mapstructure:"api_endpoint"` // transaction history API base URL
	APIKey         string        `mapstructure:"api_key"`
	APIRateLimit   float64       `mapstructure:"api_rate_limit"` // requests per second
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	Testnet        bool          `mapstructure:"testnet"`
	MasterAddress  string        `mapstructure:"master_address"`
	WalletMnemonic string        `mapstructure:"wallet_mnemonic"`
}

// AssetConfig describes one supported asset
type AssetConfig struct {
	Symbol       string `mapstructure:"symbol"`
	ID           string `mapstructure:"id"`   // decimal or 0x-prefixed hex
	Kind         string `mapstructure:"kind"` // base, jetton
	JettonWallet string `mapstructure:"jetton_wallet"`
	Decimals     uint8  `mapstructure:"decimals"`
}

// IndexerConfig contains chain indexer configuration
type IndexerConfig struct {
	PageSize       int           `mapstructure:"page_size"`
	IdleInterval   time.Duration `mapstructure:"idle_interval"`
	ReadRetryDelay time.Duration `mapstructure:"read_retry_delay"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
}

// LiquidatorConfig contains dispatcher configuration
type LiquidatorConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	TokenGasAmount string        `mapstructure:"token_gas_amount"` // TON sent with jetton liquidations
	ForwardAmount  string        `mapstructure:"forward_amount"`   // TON forwarded to the master
	BalanceWorkers int           `mapstructure:"balance_workers"`
}

// EscalationConfig contains task aging and blacklisting thresholds
type EscalationConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	PendingExpiry       time.Duration `mapstructure:"pending_expiry"`
	ConfirmationTimeout time.Duration `mapstructure:"confirmation_timeout"`
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	PendingWindow       time.Duration `mapstructure:"pending_window"`
	SentWindow          time.Duration `mapstructure:"sent_window"`
	SuccessWindow       time.Duration `mapstructure:"success_window"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// NotificationConfig contains operator alert configuration
type NotificationConfig struct {
	Enabled       bool           `mapstructure:"enabled"`
	Timeout       time.Duration  `mapstructure:"timeout"`
	RetryAttempts int            `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration  `mapstructure:"retry_delay"`
	Telegram      TelegramConfig `mapstructure:"telegram"`
	Webhook       WebhookConfig  `mapstructure:"webhook"`
	Redis         RedisConfig    `mapstructure:"redis"`
}

// TelegramConfig configures the chat alert channel
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIURL   string `mapstructure:"api_url"`
}

// WebhookConfig configures the webhook alert channel
type WebhookConfig struct {
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

// RedisConfig configures the pub/sub alert channel
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port             int           `mapstructure:"port"`
	Host             string        `mapstructure:"host"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	EnableMetrics    bool          `mapstructure:"enable_metrics"`
	EnableHealth     bool          `mapstructure:"enable_health"`
	EnableTaskIntake bool          `mapstructure:"enable_task_intake"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from a .env file, the config file and environment variables
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Well-known deployment variables
	if mnemonic := os.Getenv("WALLET_MNEMONIC"); mnemonic != "" {
		config.TON.WalletMnemonic = mnemonic
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}
	if key := os.Getenv("TONAPI_KEY"); key != "" {
		config.TON.APIKey = key
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		config.Notifications.Telegram.BotToken = token
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ton-liquidator")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("ton.lite_config_url", "https://ton.org/global.config.json")
	v.SetDefault("ton.api_endpoint", "https://tonapi.io")
	v.SetDefault("ton.api_rate_limit", 1.0)
	v.SetDefault("ton.request_timeout", "15s")
	v.SetDefault("ton.retry_attempts", 3)
	v.SetDefault("ton.retry_delay", "1s")
	v.SetDefault("ton.testnet", false)

	v.SetDefault("indexer.page_size", 100)
	v.SetDefault("indexer.idle_interval", "1s")
	v.SetDefault("indexer.read_retry_delay", "500ms")
	v.SetDefault("indexer.restart_delay", "5s")

	v.SetDefault("liquidator.interval", "20s")
	v.SetDefault("liquidator.token_gas_amount", "1")
	v.SetDefault("liquidator.forward_amount", "0.7")
	v.SetDefault("liquidator.balance_workers", 4)

	v.SetDefault("escalation.interval", "3s")
	v.SetDefault("escalation.pending_expiry", "45s")
	v.SetDefault("escalation.confirmation_timeout", "30s")
	v.SetDefault("escalation.failure_threshold", 3)
	v.SetDefault("escalation.pending_window", "60s")
	v.SetDefault("escalation.sent_window", "45s")
	v.SetDefault("escalation.success_window", "10s")

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/liquidator.db")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_idle_time", "15m")

	v.SetDefault("notifications.enabled", true)
	v.SetDefault("notifications.timeout", "10s")
	v.SetDefault("notifications.retry_attempts", 3)
	v.SetDefault("notifications.retry_delay", "2s")
	v.SetDefault("notifications.telegram.api_url", "https://api.telegram.org")
	v.SetDefault("notifications.redis.channel", "liquidator:alerts")

	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)
	v.SetDefault("server.enable_task_intake", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration and builds the asset registry
func (c *Config) Validate() error {
	if c.TON.APIEndpoint == "" {
		return fmt.Errorf("ton api endpoint is required")
	}
	if c.TON.LiteConfigURL == "" {
		return fmt.Errorf("ton lite config url is required")
	}
	if c.TON.APIRateLimit <= 0 {
		return fmt.Errorf("ton api rate limit must be positive")
	}
	if _, err := codec.ParseAddress(c.TON.MasterAddress); err != nil {
		return fmt.Errorf("invalid master address %q: %w", c.TON.MasterAddress, err)
	}
	if words := strings.Fields(c.TON.WalletMnemonic); len(words) != 24 {
		return fmt.Errorf("wallet mnemonic must have 24 words, got %d", len(words))
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Indexer.PageSize <= 0 || c.Indexer.PageSize > 100 {
		return fmt.Errorf("indexer page size must be between 1 and 100")
	}
	if c.Liquidator.Interval <= 0 || c.Escalation.Interval <= 0 {
		return fmt.Errorf("liquidator and escalation intervals must be positive")
	}
	if c.Liquidator.BalanceWorkers <= 0 {
		return fmt.Errorf("liquidator balance workers must be positive")
	}
	if c.Escalation.FailureThreshold <= 0 {
		return fmt.Errorf("escalation failure threshold must be positive")
	}
	if c.Escalation.PendingExpiry <= 0 || c.Escalation.ConfirmationTimeout <= 0 {
		return fmt.Errorf("escalation thresholds must be positive")
	}

	gas, err := tlb.FromTON(c.Liquidator.TokenGasAmount)
	if err != nil {
		return fmt.Errorf("invalid token gas amount %q: %w", c.Liquidator.TokenGasAmount, err)
	}
	fwd, err := tlb.FromTON(c.Liquidator.ForwardAmount)
	if err != nil {
		return fmt.Errorf("invalid forward amount %q: %w", c.Liquidator.ForwardAmount, err)
	}
	if fwd.Nano().Cmp(gas.Nano()) >= 0 {
		return fmt.Errorf("forward amount must be lower than the token gas amount")
	}

	registry, err := c.buildRegistry()
	if err != nil {
		return err
	}

	c.registry = registry
	c.tokenGasNano = gas.Nano()
	c.forwardAmtNano = fwd.Nano()
	return nil
}

func (c *Config) buildRegistry() (*models.AssetRegistry, error) {
	if len(c.Assets) == 0 {
		return nil, fmt.Errorf("at least one asset is required")
	}

	assets := make([]*models.Asset, 0, len(c.Assets))
	for _, ac := range c.Assets {
		id, ok := new(big.Int).SetString(strings.TrimSpace(ac.ID), 0)
		if !ok {
			return nil, fmt.Errorf("asset %s: invalid id %q", ac.Symbol, ac.ID)
		}
		asset := &models.Asset{
			Symbol:   strings.ToLower(ac.Symbol),
			ID:       id,
			Kind:     models.AssetKind(strings.ToLower(ac.Kind)),
			Decimals: ac.Decimals,
		}
		if ac.JettonWallet != "" {
			wallet, err := codec.NormalizeAddress(ac.JettonWallet, c.TON.Testnet)
			if err != nil {
				return nil, fmt.Errorf("asset %s: invalid jetton wallet: %w", ac.Symbol, err)
			}
			asset.JettonWallet = wallet
		}
		assets = append(assets, asset)
	}

	return models.NewAssetRegistry(assets)
}

// Registry returns the asset registry built by Validate
func (c *Config) Registry() *models.AssetRegistry {
	return c.registry
}

// TokenGasNano is the TON value attached to jetton liquidations, in nanotons
func (c *Config) TokenGasNano() *big.Int {
	return new(big.Int).Set(c.tokenGasNano)
}

// ForwardAmountNano is the TON forwarded with jetton transfers, in nanotons
func (c *Config) ForwardAmountNano() *big.Int {
	return new(big.Int).Set(c.forwardAmtNano)
}

// DedupWindows returns the task freshness windows
func (c *Config) DedupWindows() models.DedupWindows {
	return models.DedupWindows{
		Pending: c.Escalation.PendingWindow,
		Sent:    c.Escalation.SentWindow,
		Success: c.Escalation.SuccessWindow,
	}
}
