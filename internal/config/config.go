package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App struct {
		Port           int           `mapstructure:"port"`
		LogLevel       string        `mapstructure:"log_level"`
		LogFormat      string        `mapstructure:"log_format"` // text or json
		CORSOrigins    []string      `mapstructure:"cors_origins"`
		RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
		RateLimitBurst int           `mapstructure:"rate_limit_burst"`
		ReconcileEvery time.Duration `mapstructure:"reconcile_interval"`
		PendingGrace   time.Duration `mapstructure:"pending_grace"`  // pending rows younger than this are left to the confirm call
		PendingExpiry  time.Duration `mapstructure:"pending_expiry"` // after this an unseen signature can no longer land
		ReadyDelay     time.Duration `mapstructure:"ready_delay"`
	} `mapstructure:"app"`
	Database struct {
		Driver   string `mapstructure:"driver"` // mysql or postgres
		DSN      string `mapstructure:"dsn"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		DBName   string `mapstructure:"dbname"`
	} `mapstructure:"database"`
	Redis struct {
		URL      string        `mapstructure:"url"`
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
	} `mapstructure:"redis"`
	Solana struct {
		RPCURL                string `mapstructure:"rpc_url"`
		WSURL                 string `mapstructure:"ws_url"`
		USDCMint              string `mapstructure:"usdc_mint"`
		Receiver              string `mapstructure:"receiver"`
		DefaultComputeUnits   uint32 `mapstructure:"default_compute_units"`
		MaxComputeUnits       uint32 `mapstructure:"max_compute_units"`
		ComputeMarginPercent  uint32 `mapstructure:"compute_margin_percent"`
		MinPriorityFee        uint64 `mapstructure:"min_priority_fee"`
		MaxPriorityFee        uint64 `mapstructure:"max_priority_fee"`
		CreateReceiverAccount bool   `mapstructure:"create_receiver_account"`
		SimulationLogTail     int    `mapstructure:"simulation_log_tail"`
		ExplorerCluster       string `mapstructure:"explorer_cluster"`
	} `mapstructure:"solana"`
	Confirm struct {
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		MaxAttempts       int           `mapstructure:"max_attempts"`
		Timeout           time.Duration `mapstructure:"timeout"`
		SendRetries       int           `mapstructure:"send_retries"`
		SendRetryInterval time.Duration `mapstructure:"send_retry_interval"`
	} `mapstructure:"confirm"`
	Plans struct {
		MinimumAmount    string `mapstructure:"minimum_amount"`
		MonthlyThreshold string `mapstructure:"monthly_threshold"`
		YearlyThreshold  string `mapstructure:"yearly_threshold"`
	} `mapstructure:"plans"`
	Payment struct {
		Extraction string `mapstructure:"extraction"` // balance_delta or instruction
	} `mapstructure:"payment"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.port", 8080)
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "text")
	v.SetDefault("app.cors_origins", []string{"*"})
	v.SetDefault("app.rate_limit_rps", 10)
	v.SetDefault("app.rate_limit_burst", 20)
	v.SetDefault("app.reconcile_interval", 30*time.Second)
	v.SetDefault("app.pending_grace", 15*time.Second)
	v.SetDefault("app.pending_expiry", 3*time.Minute)
	v.SetDefault("app.ready_delay", 5*time.Second)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)

	v.SetDefault("redis.cache_ttl", 10*time.Minute)

	v.SetDefault("solana.default_compute_units", 200000)
	v.SetDefault("solana.max_compute_units", 1400000)
	v.SetDefault("solana.compute_margin_percent", 15)
	v.SetDefault("solana.min_priority_fee", 5000)
	v.SetDefault("solana.max_priority_fee", 50000)
	v.SetDefault("solana.create_receiver_account", true)
	v.SetDefault("solana.simulation_log_tail", 5)
	v.SetDefault("solana.explorer_cluster", "mainnet")

	v.SetDefault("confirm.poll_interval", 750*time.Millisecond)
	v.SetDefault("confirm.max_attempts", 5)
	v.SetDefault("confirm.timeout", 7*time.Second)
	v.SetDefault("confirm.send_retries", 3)
	v.SetDefault("confirm.send_retry_interval", 200*time.Millisecond)

	v.SetDefault("plans.minimum_amount", "2")
	v.SetDefault("plans.monthly_threshold", "2")
	v.SetDefault("plans.yearly_threshold", "20")

	v.SetDefault("payment.extraction", "balance_delta")
}

// Load reads config.yaml from the given search paths, with environment
// overrides such as SOLANA_RPC_URL for solana.rpc_url. A .env file in the
// working directory is applied first when present.
func Load(paths ...string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{"."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	// AutomaticEnv only covers keys viper already knows about.
	for _, key := range []string{"solana.rpc_url", "solana.ws_url", "solana.usdc_mint", "solana.receiver", "database.dsn", "redis.url"} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var missing []string
	if c.Solana.RPCURL == "" {
		missing = append(missing, "solana.rpc_url")
	}
	if c.Solana.USDCMint == "" {
		missing = append(missing, "solana.usdc_mint")
	}
	if c.Solana.Receiver == "" {
		missing = append(missing, "solana.receiver")
	}
	if c.Database.DSN == "" && c.Database.DBName == "" {
		missing = append(missing, "database.dsn")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.Solana.MinPriorityFee > c.Solana.MaxPriorityFee {
		return fmt.Errorf("solana.min_priority_fee %d exceeds solana.max_priority_fee %d", c.Solana.MinPriorityFee, c.Solana.MaxPriorityFee)
	}
	switch c.Payment.Extraction {
	case "balance_delta", "instruction":
	default:
		return fmt.Errorf("unknown payment.extraction %q", c.Payment.Extraction)
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
	default:
		return fmt.Errorf("unknown database.driver %q", c.Database.Driver)
	}
	return nil
}

// DatabaseDSN returns database.dsn, or builds one from the discrete fields.
func (c *Config) DatabaseDSN() string {
	if c.Database.DSN != "" {
		return c.Database.DSN
	}
	d := c.Database
	if d.Driver == "postgres" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			d.Host, d.Port, d.User, d.Password, d.DBName)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		d.User, d.Password, d.Host, d.Port, d.DBName)
}
