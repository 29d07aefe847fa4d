package config

import (
	"gopkg.in/yaml.v3"
	"io/ioutil"
	"os"
)

// Config top-level struct
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	Postgres      PostgresConfig  `yaml:"postgres"`
	Redis         RedisConfig     `yaml:"redis"`
	Kafka         KafkaConfig     `yaml:"kafka"`
	RateLimit     RateLimitConfig `yaml:"ratelimit"`
	FiatGateway   GatewayConfig   `yaml:"fiat_gateway"`
	CryptoGateway GatewayConfig   `yaml:"crypto_gateway"`
	Pricing       PricingConfig   `yaml:"pricing"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type RateLimitConfig struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type GatewayConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// PricingConfig holds the fee schedule and the default exchange rate.
// Amount fields are decimal strings so no float parsing is involved.
type PricingConfig struct {
	Rate                 string `yaml:"rate"` // fiat per crypto unit
	GatewayFeePercent    string `yaml:"gateway_fee_percent"`
	GatewayFeeFixed      string `yaml:"gateway_fee_fixed"`
	PlatformWithdrawFee  string `yaml:"platform_withdraw_fee"`
	CryptoDepositFee     string `yaml:"crypto_deposit_fee"`
	FiatPayoutFeePercent string `yaml:"fiat_payout_fee_percent"`
	MinCrypto            string `yaml:"min_crypto"`
	MinFiat              string `yaml:"min_fiat"`
}

// Load reads yaml file
func Load(path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	// secrets come from env when present
	if pw := os.Getenv("POSTGRES_PASSWORD"); pw != "" {
		cfg.Postgres.DSN = cfg.Postgres.DSN + " password=" + pw
	}
	if k := os.Getenv("FIAT_GATEWAY_API_KEY"); k != "" {
		cfg.FiatGateway.APIKey = k
	}
	if k := os.Getenv("CRYPTO_GATEWAY_API_KEY"); k != "" {
		cfg.CryptoGateway.APIKey = k
	}
	return &cfg, nil
}
