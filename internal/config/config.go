package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/gatewaypay/receipts/internal/signing"
)

type Config struct {
	Domain  DomainConfig
	Redis   RedisConfig
	Voucher VoucherConfig
	Server  ServerConfig
}

// DomainConfig is the deployment tuple every signed digest is bound to.
// Changing any field invalidates all outstanding receipts and vouchers.
type DomainConfig struct {
	AppName           string `mapstructure:"app_name"`
	AppVersion        string `mapstructure:"app_version"`
	ChainID           int64  `mapstructure:"chain_id"`
	VerifyingContract string `mapstructure:"verifying_contract"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type VoucherConfig struct {
	// SigningKey is the voucher signing key, hex encoded. It must be
	// distinct from every allocation signer, hold no funds, and sign
	// nothing but vouchers.
	SigningKey string `mapstructure:"signing_key"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("domain.app_name", "Gateway Receipts")
	v.SetDefault("domain.app_version", "1")

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"domain.app_name":           "RECEIPTS_APP_NAME",
		"domain.app_version":        "RECEIPTS_APP_VERSION",
		"domain.chain_id":           "CHAIN_ID",
		"domain.verifying_contract": "VERIFYING_CONTRACT",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"voucher.signing_key":       "VOUCHER_SIGNING_KEY",
		"server.port":               "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Domain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if c.Domain.VerifyingContract == "" {
		return fmt.Errorf("required config missing: VERIFYING_CONTRACT")
	}
	if !common.IsHexAddress(c.Domain.VerifyingContract) {
		return fmt.Errorf("VERIFYING_CONTRACT is not an address: %s", c.Domain.VerifyingContract)
	}
	return nil
}

// Separator derives the domain separator from the deployment tuple.
func (c *Config) Separator() signing.Domain {
	return signing.NewDomain(
		c.Domain.AppName,
		c.Domain.AppVersion,
		big.NewInt(c.Domain.ChainID),
		common.HexToAddress(c.Domain.VerifyingContract),
	)
}
