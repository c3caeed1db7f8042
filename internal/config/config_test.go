package config

import (
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("VERIFYING_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
}

func TestLoad_MissingChainID(t *testing.T) {
	t.Setenv("VERIFYING_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	if _, err := Load(); err == nil {
		t.Fatal("Load should fail without CHAIN_ID")
	}
}

func TestLoad_MissingContract(t *testing.T) {
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("VERIFYING_CONTRACT", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load should fail without VERIFYING_CONTRACT")
	}
}

func TestLoad_InvalidContract(t *testing.T) {
	t.Setenv("CHAIN_ID", "31337")
	t.Setenv("VERIFYING_CONTRACT", "not-an-address")
	if _, err := Load(); err == nil {
		t.Fatal("Load should reject a non-address VERIFYING_CONTRACT")
	}
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("port default: got %d want 8080", cfg.Server.Port)
	}
	if cfg.Domain.AppName != "Gateway Receipts" {
		t.Errorf("app name default: got %q", cfg.Domain.AppName)
	}
	if cfg.Redis.Addr != "redis:6379" {
		t.Errorf("redis addr default: got %q", cfg.Redis.Addr)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PORT", "9999")
	t.Setenv("RECEIPTS_APP_VERSION", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("port: got %d want 9999", cfg.Server.Port)
	}
	if cfg.Domain.AppVersion != "7" {
		t.Errorf("app version: got %q want 7", cfg.Domain.AppVersion)
	}
}

func TestSeparator_DependsOnChainID(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sep1 := cfg.Separator()
	cfg.Domain.ChainID = 1
	sep2 := cfg.Separator()
	if sep1 == sep2 {
		t.Error("separator must change with the chain id")
	}
}
