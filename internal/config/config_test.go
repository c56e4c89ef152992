package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STREAMSYNC_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SecureMode != "url" {
		t.Fatalf("SecureMode = %q, want url", cfg.SecureMode)
	}
	if cfg.ReconnectCooldownSeconds != 5 {
		t.Fatalf("ReconnectCooldownSeconds = %d, want 5", cfg.ReconnectCooldownSeconds)
	}
	if cfg.SubscribeThrottleMillis != 100 {
		t.Fatalf("SubscribeThrottleMillis = %d, want 100", cfg.SubscribeThrottleMillis)
	}
	if cfg.BatchFrameMillis != 16 {
		t.Fatalf("BatchFrameMillis = %d, want 16", cfg.BatchFrameMillis)
	}
	if cfg.Retention.Sweep != "*/5 * * * *" {
		t.Fatalf("Retention.Sweep = %q, want */5 * * * *", cfg.Retention.Sweep)
	}
	if cfg.JournalPath == "" {
		t.Fatal("JournalPath empty, want default under home")
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STREAMSYNC_HOME", home)

	yaml := []byte("gateway_url: wss://stream.example.com/ws\naccount_id: acc-1\nsecure_mode: ack\nchannels:\n  - thread:th-1\n")
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), yaml, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GatewayURL != "wss://stream.example.com/ws" {
		t.Fatalf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.SecureMode != "ack" {
		t.Fatalf("SecureMode = %q, want ack", cfg.SecureMode)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0] != "thread:th-1" {
		t.Fatalf("Channels = %v", cfg.Channels)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STREAMSYNC_HOME", t.TempDir())
	t.Setenv("STREAMSYNC_GATEWAY_URL", "wss://override.example.com/ws")
	t.Setenv("STREAMSYNC_SECURE_MODE", "ack")
	t.Setenv("STREAMSYNC_CHANNELS", "thread:a, thread:b")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GatewayURL != "wss://override.example.com/ws" {
		t.Fatalf("GatewayURL = %q", cfg.GatewayURL)
	}
	if cfg.SecureMode != "ack" {
		t.Fatalf("SecureMode = %q, want ack", cfg.SecureMode)
	}
	if len(cfg.Channels) != 2 || cfg.Channels[1] != "thread:b" {
		t.Fatalf("Channels = %v", cfg.Channels)
	}
}

func TestInvalidSecureMode(t *testing.T) {
	t.Setenv("STREAMSYNC_HOME", t.TempDir())
	t.Setenv("STREAMSYNC_SECURE_MODE", "handshake")

	if _, err := Load(); err == nil {
		t.Fatal("Load accepted invalid secure_mode")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := defaultConfig()
	a.GatewayURL = "wss://x"
	b := defaultConfig()
	b.GatewayURL = "wss://x"
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprints differ: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}
	b.GatewayURL = "wss://y"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint did not change with gateway_url")
	}
}
