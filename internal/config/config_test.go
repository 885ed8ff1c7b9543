package config

import (
	"strings"
	"testing"
	"time"
)

func validTestConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.User.ID = "11111111-1111-1111-1111-111111111111"
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	cfg := validTestConfig()
	if err := Validate(cfg); err != nil {
		t.Fatalf("default config with a user id should validate, got: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{
			name:    "missing user id",
			mutate:  func(c *Config) { c.User.ID = "" },
			wantSub: "user id",
		},
		{
			name:    "unknown signaling backend",
			mutate:  func(c *Config) { c.Signaling.Backend = "carrier-pigeon" },
			wantSub: "signaling backend",
		},
		{
			name: "websocket backend without URL",
			mutate: func(c *Config) {
				c.Signaling.Backend = "websocket"
				c.Signaling.WebSocketURL = "http://example.com"
			},
			wantSub: "ws://",
		},
		{
			name:    "no STUN fallback",
			mutate:  func(c *Config) { c.ICE.STUNURLs = nil },
			wantSub: "STUN",
		},
		{
			name: "TURN without credential source",
			mutate: func(c *Config) {
				c.ICE.TURNURLs = []string{"turn:turn.example.com:3478"}
				c.ICE.CredentialURL = ""
				c.ICE.SharedSecret = ""
			},
			wantSub: "credential source",
		},
		{
			name:    "credential TTL too short",
			mutate:  func(c *Config) { c.ICE.CredentialTTL = time.Second },
			wantSub: "TTL too short",
		},
		{
			name: "relay enabled without public IP",
			mutate: func(c *Config) {
				c.Relay.Enabled = true
				c.Relay.PublicIP = "not-an-ip"
			},
			wantSub: "public IP",
		},
		{
			name:    "bad device tier",
			mutate:  func(c *Config) { c.Media.DeviceClass = "toaster" },
			wantSub: "device tier",
		},
		{
			name:    "quality interval too short",
			mutate:  func(c *Config) { c.Quality.Interval = 100 * time.Millisecond },
			wantSub: "interval too short",
		},
		{
			name: "cooldown below interval",
			mutate: func(c *Config) {
				c.Quality.Interval = 2 * time.Second
				c.Quality.Cooldown = time.Second
			},
			wantSub: "cooldown",
		},
		{
			name: "push enabled without credentials",
			mutate: func(c *Config) {
				c.Push.Enabled = true
				c.Push.CredentialsFile = ""
				c.Push.ProjectID = "proj"
			},
			wantSub: "service account",
		},
		{
			name: "push seal key wrong length",
			mutate: func(c *Config) {
				c.Push.Enabled = true
				c.Push.CredentialsFile = "sa.json"
				c.Push.ProjectID = "proj"
				c.Push.TokenSealKey = "c2hvcnQ=" // "short"
			},
			wantSub: "32 bytes",
		},
		{
			name:    "bad NAT 1:1 IP",
			mutate:  func(c *Config) { c.ICE.NAT1To1IP = "not-an-ip" },
			wantSub: "1:1 IP",
		},
		{
			name:    "bad API address",
			mutate:  func(c *Config) { c.API.ListenAddr = "no-port" },
			wantSub: "host:port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatalf("expected validation error containing %q, got nil", tt.wantSub)
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q does not mention %q", err.Error(), tt.wantSub)
			}
		})
	}
}

func TestValidateAcceptsPassphraseSealKey(t *testing.T) {
	cfg := validTestConfig()
	cfg.Push.Enabled = true
	cfg.Push.CredentialsFile = "sa.json"
	cfg.Push.ProjectID = "proj"
	cfg.Push.TokenSealKey = "correct horse battery staple"
	if err := Validate(cfg); err != nil {
		t.Fatalf("passphrase seal key should validate, got: %v", err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CALLD_USER_ID", "22222222-2222-2222-2222-222222222222")
	t.Setenv("CALLD_SIGNALING_BACKEND", "redis")
	t.Setenv("CALLD_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("CALLD_QUALITY_INTERVAL", "4s")
	t.Setenv("CALLD_QUALITY_COOLDOWN", "20s")
	t.Setenv("CALLD_STUN_URLS", "stun:stun.example.com:3478, stun:stun2.example.com:3478")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.User.ID != "22222222-2222-2222-2222-222222222222" {
		t.Errorf("user id not read from env: %q", cfg.User.ID)
	}
	if cfg.Signaling.Backend != "redis" || cfg.Redis.Addr != "redis.internal:6380" {
		t.Errorf("redis signaling not read from env: %+v", cfg.Signaling)
	}
	if cfg.Quality.Interval != 4*time.Second {
		t.Errorf("quality interval = %s, want 4s", cfg.Quality.Interval)
	}
	if len(cfg.ICE.STUNURLs) != 2 || cfg.ICE.STUNURLs[1] != "stun:stun2.example.com:3478" {
		t.Errorf("STUN URL list not parsed: %v", cfg.ICE.STUNURLs)
	}
}

func TestGetEnvHelpersFallBack(t *testing.T) {
	t.Setenv("CALLD_TEST_INT", "not-a-number")
	t.Setenv("CALLD_TEST_BOOL", "maybe")
	t.Setenv("CALLD_TEST_DURATION", "soon")

	if got := getEnvAsInt("CALLD_TEST_INT", 7); got != 7 {
		t.Errorf("getEnvAsInt fallback = %d, want 7", got)
	}
	if got := getEnvAsBool("CALLD_TEST_BOOL", true); got != true {
		t.Errorf("getEnvAsBool fallback = %v, want true", got)
	}
	if got := getEnvAsDuration("CALLD_TEST_DURATION", time.Minute); got != time.Minute {
		t.Errorf("getEnvAsDuration fallback = %s, want 1m", got)
	}
	if got := getEnv("CALLD_TEST_MISSING", "dflt"); got != "dflt" {
		t.Errorf("getEnv fallback = %q, want dflt", got)
	}
}
