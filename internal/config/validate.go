package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Validator accumulates configuration errors across sections.
type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...interface{}) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Validate delegates to per-section validators.
func Validate(cfg *Config) error {
	v := &Validator{}

	validateUser(v, &cfg.User)
	validateSignaling(v, cfg)
	validateICE(v, &cfg.ICE)
	validateRelay(v, &cfg.Relay)
	validateMedia(v, &cfg.Media)
	validateCalls(v, &cfg.Calls)
	validateQuality(v, &cfg.Quality)
	validatePush(v, &cfg.Push)
	validateAPI(v, &cfg.API)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

func validateUser(v *Validator, cfg *UserConfig) {
	if strings.TrimSpace(cfg.ID) == "" {
		v.AddError("user id cannot be empty (set CALLD_USER_ID)")
	}
}

func validateSignaling(v *Validator, cfg *Config) {
	switch cfg.Signaling.Backend {
	case "memory":
	case "redis":
		if _, _, err := net.SplitHostPort(cfg.Redis.Addr); err != nil {
			v.AddError("redis addr must be host:port: %v", err)
		}
	case "websocket":
		if !strings.HasPrefix(cfg.Signaling.WebSocketURL, "ws://") &&
			!strings.HasPrefix(cfg.Signaling.WebSocketURL, "wss://") {
			v.AddError("websocket signaling URL must start with ws:// or wss://: %q", cfg.Signaling.WebSocketURL)
		}
	default:
		v.AddError("invalid signaling backend: %s (must be memory, redis, or websocket)", cfg.Signaling.Backend)
	}
	if cfg.Signaling.SubscribeBuffer < 1 {
		v.AddError("signaling subscribe buffer must be positive")
	}
}

func validateICE(v *Validator, cfg *ICEConfig) {
	if len(cfg.STUNURLs) == 0 {
		v.AddError("at least one STUN URL is required as the TURN fallback")
	}
	for _, u := range cfg.STUNURLs {
		if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "stuns:") {
			v.AddError("invalid STUN URL: %s", u)
		}
	}
	for _, u := range cfg.TURNURLs {
		if !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
			v.AddError("invalid TURN URL: %s", u)
		}
	}
	if len(cfg.TURNURLs) > 0 && cfg.CredentialURL == "" && cfg.SharedSecret == "" {
		v.AddError("TURN URLs configured but no credential source (set CALLD_TURN_CREDENTIAL_URL or CALLD_TURN_SECRET)")
	}
	if cfg.CredentialTTL < time.Minute {
		v.AddError("TURN credential TTL too short: %s (min 1m)", cfg.CredentialTTL)
	}
	if cfg.FetchTimeout <= 0 || cfg.FetchTimeout > 30*time.Second {
		v.AddError("TURN fetch timeout out of range: %s (must be within (0s, 30s])", cfg.FetchTimeout)
	}
	if cfg.NAT1To1IP != "" && net.ParseIP(cfg.NAT1To1IP) == nil {
		v.AddError("NAT 1:1 IP must be a valid IP address: %q", cfg.NAT1To1IP)
	}
}

func validateRelay(v *Validator, cfg *RelayConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		v.AddError("invalid relay port: %d", cfg.Port)
	}
	if net.ParseIP(cfg.PublicIP) == nil {
		v.AddError("relay public IP must be a valid IP address: %q", cfg.PublicIP)
	}
	if cfg.Realm == "" {
		v.AddError("relay realm cannot be empty")
	}
	if cfg.ThreadNum < 1 || cfg.ThreadNum > 64 {
		v.AddError("relay thread count out of range: %d (1-64)", cfg.ThreadNum)
	}
}

func validateMedia(v *Validator, cfg *MediaConfig) {
	switch cfg.DeviceClass {
	case "auto", "mobile", "desktop":
	default:
		v.AddError("invalid device class: %s (must be auto, mobile, or desktop)", cfg.DeviceClass)
	}
}

func validateCalls(v *Validator, cfg *CallsConfig) {
	if cfg.MaxGroupParticipants < 2 || cfg.MaxGroupParticipants > 16 {
		v.AddError("max group participants out of range: %d (2-16)", cfg.MaxGroupParticipants)
	}
}

func validateQuality(v *Validator, cfg *QualityConfig) {
	if cfg.Interval < time.Second {
		v.AddError("quality sample interval too short: %s (min 1s)", cfg.Interval)
	} else if cfg.Interval > time.Minute {
		v.AddError("quality sample interval too long: %s (max 1m)", cfg.Interval)
	}
	switch cfg.InitialTier {
	case "auto", "high", "medium", "low":
	default:
		v.AddError("invalid quality tier: %s (must be auto, high, medium, or low)", cfg.InitialTier)
	}
	if cfg.PoorStreak < 1 {
		v.AddError("quality poor streak must be positive")
	}
	if cfg.Cooldown < cfg.Interval {
		v.AddError("quality cooldown %s must be at least the sample interval %s", cfg.Cooldown, cfg.Interval)
	}
}

func validatePush(v *Validator, cfg *PushConfig) {
	if !cfg.Enabled {
		return
	}
	if cfg.CredentialsFile == "" {
		v.AddError("push enabled but no service account file (set CALLD_PUSH_CREDENTIALS)")
	}
	if cfg.ProjectID == "" {
		v.AddError("push enabled but no project id (set CALLD_PUSH_PROJECT_ID)")
	}
	if cfg.TokenSealKey != "" {
		key, err := base64.StdEncoding.DecodeString(cfg.TokenSealKey)
		isRawKey := err == nil && len(key) == 32
		if !isRawKey && len(cfg.TokenSealKey) < 12 {
			v.AddError("push token seal key must be 32 bytes of base64 or a passphrase of at least 12 characters")
		}
	}
}

func validateAPI(v *Validator, cfg *APIConfig) {
	if cfg.ListenAddr == "" {
		v.AddError("API listen address cannot be empty")
		return
	}
	host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
	if err != nil {
		v.AddError("API listen address must be host:port: %v", err)
		return
	}
	if host != "" && host != "localhost" {
		if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
			v.AddError("invalid hostname in API listen address: %s", host)
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		v.AddError("invalid port in API listen address: %s", portStr)
	}
	if cfg.CallStartRate < 1 {
		v.AddError("call-start rate limit must be positive")
	}
	if cfg.CallStartWindow < time.Second {
		v.AddError("call-start rate window must be >= 1s")
	}
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for i, r := range label {
			alnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !alnum && !(r == '-' && i > 0 && i < len(label)-1) {
				return false
			}
		}
	}
	return true
}
