// Package config loads and validates the daemon configuration from the
// environment, with optional .env support.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all daemon configuration.
type Config struct {
	LogMode string // "production" or "development"

	User      UserConfig
	Postgres  PostgresConfig
	Redis     RedisConfig
	Signaling SignalingConfig
	ICE       ICEConfig
	Relay     RelayConfig
	Media     MediaConfig
	Calls     CallsConfig
	Quality   QualityConfig
	Recording RecordingConfig
	Push      PushConfig
	Directory DirectoryConfig
	API       APIConfig
}

// UserConfig identifies the local user this daemon signs signaling writes as.
type UserConfig struct {
	ID          string
	DisplayName string
	AuthToken   string // bearer token presented to the identity provider
	JWTSecret   string // HMAC secret the token provider validates against
}

// PostgresConfig configures the call record store.
type PostgresConfig struct {
	Host            string
	Port            int
	Database        string
	Username        string
	Password        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the PostgreSQL connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// RedisConfig configures the Redis-backed realtime feed.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SignalingConfig selects and configures the realtime feed backend.
type SignalingConfig struct {
	// Backend is one of "memory", "redis", "websocket".
	Backend string
	// WebSocketURL is the bridge endpoint for the websocket backend.
	WebSocketURL string
	// SubscribeBuffer is the per-subscription event buffer size.
	SubscribeBuffer int
}

// ICEConfig configures STUN/TURN resolution for new peer connections.
type ICEConfig struct {
	// STUNURLs are always included and are the fallback when TURN
	// credentials cannot be obtained.
	STUNURLs []string
	// TURNURLs receive the fetched ephemeral credentials.
	TURNURLs []string
	// CredentialURL, when set, is an HTTP endpoint returning ephemeral
	// credentials. When empty, credentials are minted locally from
	// SharedSecret.
	CredentialURL string
	SharedSecret  string
	Realm         string
	// CredentialTTL bounds the credential cache.
	CredentialTTL time.Duration
	// NAT1To1IP pins the advertised host candidate address. Set it when
	// the daemon sits behind a known 1:1 NAT or an overlay network
	// (Tailscale et al.) whose address STUN cannot discover.
	NAT1To1IP string
	// FetchTimeout bounds a single credential fetch.
	FetchTimeout time.Duration
}

// RelayConfig configures the optional embedded TURN relay.
type RelayConfig struct {
	Enabled   bool
	Port      int
	PublicIP  string
	Realm     string
	ThreadNum int
}

// MediaConfig configures capture.
type MediaConfig struct {
	// DeviceClass forces the capture capability class: "auto", "mobile"
	// or "desktop". Mobile-class devices get lower capture ceilings.
	DeviceClass string
	// Audio processing requested from the capture drivers.
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CallsConfig bounds call behavior.
type CallsConfig struct {
	// MaxGroupParticipants caps the full-mesh group call size.
	MaxGroupParticipants int
}

// QualityConfig configures the connection quality monitor.
type QualityConfig struct {
	// Interval between statistics samples.
	Interval time.Duration
	// InitialTier is "auto", "high", "medium" or "low".
	InitialTier string
	// PoorStreak is the number of consecutive poor samples before a
	// downgrade recommendation fires.
	PoorStreak int
	// Cooldown is the minimum gap between adaptation recommendations.
	Cooldown time.Duration
	// PersistSamples writes per-sample reports through the call store.
	PersistSamples bool
}

// RecordingConfig configures optional call archival.
type RecordingConfig struct {
	Enabled bool
	Dir     string
}

// PushConfig configures the FCM dispatcher.
type PushConfig struct {
	Enabled         bool
	CredentialsFile string // service account JSON
	ProjectID       string
	TokenSealKey    string // base64 AES-256 key for device tokens at rest
}

// DirectoryConfig configures profile lookups and avatar storage.
type DirectoryConfig struct {
	CacheTTL time.Duration

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOUseSSL    bool
	AvatarBucket   string
	PresignExpiry  time.Duration
}

// APIConfig configures the local control surface.
type APIConfig struct {
	ListenAddr string
	// CallStartRate limits call-start requests per IP per window.
	CallStartRate   int
	CallStartWindow time.Duration
	AllowedOrigins  []string
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		LogMode: "development",
		User: UserConfig{
			DisplayName: "anonymous",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "calls",
			Username:        "calls",
			SSLMode:         "disable",
			MaxConnections:  25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Signaling: SignalingConfig{
			Backend:         "memory",
			SubscribeBuffer: 64,
		},
		ICE: ICEConfig{
			STUNURLs:      []string{"stun:stun.l.google.com:19302", "stun:stun1.l.google.com:19302"},
			Realm:         "calls",
			CredentialTTL: 10 * time.Minute,
			FetchTimeout:  3 * time.Second,
		},
		Relay: RelayConfig{
			Port:      3478,
			Realm:     "calls",
			ThreadNum: 4,
		},
		Media: MediaConfig{
			DeviceClass:      "auto",
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
		},
		Calls: CallsConfig{
			MaxGroupParticipants: 8,
		},
		Quality: QualityConfig{
			Interval:    2 * time.Second,
			InitialTier: "auto",
			PoorStreak:  3,
			Cooldown:    10 * time.Second,
		},
		Recording: RecordingConfig{
			Dir: "recordings/",
		},
		Directory: DirectoryConfig{
			CacheTTL:      5 * time.Minute,
			AvatarBucket:  "avatars",
			PresignExpiry: time.Hour,
		},
		API: APIConfig{
			ListenAddr:      "localhost:8089",
			CallStartRate:   10,
			CallStartWindow: time.Minute,
			AllowedOrigins:  []string{"http://localhost:3000", "http://localhost:8080"},
		},
	}
}

// Load builds the configuration from the environment on top of defaults.
// A .env file in the working directory is honored when present.
func Load() (*Config, error) {
	// Missing .env is fine; explicit env vars still apply.
	_ = godotenv.Load()

	cfg := NewDefaultConfig()

	cfg.LogMode = getEnv("CALLD_LOG_MODE", cfg.LogMode)

	cfg.User.ID = getEnv("CALLD_USER_ID", cfg.User.ID)
	cfg.User.DisplayName = getEnv("CALLD_USER_NAME", cfg.User.DisplayName)
	cfg.User.AuthToken = getEnv("CALLD_AUTH_TOKEN", cfg.User.AuthToken)
	cfg.User.JWTSecret = getEnv("CALLD_JWT_SECRET", cfg.User.JWTSecret)

	cfg.Postgres.Host = getEnv("CALLD_PG_HOST", cfg.Postgres.Host)
	cfg.Postgres.Port = getEnvAsInt("CALLD_PG_PORT", cfg.Postgres.Port)
	cfg.Postgres.Database = getEnv("CALLD_PG_DATABASE", cfg.Postgres.Database)
	cfg.Postgres.Username = getEnv("CALLD_PG_USER", cfg.Postgres.Username)
	cfg.Postgres.Password = getEnv("CALLD_PG_PASSWORD", cfg.Postgres.Password)
	cfg.Postgres.SSLMode = getEnv("CALLD_PG_SSLMODE", cfg.Postgres.SSLMode)
	cfg.Postgres.MaxConnections = getEnvAsInt("CALLD_PG_MAX_CONNS", cfg.Postgres.MaxConnections)

	cfg.Redis.Addr = getEnv("CALLD_REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("CALLD_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("CALLD_REDIS_DB", cfg.Redis.DB)

	cfg.Signaling.Backend = getEnv("CALLD_SIGNALING_BACKEND", cfg.Signaling.Backend)
	cfg.Signaling.WebSocketURL = getEnv("CALLD_SIGNALING_WS_URL", cfg.Signaling.WebSocketURL)
	cfg.Signaling.SubscribeBuffer = getEnvAsInt("CALLD_SIGNALING_BUFFER", cfg.Signaling.SubscribeBuffer)

	cfg.ICE.STUNURLs = getEnvAsSlice("CALLD_STUN_URLS", cfg.ICE.STUNURLs)
	cfg.ICE.TURNURLs = getEnvAsSlice("CALLD_TURN_URLS", cfg.ICE.TURNURLs)
	cfg.ICE.CredentialURL = getEnv("CALLD_TURN_CREDENTIAL_URL", cfg.ICE.CredentialURL)
	cfg.ICE.SharedSecret = getEnv("CALLD_TURN_SECRET", cfg.ICE.SharedSecret)
	cfg.ICE.Realm = getEnv("CALLD_TURN_REALM", cfg.ICE.Realm)
	cfg.ICE.CredentialTTL = getEnvAsDuration("CALLD_TURN_CREDENTIAL_TTL", cfg.ICE.CredentialTTL)
	cfg.ICE.FetchTimeout = getEnvAsDuration("CALLD_TURN_FETCH_TIMEOUT", cfg.ICE.FetchTimeout)
	cfg.ICE.NAT1To1IP = getEnv("CALLD_NAT_1TO1_IP", cfg.ICE.NAT1To1IP)

	cfg.Relay.Enabled = getEnvAsBool("CALLD_RELAY_ENABLED", cfg.Relay.Enabled)
	cfg.Relay.Port = getEnvAsInt("CALLD_RELAY_PORT", cfg.Relay.Port)
	cfg.Relay.PublicIP = getEnv("CALLD_RELAY_PUBLIC_IP", cfg.Relay.PublicIP)
	cfg.Relay.Realm = getEnv("CALLD_RELAY_REALM", cfg.Relay.Realm)
	cfg.Relay.ThreadNum = getEnvAsInt("CALLD_RELAY_THREADS", cfg.Relay.ThreadNum)

	cfg.Media.DeviceClass = getEnv("CALLD_DEVICE_CLASS", cfg.Media.DeviceClass)
	cfg.Media.EchoCancellation = getEnvAsBool("CALLD_AUDIO_ECHO_CANCEL", cfg.Media.EchoCancellation)
	cfg.Media.NoiseSuppression = getEnvAsBool("CALLD_AUDIO_NOISE_SUPPRESS", cfg.Media.NoiseSuppression)
	cfg.Media.AutoGainControl = getEnvAsBool("CALLD_AUDIO_AUTO_GAIN", cfg.Media.AutoGainControl)

	cfg.Calls.MaxGroupParticipants = getEnvAsInt("CALLD_MAX_GROUP_PARTICIPANTS", cfg.Calls.MaxGroupParticipants)

	cfg.Quality.Interval = getEnvAsDuration("CALLD_QUALITY_INTERVAL", cfg.Quality.Interval)
	cfg.Quality.InitialTier = getEnv("CALLD_QUALITY_TIER", cfg.Quality.InitialTier)
	cfg.Quality.PoorStreak = getEnvAsInt("CALLD_QUALITY_POOR_STREAK", cfg.Quality.PoorStreak)
	cfg.Quality.Cooldown = getEnvAsDuration("CALLD_QUALITY_COOLDOWN", cfg.Quality.Cooldown)
	cfg.Quality.PersistSamples = getEnvAsBool("CALLD_QUALITY_PERSIST", cfg.Quality.PersistSamples)

	cfg.Recording.Enabled = getEnvAsBool("CALLD_RECORDING_ENABLED", cfg.Recording.Enabled)
	cfg.Recording.Dir = getEnv("CALLD_RECORDING_DIR", cfg.Recording.Dir)

	cfg.Push.Enabled = getEnvAsBool("CALLD_PUSH_ENABLED", cfg.Push.Enabled)
	cfg.Push.CredentialsFile = getEnv("CALLD_PUSH_CREDENTIALS", cfg.Push.CredentialsFile)
	cfg.Push.ProjectID = getEnv("CALLD_PUSH_PROJECT_ID", cfg.Push.ProjectID)
	cfg.Push.TokenSealKey = getEnv("CALLD_PUSH_TOKEN_KEY", cfg.Push.TokenSealKey)

	cfg.Directory.CacheTTL = getEnvAsDuration("CALLD_DIRECTORY_CACHE_TTL", cfg.Directory.CacheTTL)
	cfg.Directory.MinIOEndpoint = getEnv("CALLD_MINIO_ENDPOINT", cfg.Directory.MinIOEndpoint)
	cfg.Directory.MinIOAccessKey = getEnv("CALLD_MINIO_ACCESS_KEY", cfg.Directory.MinIOAccessKey)
	cfg.Directory.MinIOSecretKey = getEnv("CALLD_MINIO_SECRET_KEY", cfg.Directory.MinIOSecretKey)
	cfg.Directory.MinIOUseSSL = getEnvAsBool("CALLD_MINIO_USE_SSL", cfg.Directory.MinIOUseSSL)
	cfg.Directory.AvatarBucket = getEnv("CALLD_AVATAR_BUCKET", cfg.Directory.AvatarBucket)

	cfg.API.ListenAddr = getEnv("CALLD_API_ADDR", cfg.API.ListenAddr)
	cfg.API.CallStartRate = getEnvAsInt("CALLD_API_CALL_RATE", cfg.API.CallStartRate)
	cfg.API.AllowedOrigins = getEnvAsSlice("CALLD_API_ORIGINS", cfg.API.AllowedOrigins)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ---- env helpers ----

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvAsBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getEnvAsSlice(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
