package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// IssuerURL is the base URL of the external identity issuer. Relay cannot
	// authenticate anyone without it.
	IssuerURL     string
	IssuerTimeout time.Duration

	// SealMasterKey, when set, turns on at-rest sealing of message content.
	SealMasterKey string

	// RedisAddr enables the shared rate limiter; empty means per-instance
	// in-process limiting.
	RedisAddr string

	RoomCreateLimit  int
	RoomCreateWindow time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, RELAY_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and token log
	// digests must be HMAC-based.
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("RELAY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogPretty: EnvBool("RELAY_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RELAY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("RELAY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("RELAY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("RELAY_DB_MIN_CONNS", 0),

		IssuerURL:     EnvString("RELAY_ISSUER_URL", ""),
		IssuerTimeout: EnvDuration("RELAY_ISSUER_TIMEOUT", 10*time.Second),

		SealMasterKey: EnvString("RELAY_SEAL_MASTER_KEY", ""),

		RedisAddr: EnvString("RELAY_REDIS_ADDR", ""),

		RoomCreateLimit:  EnvInt("RELAY_ROOM_CREATE_LIMIT", 10),
		RoomCreateWindow: EnvDuration("RELAY_ROOM_CREATE_WINDOW", time.Minute),

		CORSAllowedOrigins:   EnvStrings("RELAY_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("RELAY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("RELAY_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("RELAY_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("RELAY_REQUIRE_TOKEN_HMAC", false),
	}
}
