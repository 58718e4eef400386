package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// If true, /readyz returns 503 unless the database is configured and
	// reachable.
	ReadinessRequireDB bool

	// Session Authenticator settings. The identity collaborator issues tokens
	// with the same secret and issuer.
	JWTSecret string
	JWTIssuer string
	TokenTTL  time.Duration

	// If true, SERVICHAT_JWT_SECRET must be at least 32 bytes.
	RequireStrongSecret bool

	// WebSocket gateway policy.
	WSOriginRequired bool
	WSOrigins        []string
	WSSendQueue      int
	WSRateEvents     int
	WSRateWindow     time.Duration

	PersistTimeout time.Duration

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Dev-only seed for the in-memory store: "id:name,id:name".
	DevUsers []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("SERVICHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("SERVICHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("SERVICHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("SERVICHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("SERVICHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("SERVICHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("SERVICHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("SERVICHAT_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("SERVICHAT_DATABASE_URL", ""),
		DBSchema:    EnvString("SERVICHAT_DB_SCHEMA", "chat"),
		DBMaxConns:  EnvInt32("SERVICHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("SERVICHAT_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("SERVICHAT_READINESS_REQUIRE_DB", false),

		JWTSecret: EnvString("SERVICHAT_JWT_SECRET", ""),
		JWTIssuer: EnvString("SERVICHAT_JWT_ISSUER", "servichat"),
		TokenTTL:  EnvDuration("SERVICHAT_TOKEN_TTL", 24*time.Hour),

		RequireStrongSecret: EnvBool("SERVICHAT_REQUIRE_STRONG_SECRET", false),

		WSOriginRequired: EnvBool("SERVICHAT_WS_ORIGIN_REQUIRED", false),
		WSOrigins:        EnvStringSlice("SERVICHAT_WS_ORIGINS", nil),
		WSSendQueue:      EnvInt("SERVICHAT_WS_SEND_QUEUE", 256),
		WSRateEvents:     EnvInt("SERVICHAT_WS_RATE_EVENTS", 120),
		WSRateWindow:     EnvDuration("SERVICHAT_WS_RATE_WINDOW", 10*time.Second),

		PersistTimeout: EnvDuration("SERVICHAT_PERSIST_TIMEOUT", 5*time.Second),

		CORSAllowedOrigins:   EnvStringSlice("SERVICHAT_CORS_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("SERVICHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("SERVICHAT_CORS_MAX_AGE", 600),

		DevUsers: EnvStringSlice("SERVICHAT_DEV_USERS", nil),
	}
}
