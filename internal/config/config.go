package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/consultly/auth-service/internal/domain"
)

// Session creation policies when the concurrent session cap is reached.
const (
	SessionPolicyEvictOldest = "evict_oldest"
	SessionPolicyRefuse      = "refuse"
)

// Config contains runtime configuration values. Components receive it at
// construction; there are no ambient singletons.
type Config struct {
	Environment string
	HTTPPort    string
	ServiceName string
	Issuer      string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AdminEmail    string
	AdminPassword string

	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	RefreshTokenBytes int

	RequireEmailVerification bool

	MaxLoginAttempts   int
	LoginLockDuration  time.Duration
	LoginRateLimit     int
	LoginRateWindow    time.Duration
	RegisterRateLimit  int
	RegisterRateWindow time.Duration
	RateLimitRPM       int

	ChallengeTTL    time.Duration
	SetupTTL        time.Duration
	DeliveryCodeTTL time.Duration
	SMSDailyCap     int
	EmailDailyCap   int

	MaxConcurrentSessions int
	SessionPolicy         string
	SessionTTL            time.Duration
	SessionIdleTimeout    time.Duration
	TrustedDeviceTTL      time.Duration

	TelemetryEndpoint string
	TelemetryInsecure bool

	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool

	NotifyWebhookURL string

	OAuthRedirectBaseURL string
	OAuthProviders       []domain.OAuthProviderConfig
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		ServiceName: getEnv("SERVICE_NAME", "consultly-auth"),
		Issuer:      getEnv("TOKEN_ISSUER", "https://auth.consultly.io"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		AdminEmail:    strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword: strings.TrimSpace(os.Getenv("ADMIN_PASSWORD")),

		AccessTokenTTL:    getDuration("ACCESS_TOKEN_TTL", 24*time.Hour),
		RefreshTokenTTL:   getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		RefreshTokenBytes: getInt("REFRESH_TOKEN_BYTES", 32),

		RequireEmailVerification: getBool("REQUIRE_EMAIL_VERIFICATION", false),

		MaxLoginAttempts:   getInt("MAX_LOGIN_ATTEMPTS", 5),
		LoginLockDuration:  getDuration("LOGIN_LOCK_DURATION", 15*time.Minute),
		LoginRateLimit:     getInt("LOGIN_RATE_LIMIT", 10),
		LoginRateWindow:    getDuration("LOGIN_RATE_WINDOW", 15*time.Minute),
		RegisterRateLimit:  getInt("REGISTER_RATE_LIMIT", 5),
		RegisterRateWindow: getDuration("REGISTER_RATE_WINDOW", time.Hour),
		RateLimitRPM:       getInt("RATE_LIMIT_RPM", 600),

		ChallengeTTL:    getDuration("MFA_CHALLENGE_TTL", 5*time.Minute),
		SetupTTL:        getDuration("MFA_SETUP_TTL", 10*time.Minute),
		DeliveryCodeTTL: getDuration("MFA_CODE_TTL", 10*time.Minute),
		SMSDailyCap:     getInt("MFA_SMS_DAILY_CAP", 10),
		EmailDailyCap:   getInt("MFA_EMAIL_DAILY_CAP", 20),

		MaxConcurrentSessions: getInt("MAX_CONCURRENT_SESSIONS", 5),
		SessionPolicy:         getEnv("SESSION_POLICY", SessionPolicyEvictOldest),
		SessionTTL:            getDuration("SESSION_TTL", 30*24*time.Hour),
		SessionIdleTimeout:    getDuration("SESSION_IDLE_TIMEOUT", 7*24*time.Hour),
		TrustedDeviceTTL:      getDuration("TRUSTED_DEVICE_TTL", 30*24*time.Hour),

		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),

		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),

		NotifyWebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),

		OAuthRedirectBaseURL: getEnv("OAUTH_REDIRECT_BASE_URL", "http://localhost:8080"),
	}

	cfg.OAuthProviders = loadOAuthProviders()

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.RefreshTokenBytes < 32 {
		cfg.RefreshTokenBytes = 32
	}
	if cfg.SessionPolicy != SessionPolicyRefuse {
		cfg.SessionPolicy = SessionPolicyEvictOldest
	}

	return cfg, nil
}

// wellKnownProviders carries endpoint defaults so deployments only need to
// supply credentials for the usual providers.
var wellKnownProviders = []domain.OAuthProviderConfig{
	{
		Provider:    "google",
		DisplayName: "Google",
		AuthURL:     "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:    "https://oauth2.googleapis.com/token",
		UserInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		Scopes:      []string{"openid", "email", "profile"},
	},
	{
		Provider:    "github",
		DisplayName: "GitHub",
		AuthURL:     "https://github.com/login/oauth/authorize",
		TokenURL:    "https://github.com/login/oauth/access_token",
		UserInfoURL: "https://api.github.com/user",
		Scopes:      []string{"read:user", "user:email"},
	},
	{
		Provider:    "microsoft",
		DisplayName: "Microsoft",
		AuthURL:     "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL:    "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		UserInfoURL: "https://graph.microsoft.com/oidc/userinfo",
		Scopes:      []string{"openid", "email", "profile"},
	},
}

// loadOAuthProviders enables a provider when its client credentials are set.
// Endpoint URLs and scopes can be overridden per provider.
func loadOAuthProviders() []domain.OAuthProviderConfig {
	var providers []domain.OAuthProviderConfig
	for _, p := range wellKnownProviders {
		prefix := "OAUTH_" + strings.ToUpper(p.Provider) + "_"
		clientID := strings.TrimSpace(os.Getenv(prefix + "CLIENT_ID"))
		clientSecret := strings.TrimSpace(os.Getenv(prefix + "CLIENT_SECRET"))
		if clientID == "" || clientSecret == "" {
			continue
		}
		p.ClientID = clientID
		p.ClientSecret = clientSecret
		p.AuthURL = getEnv(prefix+"AUTH_URL", p.AuthURL)
		p.TokenURL = getEnv(prefix+"TOKEN_URL", p.TokenURL)
		p.UserInfoURL = getEnv(prefix+"USERINFO_URL", p.UserInfoURL)
		p.Scopes = getList(prefix+"SCOPES", p.Scopes)
		providers = append(providers, p)
	}
	return providers
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}
