package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds gateway configuration sourced from environment variables.
type Config struct {
	Port          string
	Env           string
	LogLevel      string
	LogFormat     string
	DatabaseURL   string
	CacheURL      string
	PublicBaseURL string

	CarrierAccountSID        string
	CarrierAuthToken         string
	CarrierFromNumber        string
	CarrierBaseURL           string
	CarrierStatusCallbackURL string
	CarrierSignatureHeader   string
	CarrierSendTimeout       time.Duration

	SMSMaxRetries      int
	SMSRetryBase       time.Duration
	SMSRetryMax        time.Duration
	SMSMonthlyBudget   int
	SMSCostTableJSON   string
	RetryTickInterval  time.Duration
	ReconcileInterval  time.Duration
	ReconcileStaleAge  time.Duration
	RetryBatchSize     int

	OnboardingSessionTTL time.Duration
	VerificationCodeTTL  time.Duration
	OptOutWindow         time.Duration
	SignupLinkBaseURL    string
	SignupTokenSecret    string

	AgentURL          string
	AgentCallDeadline time.Duration

	ResolverTTL    time.Duration
	ResolverNegTTL time.Duration
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFormat:     getEnv("LOG_FORMAT", "json"),
		DatabaseURL:   getEnv("DATABASE_URL", ""),
		CacheURL:      getEnv("CACHE_URL", ""),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),

		CarrierAccountSID:        getEnv("CARRIER_ACCOUNT_SID", ""),
		CarrierAuthToken:         getEnv("CARRIER_AUTH_TOKEN", ""),
		CarrierFromNumber:        getEnv("CARRIER_FROM_NUMBER", ""),
		CarrierBaseURL:           getEnv("CARRIER_BASE_URL", "https://api.carrier.example.com"),
		CarrierStatusCallbackURL: getEnv("CARRIER_STATUS_CALLBACK_URL", ""),
		CarrierSignatureHeader:   getEnv("CARRIER_SIGNATURE_HEADER", "X-Carrier-Signature"),
		CarrierSendTimeout:       getEnvAsDuration("CARRIER_SEND_TIMEOUT_SECONDS", 10*time.Second),

		SMSMaxRetries:     getEnvAsInt("SMS_MAX_RETRIES", 3),
		SMSRetryBase:      getEnvAsDuration("SMS_RETRY_BASE_SECONDS", 30*time.Second),
		SMSRetryMax:       getEnvAsDuration("SMS_RETRY_MAX_SECONDS", 30*time.Minute),
		SMSMonthlyBudget:  getEnvAsInt("SMS_MONTHLY_BUDGET", 0),
		SMSCostTableJSON:  getEnv("SMS_COST_TABLE_JSON", ""),
		RetryTickInterval: getEnvAsDuration("SMS_RETRY_TICK_SECONDS", 15*time.Second),
		ReconcileInterval: getEnvAsDuration("SMS_RECONCILE_INTERVAL_SECONDS", 10*time.Minute),
		ReconcileStaleAge: getEnvAsDuration("SMS_RECONCILE_STALE_SECONDS", 24*time.Hour),
		RetryBatchSize:    getEnvAsInt("SMS_RETRY_BATCH_SIZE", 25),

		OnboardingSessionTTL: getEnvAsDuration("ONBOARDING_SESSION_TTL_SECONDS", time.Hour),
		VerificationCodeTTL:  getEnvAsDuration("VERIFICATION_CODE_TTL_SECONDS", 10*time.Minute),
		OptOutWindow:         getEnvAsDuration("OPT_OUT_WINDOW_SECONDS", 30*24*time.Hour),
		SignupLinkBaseURL:    getEnv("SIGNUP_LINK_BASE_URL", ""),
		SignupTokenSecret:    getEnv("SIGNUP_TOKEN_SECRET", ""),

		AgentURL:          getEnv("AGENT_URL", ""),
		AgentCallDeadline: getEnvAsDuration("AGENT_CALL_DEADLINE_SECONDS", 25*time.Second),

		ResolverTTL:    getEnvAsDuration("PHONE_RESOLVER_TTL_SECONDS", 5*time.Minute),
		ResolverNegTTL: getEnvAsDuration("PHONE_RESOLVER_NEG_TTL_SECONDS", 30*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsDuration reads *_SECONDS style variables as integer seconds.
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds < 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
