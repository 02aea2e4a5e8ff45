package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr       string
	RequestTimeout time.Duration
	LogLevel       string
	LogFormat      string
	RedisURL       string

	PlacesAPIKey    string
	PlacesBaseURL   string
	PlacesCacheTTL  time.Duration
	PipelineVersion string
	DefaultRegion   string
	DefaultLanguage string

	SearchCacheTTL time.Duration
	CacheDisabled  bool

	DeliveryProviders []DeliveryProviderConfig
	FoundTTL          time.Duration
	NotFoundTTL       time.Duration
	LockTTL           time.Duration
	JobTimeout        time.Duration
	LookupTimeout     time.Duration
	MaxConcurrentJobs int

	PollInterval time.Duration
	PollMaxWait  time.Duration
}

type DeliveryProviderConfig struct {
	Name      string
	BaseURL   string
	APIKey    string
	RateLimit float64
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:       getEnv("HTTP_ADDR", ":8090"),
		RequestTimeout: time.Duration(getEnvInt("SEARCH_TIMEOUT_SECONDS", 10)) * time.Second,
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:      strings.ToLower(getEnv("LOG_FORMAT", "text")),
		RedisURL:       getEnv("REDIS_URL", ""),

		PlacesAPIKey:    strings.TrimSpace(os.Getenv("PLACES_API_KEY")),
		PlacesBaseURL:   getEnv("PLACES_BASE_URL", "https://places.googleapis.com/v1"),
		PlacesCacheTTL:  time.Duration(getEnvInt("PLACES_CACHE_TTL_MINUTES", 10)) * time.Minute,
		PipelineVersion: getEnv("SEARCH_PIPELINE_VERSION", "v1"),
		DefaultRegion:   getEnv("SEARCH_DEFAULT_REGION", ""),
		DefaultLanguage: getEnv("SEARCH_DEFAULT_LANGUAGE", ""),

		SearchCacheTTL: time.Duration(getEnvInt("SEARCH_CACHE_TTL_MINUTES", 10)) * time.Minute,
		CacheDisabled:  getEnvBool("SEARCH_CACHE_DISABLED", false),

		DeliveryProviders: buildDeliveryProviders(),
		FoundTTL:          time.Duration(getEnvInt("DELIVERY_FOUND_TTL_HOURS", 7*24)) * time.Hour,
		NotFoundTTL:       time.Duration(getEnvInt("DELIVERY_NOT_FOUND_TTL_HOURS", 6)) * time.Hour,
		LockTTL:           time.Duration(getEnvInt("DELIVERY_LOCK_TTL_SECONDS", 45)) * time.Second,
		JobTimeout:        time.Duration(getEnvInt("DELIVERY_JOB_TIMEOUT_SECONDS", 30)) * time.Second,
		LookupTimeout:     time.Duration(getEnvInt("DELIVERY_LOOKUP_TIMEOUT_SECONDS", 8)) * time.Second,
		MaxConcurrentJobs: getEnvInt("DELIVERY_MAX_CONCURRENT_JOBS", 16),

		PollInterval: time.Duration(getEnvInt("POLL_INTERVAL_MS", 2000)) * time.Millisecond,
		PollMaxWait:  time.Duration(getEnvInt("POLL_MAX_WAIT_SECONDS", 60)) * time.Second,
	}
}

// buildDeliveryProviders reads one provider per entry in DELIVERY_PROVIDERS
// (comma separated names); each name then maps to DELIVERY_<NAME>_ENDPOINT,
// DELIVERY_<NAME>_API_KEY and DELIVERY_<NAME>_RPS.
func buildDeliveryProviders() []DeliveryProviderConfig {
	names := strings.Split(getEnv("DELIVERY_PROVIDERS", ""), ",")
	configs := make([]DeliveryProviderConfig, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		prefix := "DELIVERY_" + strings.ToUpper(name)
		baseURL := getEnv(prefix+"_ENDPOINT", "")
		if baseURL == "" {
			continue
		}
		configs = append(configs, DeliveryProviderConfig{
			Name:      name,
			BaseURL:   baseURL,
			APIKey:    strings.TrimSpace(os.Getenv(prefix + "_API_KEY")),
			RateLimit: float64(getEnvInt(prefix+"_RPS", 5)),
		})
	}
	return configs
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
