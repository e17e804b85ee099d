package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names accepted by the *_BACKEND keys
const (
	BackendMemory    = "memory"
	BackendPostgres  = "postgres"
	BackendRedis     = "redis"
	BackendSupabase  = "supabase"
	BackendFirestore = "firestore"
)

var (
	ledgerBackends  = []string{BackendPostgres, BackendRedis, BackendSupabase, BackendFirestore, BackendMemory}
	promptBackends  = []string{BackendPostgres, BackendFirestore, BackendSupabase, BackendMemory}
	markerBackends  = []string{BackendRedis, BackendFirestore, BackendMemory}
	defaultBodySize = 20 << 20
)

// Config aggregates runtime configuration for the gateway process.
type Config struct {
	ListenAddr  string
	MetricsAddr string
	LogLevel    string

	LedgerBackend  string
	PromptsBackend string
	MarkersBackend string
	PromptsFile    string
	PromptsCache   time.Duration

	DatabaseURL            string
	MigrateOnStart         bool
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	SupabaseURL            string
	SupabaseServiceRoleKey string
	FirestoreProjectID     string

	GeminiAPIKey   string
	GeminiBaseURL  string
	DefaultModelID string
	DefaultCost    int
	ModelTimeout   time.Duration

	RefundOnFailure bool
	WelcomeCredits  int

	RevenueCatAPIKey    string
	RequiredEntitlement string

	LedgerBreakerThreshold int
	LedgerBreakerReset     time.Duration

	MaxBodyBytes int64
}

// Load reads configuration from environment variables, applying defaults.
// An env file is loaded first when one exists; real environment variables win.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:  getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),

		LedgerBackend:  strings.ToLower(getEnv("LEDGER_BACKEND", BackendPostgres)),
		PromptsBackend: strings.ToLower(getEnv("PROMPTS_BACKEND", BackendPostgres)),
		MarkersBackend: strings.ToLower(getEnv("MARKERS_BACKEND", BackendMemory)),
		PromptsFile:    os.Getenv("PROMPTS_FILE"),
		PromptsCache:   time.Second * time.Duration(getInt("PROMPTS_CACHE_TTL_SECONDS", 0)),

		DatabaseURL:            os.Getenv("DATABASE_URL"),
		MigrateOnStart:         getBool("MIGRATE_ON_START", false),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                getInt("REDIS_DB", 0),
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		FirestoreProjectID:     os.Getenv("FIRESTORE_PROJECT_ID"),

		GeminiAPIKey:   os.Getenv("GEMINI_API_KEY"),
		GeminiBaseURL:  os.Getenv("GEMINI_BASE_URL"),
		DefaultModelID: getEnv("DEFAULT_MODEL_ID", "gemini-2.5-flash-image"),
		DefaultCost:    getInt("DEFAULT_COST", 3),
		ModelTimeout:   time.Second * time.Duration(getInt("MODEL_TIMEOUT_SECONDS", 120)),

		RefundOnFailure: getBool("REFUND_ON_FAILURE", false),
		WelcomeCredits:  getInt("WELCOME_CREDITS", 0),

		RevenueCatAPIKey:    os.Getenv("REVENUECAT_API_KEY"),
		RequiredEntitlement: strings.TrimSpace(os.Getenv("REQUIRED_ENTITLEMENT")),

		LedgerBreakerThreshold: getInt("LEDGER_BREAKER_THRESHOLD", 5),
		LedgerBreakerReset:     time.Second * time.Duration(getInt("LEDGER_BREAKER_RESET_SECONDS", 30)),

		MaxBodyBytes: int64(getInt("MAX_BODY_BYTES", defaultBodySize)),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Uses reports whether any store is served by backend
func (c Config) Uses(backend string) bool {
	return c.LedgerBackend == backend || c.PromptsBackend == backend || c.MarkersBackend == backend
}

func (c Config) validate() error {
	var problems []string
	if !contains(ledgerBackends, c.LedgerBackend) {
		problems = append(problems, fmt.Sprintf("LEDGER_BACKEND %q not one of %v", c.LedgerBackend, ledgerBackends))
	}
	if !contains(promptBackends, c.PromptsBackend) {
		problems = append(problems, fmt.Sprintf("PROMPTS_BACKEND %q not one of %v", c.PromptsBackend, promptBackends))
	}
	if !contains(markerBackends, c.MarkersBackend) {
		problems = append(problems, fmt.Sprintf("MARKERS_BACKEND %q not one of %v", c.MarkersBackend, markerBackends))
	}
	if c.DefaultCost <= 0 {
		problems = append(problems, "DEFAULT_COST must be positive")
	}
	if c.WelcomeCredits < 0 {
		problems = append(problems, "WELCOME_CREDITS must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	var missing []string
	if c.GeminiAPIKey == "" {
		missing = append(missing, "GEMINI_API_KEY")
	}
	if c.Uses(BackendPostgres) && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Uses(BackendRedis) && c.RedisAddr == "" {
		missing = append(missing, "REDIS_ADDR")
	}
	if c.Uses(BackendSupabase) {
		if c.SupabaseURL == "" {
			missing = append(missing, "SUPABASE_URL")
		}
		if c.SupabaseServiceRoleKey == "" {
			missing = append(missing, "SUPABASE_SERVICE_ROLE_KEY")
		}
	}
	if c.Uses(BackendFirestore) && c.FirestoreProjectID == "" {
		missing = append(missing, "FIRESTORE_PROJECT_ID")
	}
	if c.RequiredEntitlement != "" && c.RevenueCatAPIKey == "" {
		missing = append(missing, "REVENUECAT_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// loadEnvFile loads the first env file found. A missing file is not an error.
func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	return nil
}
