// Package config loads the settings for one E2E run against CRÍTICO.
// Values come from environment variables, optionally pre-seeded from a .env file.
// An empty CRITICO_BASE_URL means the suites run against the in-process stub backend.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Browser drivers.
const (
	DriverPlaywright = "playwright"
	DriverChromedp   = "chromedp"
)

// Credentials is one role's fixed login.
type Credentials struct {
	Email    string
	Password string
}

// Timeouts holds the per-action-class wait bounds.
type Timeouts struct {
	Navigation   time.Duration // route changes, redirects
	Interaction  time.Duration // clicks, typing, element lookups
	AIBacked     time.Duration // text generation, bias analysis, chatbot replies
	PollInterval time.Duration
}

// Config holds all run configuration.
type Config struct {
	BaseURL string // empty: start the stub backend
	APIURL  string

	Teacher Credentials
	Student Credentials

	Timeouts   Timeouts
	SessionTTL time.Duration // fallback lifetime when the token carries no exp claim

	Browser  string
	Headless bool

	APIRequestsPerSecond float64
	APIBurst             int

	LedgerPath string // empty: in-memory ledger
	ResultsDir string

	ArtifactsBucket   string
	ArtifactsEndpoint string // AWS_ENDPOINT_URL_S3
	ArtifactsRegion   string
	AWSAccessKeyID    string
	AWSSecretKey      string
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Default returns the configuration used when no variables are set.
func Default() *Config {
	return &Config{
		Teacher: Credentials{Email: "profesor@critico.test", Password: "Profesor123!"},
		Student: Credentials{Email: "estudiante@critico.test", Password: "Estudiante123!"},
		Timeouts: Timeouts{
			Navigation:   5 * time.Second,
			Interaction:  10 * time.Second,
			AIBacked:     60 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		SessionTTL:           time.Hour,
		Browser:              DriverPlaywright,
		Headless:             true,
		APIRequestsPerSecond: 20,
		APIBurst:             40,
		ResultsDir:           "./test-results",
		ArtifactsRegion:      "us-east-1",
	}
}

// LoadDotEnv loads variables from the given files when they exist. Variables
// already present in the environment win.
func LoadDotEnv(paths ...string) error {
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load %s: %w", strings.Join(existing, ", "), err)
	}
	return nil
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := Default()

	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("CRITICO_BASE_URL")), "/")
	cfg.APIURL = strings.TrimRight(strings.TrimSpace(os.Getenv("CRITICO_API_URL")), "/")
	if cfg.APIURL == "" && cfg.BaseURL != "" {
		cfg.APIURL = cfg.BaseURL + "/api"
	}

	cfg.Teacher.Email = getEnvOrDefault("CRITICO_TEACHER_EMAIL", cfg.Teacher.Email)
	cfg.Teacher.Password = getEnvOrDefault("CRITICO_TEACHER_PASSWORD", cfg.Teacher.Password)
	cfg.Student.Email = getEnvOrDefault("CRITICO_STUDENT_EMAIL", cfg.Student.Email)
	cfg.Student.Password = getEnvOrDefault("CRITICO_STUDENT_PASSWORD", cfg.Student.Password)

	cfg.Timeouts.Navigation = parseDurationOrDefault("CRITICO_NAV_TIMEOUT", cfg.Timeouts.Navigation)
	cfg.Timeouts.Interaction = parseDurationOrDefault("CRITICO_ACTION_TIMEOUT", cfg.Timeouts.Interaction)
	cfg.Timeouts.AIBacked = parseDurationOrDefault("CRITICO_AI_TIMEOUT", cfg.Timeouts.AIBacked)
	cfg.Timeouts.PollInterval = parseDurationOrDefault("CRITICO_POLL_INTERVAL", cfg.Timeouts.PollInterval)
	cfg.SessionTTL = parseDurationOrDefault("CRITICO_SESSION_TTL", cfg.SessionTTL)

	cfg.Browser = strings.ToLower(getEnvOrDefault("CRITICO_BROWSER", cfg.Browser))
	cfg.Headless = parseBoolOrDefault("CRITICO_HEADLESS", cfg.Headless)

	cfg.APIRequestsPerSecond = parseFloat64OrDefault("CRITICO_API_RPS", cfg.APIRequestsPerSecond)
	cfg.APIBurst = parseIntOrDefault("CRITICO_API_BURST", cfg.APIBurst)

	cfg.LedgerPath = strings.TrimSpace(os.Getenv("CRITICO_LEDGER_PATH"))
	cfg.ResultsDir = getEnvOrDefault("CRITICO_RESULTS_DIR", cfg.ResultsDir)

	cfg.ArtifactsBucket = strings.TrimSpace(os.Getenv("CRITICO_ARTIFACTS_BUCKET"))
	cfg.ArtifactsEndpoint = strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3"))
	cfg.ArtifactsRegion = getEnvOrDefault("AWS_REGION", cfg.ArtifactsRegion)
	cfg.AWSAccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	cfg.AWSSecretKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and consistent.
func (c *Config) Validate() error {
	var errs []string

	if c.BaseURL != "" {
		if err := validateURL(c.BaseURL); err != nil {
			errs = append(errs, "CRITICO_BASE_URL "+err.Error())
		}
	}
	if c.APIURL != "" {
		if err := validateURL(c.APIURL); err != nil {
			errs = append(errs, "CRITICO_API_URL "+err.Error())
		}
	}

	if c.Teacher.Email == "" || c.Teacher.Password == "" {
		errs = append(errs, "CRITICO_TEACHER_EMAIL and CRITICO_TEACHER_PASSWORD must be non-empty")
	}
	if c.Student.Email == "" || c.Student.Password == "" {
		errs = append(errs, "CRITICO_STUDENT_EMAIL and CRITICO_STUDENT_PASSWORD must be non-empty")
	}

	if c.Timeouts.Navigation <= 0 {
		errs = append(errs, "CRITICO_NAV_TIMEOUT must be positive")
	}
	if c.Timeouts.Interaction <= 0 {
		errs = append(errs, "CRITICO_ACTION_TIMEOUT must be positive")
	}
	if c.Timeouts.AIBacked < c.Timeouts.Interaction {
		errs = append(errs, "CRITICO_AI_TIMEOUT must be at least CRITICO_ACTION_TIMEOUT")
	}
	if c.Timeouts.PollInterval <= 0 || c.Timeouts.PollInterval >= c.Timeouts.Interaction {
		errs = append(errs, "CRITICO_POLL_INTERVAL must be positive and shorter than CRITICO_ACTION_TIMEOUT")
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, "CRITICO_SESSION_TTL must be positive")
	}

	if c.Browser != DriverPlaywright && c.Browser != DriverChromedp {
		errs = append(errs, fmt.Sprintf("CRITICO_BROWSER must be %q or %q", DriverPlaywright, DriverChromedp))
	}

	if c.APIRequestsPerSecond <= 0 {
		errs = append(errs, "CRITICO_API_RPS must be positive")
	}
	if c.APIBurst <= 0 {
		errs = append(errs, "CRITICO_API_BURST must be positive")
	}

	if c.ArtifactsBucket != "" && c.ArtifactsEndpoint == "" && c.ArtifactsRegion == "" {
		errs = append(errs, "AWS_REGION or AWS_ENDPOINT_URL_S3 is required when CRITICO_ARTIFACTS_BUCKET is set")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// UsesStub reports whether no external CRÍTICO deployment is configured.
func (c *Config) UsesStub() bool {
	return c.BaseURL == ""
}

// WithBaseURL returns a copy pointed at baseURL, deriving the API URL when it was derived before.
func (c *Config) WithBaseURL(baseURL string) *Config {
	clone := *c
	baseURL = strings.TrimRight(baseURL, "/")
	if c.APIURL == "" || c.APIURL == c.BaseURL+"/api" {
		clone.APIURL = baseURL + "/api"
	}
	clone.BaseURL = baseURL
	return &clone
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("is not a valid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("must use http or https")
	}
	if u.Host == "" {
		return errors.New("must include a host")
	}
	return nil
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// MustLoad loads configuration and panics if validation fails.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
