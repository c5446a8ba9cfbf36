package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func clearCriticoEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "CRITICO_") {
			t.Setenv(key, "")
		}
	}
}

func TestLoad_DefaultsPointAtStub(t *testing.T) {
	clearCriticoEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with empty environment: %v", err)
	}
	if !cfg.UsesStub() {
		t.Fatalf("expected stub mode, BaseURL=%q", cfg.BaseURL)
	}
	if cfg.Timeouts.AIBacked <= cfg.Timeouts.Interaction {
		t.Fatalf("AI-backed timeout %v should exceed interaction timeout %v", cfg.Timeouts.AIBacked, cfg.Timeouts.Interaction)
	}
	if cfg.Timeouts.Navigation > cfg.Timeouts.Interaction {
		t.Fatalf("navigation timeout %v should not exceed interaction timeout %v", cfg.Timeouts.Navigation, cfg.Timeouts.Interaction)
	}
}

func TestLoad_DerivesAPIURL(t *testing.T) {
	clearCriticoEnv(t)
	t.Setenv("CRITICO_BASE_URL", "https://critico.example.edu/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BaseURL != "https://critico.example.edu" {
		t.Fatalf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.APIURL != "https://critico.example.edu/api" {
		t.Fatalf("APIURL = %q", cfg.APIURL)
	}
}

func TestLoad_ParsesTimeouts(t *testing.T) {
	clearCriticoEnv(t)
	t.Setenv("CRITICO_NAV_TIMEOUT", "3s")
	t.Setenv("CRITICO_ACTION_TIMEOUT", "8s")
	t.Setenv("CRITICO_AI_TIMEOUT", "90s")
	t.Setenv("CRITICO_POLL_INTERVAL", "250ms")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Timeouts{Navigation: 3 * time.Second, Interaction: 8 * time.Second, AIBacked: 90 * time.Second, PollInterval: 250 * time.Millisecond}
	if cfg.Timeouts != want {
		t.Fatalf("Timeouts = %+v, want %+v", cfg.Timeouts, want)
	}
}

func TestValidate_CollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.BaseURL = "ftp://critico"
	cfg.Teacher.Password = ""
	cfg.Browser = "firefox-webdriver"
	cfg.Timeouts.AIBacked = time.Second

	err := cfg.Validate()
	var validationErr *ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	for _, expected := range []string{"CRITICO_BASE_URL", "CRITICO_TEACHER_PASSWORD", "CRITICO_BROWSER", "CRITICO_AI_TIMEOUT"} {
		if !strings.Contains(err.Error(), expected) {
			t.Errorf("expected error to mention %s, got: %v", expected, err)
		}
	}
}

func testValidate_RejectsNonPositiveTimeouts(t *rapid.T) {
	cfg := Default()
	cfg.Timeouts.Interaction = time.Duration(rapid.Int64Range(-int64(time.Minute), 0).Draw(t, "interaction"))
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for interaction timeout %v", cfg.Timeouts.Interaction)
	}
}

func TestValidate_RejectsNonPositiveTimeouts(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testValidate_RejectsNonPositiveTimeouts)
}

func TestLoadDotEnv_EnvironmentWins(t *testing.T) {
	clearCriticoEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "CRITICO_TEACHER_EMAIL=docente@dotenv.test\nCRITICO_STUDENT_EMAIL=alumno@dotenv.test\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("CRITICO_STUDENT_EMAIL", "alumno@env.test")
	t.Setenv("CRITICO_TEACHER_EMAIL", "")
	os.Unsetenv("CRITICO_TEACHER_EMAIL")

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Teacher.Email != "docente@dotenv.test" {
		t.Fatalf("teacher email = %q, want value from .env", cfg.Teacher.Email)
	}
	if cfg.Student.Email != "alumno@env.test" {
		t.Fatalf("student email = %q, environment should win", cfg.Student.Email)
	}
}

func TestWithBaseURL_RederivesAPIURL(t *testing.T) {
	t.Parallel()

	cfg := Default().WithBaseURL("http://127.0.0.1:4321/")
	if cfg.BaseURL != "http://127.0.0.1:4321" || cfg.APIURL != "http://127.0.0.1:4321/api" {
		t.Fatalf("got base=%q api=%q", cfg.BaseURL, cfg.APIURL)
	}
}
