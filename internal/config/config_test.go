package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEnvOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal string
		expected   string
	}{
		{"uses env value", "TEST_VAR_1", "hello", "default", "hello"},
		{"uses default when empty", "TEST_VAR_2", "", "default", "default"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %q, got %q", tc.expected, result)
			}
		})
	}
}

func TestGetEnvAsIntOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal int
		expected   int
	}{
		{"parses integer", "TEST_INT_1", "42", 10, 42},
		{"uses default for empty", "TEST_INT_2", "", 10, 10},
		{"uses default for non-numeric", "TEST_INT_3", "abc", 10, 10},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				os.Setenv(tc.key, tc.envValue)
				defer os.Unsetenv(tc.key)
			}

			result := getEnvAsIntOrDefault(tc.key, tc.defaultVal)
			if result != tc.expected {
				t.Errorf("Expected %d, got %d", tc.expected, result)
			}
		})
	}
}

func TestMustGetEnv_Panics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("Expected panic for missing required env var")
		}
	}()

	os.Unsetenv("NONEXISTENT_REQUIRED_VAR")
	mustGetEnv("NONEXISTENT_REQUIRED_VAR")
}

func TestMustGetEnv_ReturnsValue(t *testing.T) {
	os.Setenv("TEST_REQUIRED", "value123")
	defer os.Unsetenv("TEST_REQUIRED")

	result := mustGetEnv("TEST_REQUIRED")
	if result != "value123" {
		t.Errorf("Expected 'value123', got %q", result)
	}
}

func TestGetEnvAsFloatOrDefault(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		defaultVal float64
		expected   float64
	}{
		{"parses float", "TEST_FLOAT_1", "0.25", 1, 0.25},
		{"uses default for empty", "TEST_FLOAT_2", "", 1, 1},
		{"uses default for garbage", "TEST_FLOAT_3", "cheap", 1, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.envValue != "" {
				t.Setenv(tc.key, tc.envValue)
			}
			assert.Equal(t, tc.expected, getEnvAsFloatOrDefault(tc.key, tc.defaultVal))
		})
	}
}

func TestGetEnvAsDurationOrDefault(t *testing.T) {
	t.Setenv("TEST_DUR_OK", "90s")
	t.Setenv("TEST_DUR_BAD", "soon")
	t.Setenv("TEST_DUR_NEG", "-5m")

	assert.Equal(t, 90*time.Second, getEnvAsDurationOrDefault("TEST_DUR_OK", time.Minute))
	assert.Equal(t, time.Minute, getEnvAsDurationOrDefault("TEST_DUR_BAD", time.Minute))
	assert.Equal(t, time.Minute, getEnvAsDurationOrDefault("TEST_DUR_NEG", time.Minute))
	assert.Equal(t, time.Minute, getEnvAsDurationOrDefault("TEST_DUR_UNSET", time.Minute))
}

func TestGetEnvAsLocationOrDefault(t *testing.T) {
	t.Setenv("TEST_TZ_BAD", "Mars/Olympus")

	assert.Equal(t, time.UTC, getEnvAsLocationOrDefault("TEST_TZ_UNSET", time.UTC))
	assert.Equal(t, time.UTC, getEnvAsLocationOrDefault("TEST_TZ_BAD", time.UTC))
}

func TestLoad_MemoryStoreDefaults(t *testing.T) {
	t.Setenv("STORE_TYPE", "memory")
	t.Setenv("TEXT_PROVIDER", "openai")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("QUOTA_EDUCATOR", "75")

	cfg := Load()

	require.NotNil(t, cfg)
	assert.Equal(t, "", cfg.DatabaseURL)
	assert.Equal(t, 5, cfg.QuotaLimits["free"])
	assert.Equal(t, 75, cfg.QuotaLimits["educator"])
	assert.Equal(t, 200, cfg.QuotaLimits["premium"])
	assert.Equal(t, time.UTC, cfg.QuotaTimezone)
	assert.Equal(t, 1, cfg.SceneImageConcurrency)
	assert.Equal(t, cfg.FrontendURL, cfg.DownloadBaseURL)
}
