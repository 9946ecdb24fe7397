package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Config holds blockflow CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	LogLevel       string        `json:"log_level" validate:"oneof=debug info warn warning error"`
	LogFormat      string        `json:"log_format" validate:"oneof=text json"`
	DBPath         string        `json:"db_path" validate:"required"`
	History        bool          `json:"history"`
	MaxConcurrency int           `json:"max_concurrency" validate:"gte=0"`
	OutputTypes    []string      `json:"output_types" validate:"min=1,dive,required"`
	Tracing        TracingConfig `json:"tracing"`
}

// TracingConfig configures the OTLP exporter.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"service_name" validate:"required"`
	Endpoint    string `json:"endpoint" validate:"omitempty,hostname_port"`
	Insecure    bool   `json:"insecure"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:    "info",
		LogFormat:   "text",
		DBPath:      filepath.Join(blockflowDir(), "blockflow.db"),
		History:     true,
		OutputTypes: []string{"response", "output"},
		Tracing: TracingConfig{
			ServiceName: "blockflow",
		},
	}
}

func blockflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".blockflow"
	}
	return filepath.Join(home, ".blockflow")
}

func settingsPath() string {
	return filepath.Join(blockflowDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

// loadConfigFrom layers the settings file at path and the variables seen by
// getenv over the defaults, then validates the result.
func loadConfigFrom(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Layer 3: env vars override.
	if v := getenv("BLOCKFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := getenv("BLOCKFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}
	if v := getenv("BLOCKFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("BLOCKFLOW_HISTORY"); v != "" {
		cfg.History = isTrue(v)
	}
	if v := getenv("BLOCKFLOW_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrency = n
		}
	}
	if v := getenv("BLOCKFLOW_OUTPUT_TYPES"); v != "" {
		cfg.OutputTypes = splitList(v)
	}
	if v := getenv("BLOCKFLOW_TRACING"); v != "" {
		cfg.Tracing.Enabled = isTrue(v)
	}
	if v := getenv("BLOCKFLOW_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
	}
	if v := getenv("BLOCKFLOW_OTLP_INSECURE"); v != "" {
		cfg.Tracing.Insecure = isTrue(v)
	}

	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func isTrue(v string) bool {
	return v == "true" || v == "1"
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
