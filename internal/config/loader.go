package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references from the environment, decodes the
// YAML, applies defaults and validates the result. An empty document yields
// the all-defaults config.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if n := len(cfg.Extraction.Credentials); n > 0 {
		// An unset ${VAR} expands to "". Such entries are dropped so that one
		// missing key does not stop the service.
		cfg.Extraction.Credentials = slices.DeleteFunc(cfg.Extraction.Credentials, func(c string) bool { return c == "" })
		if dropped := n - len(cfg.Extraction.Credentials); dropped > 0 {
			slog.Warn("dropped empty extraction credentials", "count", dropped)
		}
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Extraction
	e := cfg.Extraction
	if !slices.Contains(ProviderNames, e.Provider) {
		errs = append(errs, fmt.Errorf("extraction.provider %q is invalid; valid values: %v", e.Provider, ProviderNames))
	}
	if e.Provider == ProviderAnyLLM && e.Vendor == "" {
		errs = append(errs, errors.New("extraction.vendor is required when provider is anyllm"))
	}
	if e.Generation.Temperature != nil {
		if t := *e.Generation.Temperature; t < 0 || t > MaxTemperature {
			errs = append(errs, fmt.Errorf("extraction.generation.temperature %.2f is out of range [0, %.1f]", t, MaxTemperature))
		}
	}
	if e.Generation.TopP < 0 || e.Generation.TopP > 1 {
		errs = append(errs, fmt.Errorf("extraction.generation.top_p %.2f is out of range (0, 1]", e.Generation.TopP))
	}
	if e.Generation.TopK < 0 {
		errs = append(errs, fmt.Errorf("extraction.generation.top_k %d must not be negative", e.Generation.TopK))
	}
	if e.Generation.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("extraction.generation.max_output_tokens %d must be positive", e.Generation.MaxOutputTokens))
	}
	seen := make(map[string]int, len(e.Models))
	for i, m := range e.Models {
		if m == "" {
			errs = append(errs, fmt.Errorf("extraction.models[%d] is empty", i))
			continue
		}
		if prev, ok := seen[m]; ok {
			errs = append(errs, fmt.Errorf("extraction.models[%d] %q is a duplicate of extraction.models[%d]", i, m, prev))
		}
		seen[m] = i
	}
	for i, c := range e.Credentials {
		if c == "" {
			errs = append(errs, fmt.Errorf("extraction.credentials[%d] is empty", i))
		}
	}
	if e.BaseURL != "" {
		if err := checkURL(e.BaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("extraction.base_url: %w", err))
		}
	}

	// Schedule
	if _, err := cfg.MealAnchors(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Schedule.PushURL != "" {
		if err := checkURL(cfg.Schedule.PushURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("schedule.push_url: %w", err))
		}
	}
	if cfg.Pillbox.DeviceURL != "" {
		if err := checkURL(cfg.Pillbox.DeviceURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("pillbox.device_url: %w", err))
		}
	}

	// Availability warnings: the service still starts.
	if len(e.Credentials) == 0 {
		slog.Warn("extraction.credentials is empty; every scan will report no credentials")
	}
	if cfg.Store.PostgresDSN != "" && cfg.Store.SQLitePath != "" {
		slog.Warn("store.postgres_dsn and store.sqlite_path are both set; using postgres")
	}
	if cfg.Store.Backend() == "memory" {
		slog.Warn("no store configured; medicines and alarms are lost on restart")
	}

	return errors.Join(errs...)
}

// checkURL reports whether raw is an absolute URL with one of schemes.
func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	if !slices.Contains(schemes, u.Scheme) {
		return fmt.Errorf("%q: scheme must be one of %v", raw, schemes)
	}
	return nil
}
