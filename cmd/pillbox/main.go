// Command pillbox serves the prescription-scan and medication-reminder API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/pillbox/internal/app"
	"github.com/MrWong99/pillbox/internal/config"
	"github.com/MrWong99/pillbox/internal/extraction"
	"github.com/MrWong99/pillbox/internal/observe"
	"github.com/MrWong99/pillbox/pkg/provider/extract"
	"github.com/MrWong99/pillbox/pkg/provider/extract/anyllm"
	"github.com/MrWong99/pillbox/pkg/provider/extract/gemini"
	"github.com/MrWong99/pillbox/pkg/provider/extract/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	scanPath := flag.String("scan", "", "extract medicines from this text file (\"-\" for stdin), print the result as JSON and exit")
	watch := flag.Duration("watch", 5*time.Second, "config file poll interval; 0 disables hot reload")
	flag.Parse()

	// Keys usually live in .env and are referenced as ${VAR} from the YAML.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "pillbox: .env: %v\n", err)
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "pillbox: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "pillbox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("pillbox starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Extraction backend ────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinExtractors(reg)

	extractor, err := reg.Create(cfg.Extraction)
	if err != nil {
		slog.Error("failed to build extraction provider", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	opts := []app.Option{
		app.WithMetricsHandler(tel.MetricsHandler),
		app.WithLevelVar(level),
	}
	if *watch > 0 && *scanPath == "" {
		opts = append(opts, app.WithConfigWatch(*configPath, *watch))
	}

	if *scanPath == "" {
		printStartupSummary(cfg)
	}

	application, err := app.New(ctx, cfg, extractor, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	code := 0
	if *scanPath != "" {
		code = scanOnce(ctx, application, *scanPath)
	} else {
		slog.Info("server ready; press Ctrl+C to shut down")
		if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("run error", "err", err)
			code = 1
		}
		slog.Info("shutdown signal received, stopping…")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// scanOnce runs one extraction over the text at path and prints the result.
// Nothing is saved.
func scanOnce(ctx context.Context, a *app.App, path string) int {
	var (
		text []byte
		err  error
	)
	if path == "-" {
		text, err = io.ReadAll(os.Stdin)
	} else {
		text, err = os.ReadFile(path)
	}
	if err != nil {
		slog.Error("failed to read scan input", "path", path, "err", err)
		return 1
	}

	res, err := a.Pipeline().Run(ctx, string(text))
	if err != nil {
		slog.Error("scan failed", "err", err)
		return 1
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		slog.Error("failed to write result", "err", err)
		return 1
	}
	if len(res.Medicines) == 0 {
		return 2
	}
	return 0
}

// ── Extractor registration ───────────────────────────────────────────────────

func registerBuiltinExtractors(reg *config.Registry) {
	reg.Register(config.ProviderGemini, func(c config.ExtractionConfig) (extract.Provider, error) {
		opts := []gemini.Option{
			gemini.WithTimeouts(c.Timeouts.Connect, c.Timeouts.Read, c.Timeouts.Write),
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		return gemini.New(opts...), nil
	})

	reg.Register(config.ProviderOpenAI, func(c config.ExtractionConfig) (extract.Provider, error) {
		opts := []openai.Option{openai.WithTimeout(c.Timeouts.Total())}
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		return openai.New(opts...), nil
	})

	reg.Register(config.ProviderAnyLLM, func(c config.ExtractionConfig) (extract.Provider, error) {
		var opts []anyllm.Option
		if c.BaseURL != "" {
			opts = append(opts, anyllm.WithBaseURL(c.BaseURL))
		}
		return anyllm.New(c.Vendor, opts...)
	})
}

// ── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	provider := cfg.Extraction.Provider
	if cfg.Extraction.Provider == config.ProviderAnyLLM {
		provider += " / " + cfg.Extraction.Vendor
	}
	anchors := cfg.Schedule.Anchors
	models := cfg.Extraction.Models
	if len(models) == 0 {
		models = extraction.DefaultModels
	}

	fmt.Println("║        Pillbox startup summary        ║")
	fmt.Println("║             Pillbox startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Extraction", provider)
	printRow("Models", strings.Join(models, ","))
	printRow("Credentials", fmt.Sprint(len(cfg.Extraction.Credentials)))
	printRow("Meal anchors", anchors.Morning+" "+anchors.Afternoon+" "+anchors.Night)
	printRow("Push URL", cfg.Schedule.PushURL)
	printRow("Dispenser", cfg.Pillbox.DeviceURL)
	printRow("Store", cfg.Store.Backend())
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s   : %-19s ║\n", label, value)
}
