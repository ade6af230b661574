package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tenderlens/speccheck"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML or JSON)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// Local .env is optional.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("loading .env", "error", err)
	}

	cfg := speccheck.DefaultConfig()
	if *configPath != "" {
		if err := loadConfig(*configPath, &cfg); err != nil {
			slog.Error("loading config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	applyEnv(&cfg)

	apiKey := os.Getenv("SPECCHECK_API_KEY")
	corsOrigins := os.Getenv("SPECCHECK_CORS_ORIGINS")

	engine, err := speccheck.New(cfg)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	h := newHandler(engine)
	mux := http.NewServeMux()

	mux.HandleFunc("POST /corpus", h.handleIngestCorpus)
	mux.HandleFunc("POST /review", h.handleReview)
	mux.HandleFunc("GET /runs", h.handleListRuns)
	mux.HandleFunc("GET /runs/{id}/verdicts", h.handleRunVerdicts)
	mux.HandleFunc("GET /stats", h.handleStats)
	mux.HandleFunc("GET /health", h.handleHealth)

	// Middleware chain: recovery -> cors -> auth -> logging -> mux
	var handler http.Handler = mux
	handler = logMiddleware(handler)
	handler = authMiddleware(apiKey, handler)
	handler = corsMiddleware(corsOrigins, handler)
	handler = recoveryMiddleware(handler)

	srv := &http.Server{
		Addr:         *addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // ingest and review can be long
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}

// loadConfig reads a YAML or JSON config file into cfg.
func loadConfig(path string, cfg *speccheck.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return yaml.Unmarshal(data, cfg)
	}
}

// applyEnv overrides config fields from SPECCHECK_* environment variables.
func applyEnv(cfg *speccheck.Config) {
	if v := os.Getenv("SPECCHECK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	for _, binding := range []struct {
		prefix string
		target *speccheck.LLMConfig
	}{
		{"SPECCHECK_EXTRACTION", &cfg.Extraction},
		{"SPECCHECK_JUDGMENT", &cfg.Judgment},
		{"SPECCHECK_EMBED", &cfg.Embedding},
	} {
		if v := os.Getenv(binding.prefix + "_PROVIDER"); v != "" {
			binding.target.Provider = v
		}
		if v := os.Getenv(binding.prefix + "_MODEL"); v != "" {
			binding.target.Model = v
		}
		if v := os.Getenv(binding.prefix + "_BASE_URL"); v != "" {
			binding.target.BaseURL = v
		}
		if v := os.Getenv(binding.prefix + "_API_KEY"); v != "" {
			binding.target.APIKey = v
		}
		// Fallback: well-known provider env var.
		if binding.target.APIKey == "" && binding.target.Provider == "openai" {
			binding.target.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
}
