package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/fleet-receipts/internal/auth"
	"github.com/zombor/fleet-receipts/internal/capture"
	"github.com/zombor/fleet-receipts/internal/logging"
	"github.com/zombor/fleet-receipts/internal/metrics"
	"github.com/zombor/fleet-receipts/internal/receipt"
	"github.com/zombor/fleet-receipts/internal/resilience"
	"github.com/zombor/fleet-receipts/internal/scanning"
	"github.com/zombor/fleet-receipts/internal/server"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

type classifierConfig struct {
	backend        string
	anthropicURL   string
	anthropicKey   string
	anthropicModel string
	geminiKey      string
	geminiModel    string
	ollamaURL      string
	ollamaModel    string
}

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet("fleet-receipts")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "fleet-receipts.db", "Database file path")
		storagePath    = fs.StringLong("storage", "./receipts", "Receipt image directory")
		ocrURL         = fs.StringLong("ocr-url", "", "OCR service endpoint (required)")
		ocrRate        = fs.Float64Long("ocr-rate", 2, "Maximum OCR requests per second (0 disables the limit)")
		ocrBurst       = fs.IntLong("ocr-burst", 4, "OCR request burst size")
		ocrForwardAuth = fs.BoolLong("ocr-forward-auth", "Send the caller's bearer token to the OCR service")
		backend        = fs.StringLong("classifier", "anthropic", "Classifier backend: 'anthropic', 'gemini', 'ollama' or 'offline'")
		anthropicURL   = fs.StringLong("anthropic-url", "https://api.anthropic.com", "Anthropic API base URL")
		anthropicKey   = fs.StringLong("anthropic-key", "", "Anthropic API key (or set ANTHROPIC_API_KEY env var)")
		anthropicModel = fs.StringLong("anthropic-model", "claude-3-opus-20240229", "Anthropic model name")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llama3.1", "Ollama model name")
		rulesPath      = fs.StringLong("rules", "", "YAML file with offline classifier keywords (optional)")
		recognizeWait  = fs.DurationLong("recognize-timeout", 60*time.Second, "Timeout for one OCR call")
		classifyWait   = fs.DurationLong("classify-timeout", 45*time.Second, "Timeout for classification, including retries")
		saveWait       = fs.DurationLong("save-timeout", 10*time.Second, "Timeout for one record write")
		retryAttempts  = fs.IntLong("classify-attempts", 3, "Attempts per classification before falling back")
		sessionTTL     = fs.DurationLong("session-ttl", time.Hour, "Idle capture sessions are dropped after this long")
		jwtSecret      = fs.StringLong("jwt-secret", "", "HS256 secret; when set, API requests need a bearer token")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		logFormat      = fs.StringLong("log-format", "text", "Log format: 'text' or 'json'")
		logLevel       = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")
		_              = fs.StringLong("config", "", "Config file (optional)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("FLEET_RECEIPTS"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	logger, err := logging.New(os.Stderr, "fleet-receipts", *logFormat, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Initializing database...", "path", *dbPath)
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	slog.Info("Initializing storage...", "path", *storagePath)
	images, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	ocrOpts := []scanning.OCROption{scanning.WithRateLimit(*ocrRate, *ocrBurst)}
	if *ocrForwardAuth {
		ocrOpts = append(ocrOpts, scanning.WithForwardAuth())
	}
	ocr, err := scanning.NewOCRClient(*ocrURL, images, ocrOpts...)
	if err != nil {
		slog.Error("Failed to initialize OCR client", "error", err)
		os.Exit(1)
	}

	rules := scanning.DefaultRules()
	if *rulesPath != "" {
		rules, err = scanning.LoadRules(*rulesPath)
		if err != nil {
			slog.Error("Failed to load classifier rules", "error", err)
			os.Exit(1)
		}
	}

	registry := metrics.New()

	remote, err := newClassifier(ctx, classifierConfig{
		backend:        *backend,
		anthropicURL:   *anthropicURL,
		anthropicKey:   *anthropicKey,
		anthropicModel: *anthropicModel,
		geminiKey:      *geminiKey,
		geminiModel:    *geminiModel,
		ollamaURL:      *ollamaURL,
		ollamaModel:    *ollamaModel,
	})
	if err != nil {
		slog.Error("Failed to initialize classifier", "error", err)
		os.Exit(1)
	}

	var classifier scanning.Classifier
	if remote != nil {
		defer remote.Close()
		policy := resilience.DefaultPolicy()
		policy.MaxAttempts = *retryAttempts
		classifier = scanning.NewRetryingClassifier(
			registry.InstrumentClassifier(*backend, remote),
			resilience.NewExecutor(policy),
			"classify."+*backend,
		)
	}

	pipeline := capture.NewPipeline(registry.InstrumentRecognizer(ocr), classifier, db,
		capture.WithObserver(registry),
		capture.WithObserver(capture.LogObserver{}),
		capture.WithFallback(scanning.NewOfflineClassifier(rules)),
		capture.WithTimeouts(capture.Timeouts{
			Recognize: *recognizeWait,
			Classify:  *classifyWait,
			Save:      *saveWait,
		}),
	)
	manager := capture.NewManager(pipeline, images, *sessionTTL)
	go manager.Run(ctx, time.Minute)

	opts := []server.Option{
		server.WithMetrics(registry),
		server.WithBasicAuth(server.BasicAuth{Username: *authUser, Password: *authPass}),
	}
	if *jwtSecret != "" {
		tokens, err := auth.NewTokens(*jwtSecret, 0)
		if err != nil {
			slog.Error("Failed to initialize tokens", "error", err)
			os.Exit(1)
		}
		opts = append(opts, server.WithTokens(tokens))
		slog.Info("Bearer token auth enabled")
	}
	if *authUser != "" || *authPass != "" {
		slog.Info("Basic auth enabled", "user", *authUser)
	}

	srv := server.NewServer(manager, receipt.NewService(db, images), opts...)

	addr := fmt.Sprintf(":%d", *port)
	errc := make(chan error, 1)
	go func() {
		errc <- srv.Start(addr)
	}()
	slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr), "classifier", *backend, "version", version)

	select {
	case err := <-errc:
		if err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown error", "error", err)
	}
}

// newClassifier builds the remote classifier; offline returns nil so every
// session uses the local heuristics
func newClassifier(ctx context.Context, cfg classifierConfig) (scanning.Classifier, error) {
	switch cfg.backend {
	case "anthropic":
		apiKey := cfg.anthropicKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("anthropic API key is required. Set --anthropic-key flag or ANTHROPIC_API_KEY environment variable")
		}
		slog.Info("Initializing Anthropic classifier...", "model", cfg.anthropicModel)
		return scanning.NewAnthropic(cfg.anthropicURL, apiKey, cfg.anthropicModel)
	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
		}
		slog.Info("Initializing Gemini classifier...", "model", cfg.geminiModel)
		return scanning.NewGemini(ctx, apiKey, cfg.geminiModel)
	case "ollama":
		slog.Info("Initializing Ollama classifier...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		return scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
	case "offline":
		slog.Info("Using offline classifier only")
		return nil, nil
	default:
		return nil, fmt.Errorf("invalid classifier %q (valid: anthropic, gemini, ollama, offline)", cfg.backend)
	}
}
