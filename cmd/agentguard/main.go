// Package main provides the entry point for AgentGuard, a security scanner
// and cross-layer correlation engine for AI agent codebases.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/agentguard/internal/alerting"
	"github.com/lvonguyen/agentguard/internal/config"
	"github.com/lvonguyen/agentguard/internal/correlation"
	"github.com/lvonguyen/agentguard/internal/eventstore"
	"github.com/lvonguyen/agentguard/internal/ingest"
	"github.com/lvonguyen/agentguard/internal/mitre"
	"github.com/lvonguyen/agentguard/internal/observability"
	"github.com/lvonguyen/agentguard/internal/rules"
	"github.com/lvonguyen/agentguard/internal/rulesync"
	"github.com/lvonguyen/agentguard/internal/sbom"
	"github.com/lvonguyen/agentguard/internal/scanner"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "scan":
		os.Exit(runScan(os.Args[2:]))
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "version", "-version", "--version":
		fmt.Printf("AgentGuard %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `AgentGuard %s

Usage:
  agentguard scan [flags] <path>    Scan a codebase and print the result as JSON
  agentguard serve [flags]          Run the event ingestion and correlation server
  agentguard version                Print version information

Run "agentguard scan -h" or "agentguard serve -h" for flags.
`, Version)
}

// runScan executes a one-shot filesystem scan. Exit codes: 0 clean, 1 error,
// 2 critical findings present with -fail-on-critical.
func runScan(args []string) int {
	fs := flag.NewFlagSet("scan", flag.ExitOnError)
	rulesDir := fs.String("rules", "", "Directory of rule overlay YAML files")
	minSeverity := fs.String("min-severity", "", "Drop findings below this severity (LOW, MEDIUM, HIGH, CRITICAL)")
	audit := fs.Bool("audit", true, "Audit dependency manifests against known vulnerabilities")
	trustAnchor := fs.String("trust-anchor", "", "Path to an ed25519 public key (hex) for signature verification")
	sbomPath := fs.String("sbom", "", "Also write a CycloneDX-style SBOM to this path")
	failOnCritical := fs.Bool("fail-on-critical", false, "Exit with code 2 if any critical finding is present")
	logLevel := fs.String("log-level", "warn", "Log level (debug, info, warn, error)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "scan: exactly one path is required")
		return 1
	}
	root := fs.Arg(0)

	minSev := rules.Severity(strings.ToUpper(*minSeverity))
	if *minSeverity != "" && !minSev.IsValid() {
		fmt.Fprintf(os.Stderr, "scan: invalid -min-severity %q (use LOW, MEDIUM, HIGH, or CRITICAL)\n", *minSeverity)
		return 1
	}

	logger, err := observability.NewLogger(observability.LoggerConfig{
		Level: *logLevel, Format: "console", Service: "agentguard", Version: Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		return 1
	}
	defer logger.Sync()

	store, err := rules.Load(*rulesDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan: loading rules: %v\n", err)
		return 1
	}

	var verifier scanner.Verifier
	if *trustAnchor != "" {
		v, err := scanner.NewEd25519Verifier(*trustAnchor)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
			return 1
		}
		verifier = v
	}

	defaults := config.DefaultConfig().Scanner
	sc := scanner.New(store, scanner.Config{
		Extensions:      defaults.Extensions,
		SkipDirs:        defaults.SkipDirs,
		Workers:         defaults.Workers,
		MaxFileSize:     defaults.MaxFileSize,
		MinSeverity:     minSev,
		DependencyAudit: *audit,
	}, verifier, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := sc.Scan(ctx, root)
	if err != nil {
		if errors.Is(err, scanner.ErrPathNotFound) {
			fmt.Fprintf(os.Stderr, "scan: path not found: %s\n", root)
		} else {
			fmt.Fprintf(os.Stderr, "scan: %v\n", err)
		}
		return 1
	}

	if *sbomPath != "" {
		bom, err := sbom.Generate(root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan: generating sbom: %v\n", err)
			return 1
		}
		data, _ := json.MarshalIndent(bom, "", "  ")
		if err := os.WriteFile(*sbomPath, append(data, '\n'), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "scan: writing sbom: %v\n", err)
			return 1
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "scan: encoding result: %v\n", err)
		return 1
	}

	if *failOnCritical && result.HasCritical() {
		return 2
	}
	return 0
}

// runServe starts the HTTP ingestion server with the correlation engine and
// alert dispatch wired behind it.
func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "configs/config.yaml", "Path to config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		// A missing config file falls back to defaults; anything else is fatal.
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			return 1
		}
		cfg = config.DefaultConfig()
	}

	logger, err := observability.NewLogger(observability.LoggerConfig{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "agentguard",
		Version: Version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting agentguard",
		zap.String("version", Version), zap.String("config", *configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event store: Redis when enabled, in-memory otherwise.
	var store correlation.Store
	if cfg.Redis.Enabled {
		redisStore, err := eventstore.NewRedis(cfg.Redis)
		if err != nil {
			logger.Error("redis unavailable", zap.Error(err))
			return 1
		}
		defer redisStore.Close()
		store = redisStore
		logger.Info("using redis event store", zap.String("addr", cfg.Redis.Addr))
	} else {
		store = eventstore.NewMemory()
		logger.Info("using in-memory event store")
	}

	// Alert sinks.
	var sinks []alerting.Sink
	if cfg.Alerting.EnableLogSink {
		sinks = append(sinks, alerting.NewLogSink(logger))
	}
	if cfg.Alerting.NATS.Enabled {
		natsSink, err := alerting.NewNATSSink(cfg.Alerting.NATS.URL, cfg.Alerting.NATS.SubjectPrefix)
		if err != nil {
			logger.Error("nats unavailable", zap.Error(err))
			return 1
		}
		defer natsSink.Close()
		sinks = append(sinks, natsSink)
		logger.Info("nats alert sink connected", zap.String("url", cfg.Alerting.NATS.URL))
	}

	attack := mitre.NewAttackFramework()
	dispatcher := alerting.NewDispatcher(alerting.DispatcherConfig{
		MinSeverity:    rules.Severity(cfg.Alerting.MinSeverity),
		CooldownWindow: cfg.Alerting.CooldownWindow.Std(),
	}, attack, logger, sinks...)

	ruleSet, err := correlation.LoadRules(cfg.Rules.OverlayDir)
	if err != nil {
		logger.Error("loading correlation rules", zap.Error(err))
		return 1
	}

	engine, err := correlation.NewEngine(store, ruleSet, cfg.Correlation.DedupRetention.Std(),
		dispatcher.Dispatch, logger)
	if err != nil {
		logger.Error("building correlation engine", zap.Error(err))
		return 1
	}

	// Scanner backing the on-demand scan endpoint.
	scanRules, err := rules.Load(cfg.Scanner.RulesDir)
	if err != nil {
		logger.Error("loading scan rules", zap.Error(err))
		return 1
	}
	var verifier scanner.Verifier
	if cfg.Scanner.TrustAnchorPath != "" {
		v, err := scanner.NewEd25519Verifier(cfg.Scanner.TrustAnchorPath)
		if err != nil {
			logger.Error("loading trust anchor", zap.Error(err))
			return 1
		}
		verifier = v
	}
	sc := scanner.New(scanRules, scanner.Config{
		Extensions:      cfg.Scanner.Extensions,
		SkipDirs:        cfg.Scanner.SkipDirs,
		Workers:         cfg.Scanner.Workers,
		MaxFileSize:     cfg.Scanner.MaxFileSize,
		DependencyAudit: true,
	}, verifier, logger)

	// Optional git sync of the rule overlay repository.
	if cfg.Rules.Sync.Enabled {
		syncDir := filepath.Join(cfg.Rules.OverlayDir, "remote")
		syncer, err := rulesync.NewSyncer(cfg.Rules.Sync, syncDir,
			func(ctx context.Context, dir string) error {
				ruleSet, err := correlation.LoadRules(dir)
				if err != nil {
					return err
				}
				return engine.SetRules(ruleSet)
			}, logger)
		if err != nil {
			logger.Error("rule sync unavailable", zap.Error(err))
			return 1
		}
		go syncer.Run(ctx)
	}

	receiver := ingest.NewReceiver(cfg.Server, engine, sc, logger)
	router := buildRouter(cfg, engine, receiver, attack)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	logger.Info("server stopped")
	return 0
}

func buildRouter(cfg *config.Config, engine *correlation.Engine, receiver *ingest.Receiver, attack *mitre.AttackFramework) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
	})
	r.Get("/ready", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/ingest", receiver.Routes())

		r.Get("/rules", func(w http.ResponseWriter, _ *http.Request) {
			ruleSet := engine.Rules()
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"rules": ruleSet,
				"count": len(ruleSet),
			})
		})

		r.Post("/rules/reload", func(w http.ResponseWriter, req *http.Request) {
			ruleSet, err := correlation.LoadRules(cfg.Rules.OverlayDir)
			if err == nil {
				err = engine.SetRules(ruleSet)
			}
			if err != nil {
				writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"status": "reloaded",
				"count":  len(ruleSet),
			})
		})

		r.Get("/mitre/mappings", func(w http.ResponseWriter, _ *http.Request) {
			data, err := mitre.ExportMappingsToJSON(attack.Mappings())
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
		})

		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"engine":   engine.Stats(),
				"receiver": receiver.Stats(),
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
