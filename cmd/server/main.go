package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/liamcoop/claims/events"
	"github.com/liamcoop/claims/internal/config"
	"github.com/liamcoop/claims/internal/logger"
	"github.com/liamcoop/claims/orchestrator"
	"github.com/liamcoop/claims/requirements"
	"github.com/liamcoop/claims/routing"
	"github.com/liamcoop/claims/rules"
	"github.com/liamcoop/claims/sor"
	"github.com/liamcoop/claims/sor/sortest"
	"github.com/liamcoop/claims/workflow"
)

type Server struct {
	db           *sql.DB
	bus          *events.Bus
	decisions    *rules.Engine
	routing      *routing.Engine
	requirements *requirements.Processor
	workflows    *workflow.Engine
	orchestrator *orchestrator.Orchestrator
	router       *chi.Mux
}

// NewServer wires every component. A nil db keeps rules and requirements in
// memory.
func NewServer(cfg *config.Config, db *sql.DB, systems sor.Systems) (*Server, error) {
	bus := events.NewBus(cfg.EventHistorySize)
	bus.Subscribe("*", func(e events.Event) error {
		logger.Debug("event published", "topic", e.Topic, "event_id", e.ID)
		return nil
	})

	var ruleStore rules.RuleStore = rules.NewInMemoryRuleStore()
	var reqStore requirements.Store = requirements.NewInMemoryStore()
	if db != nil {
		ruleStore = rules.NewPostgresRuleStore(db)
		reqStore = requirements.NewPostgresStore(db)
	}
	if err := seedRules(ruleStore, cfg.RulesFile); err != nil {
		return nil, err
	}

	decisions, err := rules.NewEngine(ruleStore,
		rules.WithPublisher(bus),
		rules.WithCache(rules.NewInMemoryRulesCache(rules.CacheConfig{TTL: cfg.RuleCacheTTL})))
	if err != nil {
		return nil, fmt.Errorf("failed to create decision engine: %w", err)
	}

	router, err := routing.NewEngine(cfg.Routing, routing.WithPublisher(bus))
	if err != nil {
		return nil, err
	}

	proc := requirements.NewProcessor(reqStore, decisions, systems.Cases, systems.Documents,
		requirements.WithPublisher(bus))

	workflows, err := workflow.NewEngine(
		workflow.DefaultHandlers(workflow.Dependencies{
			Policies:     systems.Policies,
			Ledger:       systems.Ledger,
			Requirements: proc,
		}),
		workflow.WithPublisher(bus),
		workflow.WithCaseTracker(systems.Cases),
		workflow.WithMaxParallel(cfg.WorkflowMaxParallel),
		workflow.WithHistorySize(cfg.WorkflowHistorySize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow engine: %w", err)
	}

	orch := orchestrator.New(systems, proc, router, cfg.Orchestrator,
		orchestrator.WithPublisher(bus),
		orchestrator.WithPlaybookRunner(workflows))

	s := &Server{
		db:           db,
		bus:          bus,
		decisions:    decisions,
		routing:      router,
		requirements: proc,
		workflows:    workflows,
		orchestrator: orch,
	}
	s.setupRoutes()
	return s, nil
}

// seedRules loads the rule set file, or the default rules, into an empty store.
func seedRules(store rules.RuleStore, rulesFile string) error {
	existing, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list rules: %w", err)
	}
	if len(existing) > 0 {
		logger.Info("using stored rules", "count", len(existing))
		return nil
	}

	set := rules.DefaultRules()
	if rulesFile != "" {
		if set, err = rules.LoadRuleSet(rulesFile); err != nil {
			return fmt.Errorf("failed to load rules file: %w", err)
		}
	}
	added, err := rules.Seed(store, set)
	if err != nil {
		return err
	}
	logger.Info("seeded rules", "count", added, "file", rulesFile)
	return nil
}

// buildSystems returns HTTP clients for every configured collaborator and
// in-memory fakes for the rest.
func buildSystems(cfg *config.Config) sor.Systems {
	systems := sortest.New().Systems()
	client := func(url string) *sor.Client { return sor.NewClient(url, cfg.Client) }

	if cfg.PolicyAPIURL != "" {
		systems.Policies = sor.NewHTTPPolicyRegistry(client(cfg.PolicyAPIURL))
	}
	if cfg.ClaimsAPIURL != "" {
		systems.Ledger = sor.NewHTTPClaimsLedger(client(cfg.ClaimsAPIURL))
	}
	if cfg.CasesAPIURL != "" {
		systems.Cases = sor.NewHTTPCaseTracker(client(cfg.CasesAPIURL))
	}
	if cfg.DocumentsAPIURL != "" {
		systems.Documents = sor.NewHTTPDocumentStore(client(cfg.DocumentsAPIURL))
	}
	if cfg.VerificationAPIURL != "" {
		systems.Verifier = sor.NewHTTPDeathVerifier(client(cfg.VerificationAPIURL))
	}
	if cfg.PolicyCacheTTL > 0 {
		systems.Policies = sor.NewCachedPolicyRegistry(systems.Policies, cfg.PolicyCacheTTL)
	}
	if cfg.UsesFakes() {
		logger.Warn("collaborator URLs missing, using in-memory systems of record for those")
	}
	return systems
}

func openDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func migrateUp(migrationsPath, databaseURL string) error {
	m, err := migrate.New("file://"+migrationsPath, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("invalid configuration", "error", err)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			if err := migrateUp(cfg.MigrationsPath, cfg.DatabaseURL); err != nil {
				logger.Fatal("migration failed", "error", err)
			}
			logger.Info("migrations applied", "path", cfg.MigrationsPath)
		}
		if db, err = openDB(cfg.DatabaseURL); err != nil {
			logger.Fatal("database unavailable", "error", err)
		}
		defer db.Close()
	} else {
		logger.Warn("DATABASE_URL not set, rules and requirements are kept in memory")
	}

	server, err := NewServer(cfg, db, buildSystems(cfg))
	if err != nil {
		logger.Fatal("failed to create server", "error", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 75 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed to start", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	server.bus.Close()
	if err := logger.Shutdown(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "logger shutdown: %v\n", err)
	}
	logger.Info("server stopped")
}
