package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"brokersync/internal/config"
	"brokersync/internal/models"
	"brokersync/internal/store"
	"brokersync/internal/sync"

	"brokersync/internal/broker/schwab"
)

const sessionName = "schwab"

// App holds the application dependencies.
type App struct {
	config       *config.Config
	db           *store.DB
	sessionStore *store.SessionStore
	historyStore *store.HistoryStore
	auth         *schwab.AuthManager
	client       *schwab.Client
	orchestrator *sync.Orchestrator
	autoSync     *sync.AutoSync
	router       *chi.Mux
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.New()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize database
	db, err := store.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations completed")

	encryptor, err := store.NewEncryptor(cfg.EncryptionSecret)
	if err != nil {
		log.Fatalf("Failed to create encryptor: %v", err)
	}
	sessionStore := store.NewSessionStore(db, encryptor)
	historyStore := store.NewHistoryStore(db)

	// Broker auth and transport
	auth := schwab.NewAuthManager(schwab.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		Scopes:       cfg.Scopes,
		Environment:  cfg.Environment,
	})

	// Restore a persisted session so a restart does not force re-authorization
	if saved, err := sessionStore.Load(sessionName); err != nil {
		log.Printf("[Main] Failed to load saved session: %v", err)
	} else if saved != nil && saved.RefreshToken != "" {
		auth.Restore(*saved)
		log.Println("[Main] Restored broker session from store")
	}

	transport := schwab.NewTransport(auth, schwab.TransportConfig{
		Limits: map[schwab.Category]int{
			schwab.CategoryQuotes:       cfg.RateLimits.Quotes,
			schwab.CategoryPriceHistory: cfg.RateLimits.PriceHistory,
			schwab.CategoryMarketData:   cfg.RateLimits.MarketData,
			schwab.CategoryTrading:      cfg.RateLimits.Trading,
		},
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoff,
		MaxBackoff:     cfg.Retry.MaxBackoff,
		MinSpacing:     cfg.Retry.MinSpacing,
	})
	client := schwab.NewClient(auth, transport)

	orchestrator := sync.NewOrchestrator(client, historyStore)

	app := &App{
		config:       cfg,
		db:           db,
		sessionStore: sessionStore,
		historyStore: historyStore,
		auth:         auth,
		client:       client,
		orchestrator: orchestrator,
	}

	// Periodic background sync
	if cfg.AutoSyncInterval > 0 {
		syncCfg := models.DefaultSyncConfig()
		syncCfg.AutoSyncInterval = cfg.AutoSyncInterval
		app.autoSync = sync.NewAutoSync(orchestrator, syncCfg)
		app.autoSync.Start(context.Background())
		defer app.autoSync.Stop()
	}

	app.setupRouter()

	server := &http.Server{
		Addr:         cfg.Address(),
		Handler:      app.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://%s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	app.orchestrator.StopSync()
	app.persistSession()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

// persistSession writes the current broker session to the store so the
// refresh token survives restarts.
func (app *App) persistSession() {
	session := app.auth.Session()
	if session.RefreshToken == "" {
		return
	}
	if err := app.sessionStore.Save(sessionName, session); err != nil {
		log.Printf("[Main] Failed to persist session: %v", err)
	}
}
