package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"lecturepipe/internal/admin"
	"lecturepipe/internal/awaker"
	"lecturepipe/internal/broker"
	"lecturepipe/internal/config"
	"lecturepipe/internal/crypto"
	"lecturepipe/internal/database"
	"lecturepipe/internal/ledger"
	"lecturepipe/internal/mediasource"
	"lecturepipe/internal/oauth"
	"lecturepipe/internal/remote"
	"lecturepipe/internal/stages"
	"lecturepipe/internal/taskengine"
)

// App struct - main application state
type App struct {
	ctx    context.Context
	cancel context.CancelFunc

	cfg     *config.Config
	db      *gorm.DB
	channel *broker.Channel
	remote  *remote.Client
	engine  *taskengine.Engine
	awaker  *awaker.Awaker
	httpSrv *http.Server
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{}
}

// startup wires every component and begins consuming. A failure here is
// fatal: the process offers nothing useful without its broker, database,
// and stages.
func (a *App) startup(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	log.Println("Application starting up...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: Invalid configuration: %v", err)
	}
	a.cfg = cfg

	// Initialize encryption (FATAL if this fails - we cannot store
	// provider tokens without it)
	if err := crypto.InitEncryption(); err != nil {
		log.Fatalf("FATAL: Encryption initialization failed: %v\nProvider tokens cannot be stored without encryption.", err)
	}
	log.Println("Encryption initialized successfully")

	db, err := database.Init()
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database: %v", err)
	}
	a.db = db
	log.Println("Database initialized successfully")

	channel, err := broker.Connect(cfg.BrokerURL)
	if err != nil {
		log.Fatalf("FATAL: Failed to connect to broker: %v", err)
	}
	a.channel = channel
	log.Println("Broker channel connected")

	remoteClient, err := remote.NewClient(channel.Connection(), remote.Options{
		Timeout:         cfg.RemoteCallTimeout,
		MaxRequestSize:  cfg.RemoteMaxRequestSize,
		MaxResponseSize: cfg.RemoteMaxResponseSize,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to start remote worker client: %v", err)
	}
	a.remote = remoteClient
	log.Println("Remote worker client initialized")

	store := ledger.NewStore(db)
	a.engine = taskengine.NewEngine(channel, store, remoteClient, cfg.MaxAttempts)

	refresher := oauth.NewRefresher(db, cfg.BoxTokenURL, cfg.BoxClientID, cfg.BoxClientSecret)
	accessToken, err := refresher.AccessToken(stages.BoxProvider)
	if err != nil && !errors.Is(err, oauth.ErrNoCredential) {
		log.Printf("WARNING: Could not load stored access token: %v", err)
	}
	source := mediasource.NewClient(cfg.MediaSourceURL, accessToken)

	stageService := stages.NewService(db, a.engine, source, refresher, cfg)
	if err := stageService.RegisterAll(); err != nil {
		log.Fatalf("FATAL: Failed to register stages: %v", err)
	}
	if err := a.engine.Start(a.ctx); err != nil {
		log.Fatalf("FATAL: Failed to start stage consumers: %v", err)
	}
	log.Println("Stage consumers started")

	a.awaker = awaker.New(a.engine, cfg.PeriodicCheckInterval)
	if err := a.awaker.Start(); err != nil {
		log.Fatalf("FATAL: Failed to start awaker: %v", err)
	}

	adminServer := admin.NewServer(db, a.engine, a.awaker)
	a.httpSrv = &http.Server{Addr: cfg.AdminAddr, Handler: adminServer.Router()}
	go func() {
		log.Printf("Admin server listening on %s", cfg.AdminAddr)
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("FATAL: Admin server failed: %v", err)
		}
	}()

	log.Println("Startup complete")
}

// shutdown stops components in reverse dependency order.
func (a *App) shutdown(ctx context.Context) {
	log.Println("Application shutting down...")

	if a.httpSrv != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.httpSrv.Shutdown(stopCtx); err != nil {
			log.Printf("Error stopping admin server: %v", err)
		}
		cancel()
	}

	if a.awaker != nil {
		a.awaker.Stop()
	}

	if a.cancel != nil {
		a.cancel()
	}

	if a.remote != nil {
		if err := a.remote.Close(); err != nil {
			log.Printf("Error closing remote worker client: %v", err)
		}
	}
	if a.channel != nil {
		if err := a.channel.Close(); err != nil {
			log.Printf("Error closing broker channel: %v", err)
		}
	}

	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}

	log.Println("Shutdown complete")
}
