// SmartTrash Core - refresh-token sessions and bin telemetry backend.
//
// This is the main entry point. It wires the token lifecycle manager to the
// configured store, serves the REST/WebSocket API, and ingests sensor
// readings from the MQTT bus into InfluxDB.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/trsang/smarttrash-core/migrations"

	"github.com/trsang/smarttrash-core/internal/api"
	"github.com/trsang/smarttrash-core/internal/audit"
	"github.com/trsang/smarttrash-core/internal/auth"
	"github.com/trsang/smarttrash-core/internal/infrastructure/config"
	"github.com/trsang/smarttrash-core/internal/infrastructure/database"
	"github.com/trsang/smarttrash-core/internal/infrastructure/influxdb"
	"github.com/trsang/smarttrash-core/internal/infrastructure/logging"
	"github.com/trsang/smarttrash-core/internal/infrastructure/mqtt"
	"github.com/trsang/smarttrash-core/internal/infrastructure/redis"
	"github.com/trsang/smarttrash-core/internal/metrics"
	"github.com/trsang/smarttrash-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting SmartTrash Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	logoutPolicy, err := auth.ParseLogoutPolicy(cfg.Tokens.LogoutPolicy)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Open database (users and audit logs live here whatever the token store)
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	health := map[string]api.HealthChecker{"database": db}

	// Token store
	backend, err := openTokenStore(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer func() {
		if backend.close == nil {
			return
		}
		log.Info("closing token store", "store", cfg.Tokens.Store)
		if closeErr := backend.close(); closeErr != nil {
			log.Error("error closing token store", "error", closeErr)
		}
	}()
	if backend.health != nil {
		health[cfg.Tokens.Store] = backend.health
	}
	log.Info("token store ready", "store", cfg.Tokens.Store)

	// Metrics
	m := metrics.New()
	registry, err := metrics.NewRegistry(m)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	// MQTT carries sensor readings and security alerts. It is required only
	// when telemetry ingest is on.
	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		health["mqtt"] = mqttClient
	}

	// Connect to InfluxDB (optional)
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		health["influxdb"] = influxClient
	}

	// WebSocket hub shared by the API, the ingester and the alert sink
	hub := api.NewHub(cfg.WebSocket, log, m)
	go hub.Run(ctx)

	// Auth event sinks
	auditRepo := audit.NewSQLiteRepository(db.DB)
	alerts := newSecurityAlerts(mqttClient, influxClient, log)
	alerts.SetBroadcaster(hub)
	events := auth.EventSinks{
		audit.NewRecorder(auditRepo, log.Logger),
		alerts,
		metrics.NewObserver(m),
	}

	// Refresh-token lifecycle and authentication flow
	manager, err := auth.NewManager(auth.ManagerDeps{
		Store:  backend.store,
		Events: events,
	}, auth.ManagerConfig{
		TTL:              cfg.RefreshTTL(),
		StoreTimeout:     cfg.StoreTimeout(),
		GenerateAttempts: cfg.Tokens.GenerateAttempts,
		ExtendOnRotate:   cfg.Tokens.ExtendOnRotate,
	})
	if err != nil {
		return fmt.Errorf("creating token manager: %w", err)
	}

	users := auth.NewUserRepository(db.DB)
	credentials := auth.NewUserCredentials(users)
	signer := auth.NewSigner(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, cfg.AccessTTL(), nil)

	authService, err := auth.NewService(auth.ServiceDeps{
		Manager:     manager,
		Signer:      signer,
		Credentials: credentials,
		Identities:  credentials,
		Events:      events,
	}, logoutPolicy)
	if err != nil {
		return fmt.Errorf("creating auth service: %w", err)
	}
	admin := auth.NewAdmin(users, manager, nil, events)

	if _, seedErr := auth.SeedAdmin(ctx, users, log.Logger); seedErr != nil {
		return fmt.Errorf("seeding admin account: %w", seedErr)
	}

	go auth.NewPurger(authService, cfg.PurgeInterval(), log.With("component", "purger").Logger).Run(ctx)

	// Telemetry ingest
	if cfg.Telemetry.Enabled {
		ingester := telemetry.NewIngester(telemetry.Config{
			Topic:       cfg.Telemetry.Topic,
			Measurement: cfg.Telemetry.Measurement,
			QoS:         byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0..2
		}, pointWriter(influxClient), hub, m, log.With("component", "telemetry").Logger)
		if subErr := ingester.Start(mqttClient); subErr != nil {
			return fmt.Errorf("subscribing to telemetry: %w", subErr)
		}
	} else {
		log.Info("telemetry ingest disabled")
	}

	// HTTP API
	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Logger:   log,
		Auth:     authService,
		Admin:    admin,
		Audit:    auditRepo,
		Metrics:  m,
		Scrape:   metrics.Handler(registry),
		Health:   health,
		Hub:      hub,
		Readings: readingSource(influxClient, cfg.Telemetry),
		Broker:   broker(mqttClient),
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	if err := healthCheck(ctx, health); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, InfluxDB, MQTT, token store, database.

	log.Info("SmartTrash Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SMARTTRASH_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv(config.EnvPrefix + "CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// tokenBackend is the selected refresh-token store and its connection.
type tokenBackend struct {
	store  auth.TokenStore
	health api.HealthChecker // nil when the store shares the SQLite database
	close  func() error      // nil when there is nothing extra to close
}

// openTokenStore builds the store named by tokens.store.
func openTokenStore(ctx context.Context, cfg *config.Config, db *database.DB) (tokenBackend, error) {
	switch cfg.Tokens.Store {
	case config.StoreMemory:
		return tokenBackend{store: auth.NewMemoryTokenStore()}, nil

	case config.StoreSQLite:
		return tokenBackend{store: auth.NewSQLiteTokenStore(db.DB)}, nil

	case config.StorePostgres:
		pg, err := database.OpenPostgres(ctx, database.PostgresConfig{
			DSN:          cfg.Postgres.DSN,
			MaxOpenConns: cfg.Postgres.MaxOpenConns,
			MaxIdleConns: cfg.Postgres.MaxIdleConns,
		})
		if err != nil {
			return tokenBackend{}, fmt.Errorf("opening postgres token store: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close() //nolint:errcheck // Best effort cleanup on error path
			return tokenBackend{}, fmt.Errorf("running postgres migrations: %w", err)
		}
		return tokenBackend{
			store:  auth.NewPostgresTokenStore(pg.DB),
			health: pg,
			close:  pg.Close,
		}, nil

	case config.StoreRedis:
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return tokenBackend{}, fmt.Errorf("opening redis token store: %w", err)
		}
		return tokenBackend{
			store:  auth.NewRedisTokenStore(client.UniversalClient, cfg.Redis.KeyPrefix),
			health: client,
			close:  client.Close,
		}, nil

	default:
		return tokenBackend{}, fmt.Errorf("unknown token store %q", cfg.Tokens.Store)
	}
}

// connectMQTT connects to the broker. A failed connection is fatal only when
// telemetry ingest needs the bus; otherwise the core runs without it and
// returns a nil client.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	client, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		if cfg.Telemetry.Enabled {
			return nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		log.Warn("MQTT unavailable, security alerts will not be published", "error", err)
		return nil, nil
	}
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	client.SetLogger(log)
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	return client, nil
}

// newSecurityAlerts builds the alert sink over whichever outputs are connected.
// Typed nil pointers must not reach the interface fields.
func newSecurityAlerts(mqttClient *mqtt.Client, influxClient *influxdb.Client, log *logging.Logger) *audit.SecurityAlerts {
	var publisher audit.Publisher
	if mqttClient != nil {
		publisher = mqttClient
	}
	var series audit.SeriesWriter
	if influxClient != nil {
		series = influxClient
	}
	return audit.NewSecurityAlerts(publisher, series, log.With("component", "alerts").Logger)
}

func pointWriter(influxClient *influxdb.Client) telemetry.PointWriter {
	if influxClient == nil {
		return nil
	}
	return influxClient
}

func broker(mqttClient *mqtt.Client) api.Broker {
	if mqttClient == nil {
		return nil
	}
	return mqttClient
}

// readingSource serves stored readings from InfluxDB; nil leaves the
// sensor-data endpoints reporting 501.
func readingSource(influxClient *influxdb.Client, cfg config.TelemetryConfig) api.ReadingSource {
	if influxClient == nil {
		return nil
	}
	window := time.Duration(cfg.HistoryDays) * 24 * time.Hour
	return telemetry.NewHistory(influxClient, influxClient.Bucket(), cfg.Measurement, window)
}

// healthCheck verifies every connected component answers.
func healthCheck(ctx context.Context, components map[string]api.HealthChecker) error {
	for name, c := range components {
		if err := c.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
