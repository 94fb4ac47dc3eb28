package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"throne-api/api"
	"throne-api/broadcast"
	"throne-api/domain"
	"throne-api/reign"
	"throne-api/storage"
	"throne-api/telemetry"
)

func main() {
	if envBool("DEBUG", false) {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "throne-api", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		log.Fatalf("tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	var store reign.Store
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	if connStr != "" {
		table, err := storage.NewTableStore(connStr, envString("THRONE_TABLE", "throne"))
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
		if envBool("STORAGE_ENSURE_TABLE", true) {
			if err := table.EnsureTable(ctx); err != nil {
				log.Fatalf("ensure table: %v", err)
			}
		}
		store = table
	} else {
		log.Warn("STORAGE_CONNECTION_STRING not set; state is kept in memory")
		store = storage.NewMemoryStore()
	}

	artifacts, err := storage.NewDiskArtifacts(
		envString("ARTIFACT_DIR", "./clips"),
		envString("ARTIFACT_PUBLIC_BASE", "/clips"),
		envString("ARTIFACT_SLOT", storage.DefaultArtifactSlot),
	)
	if err != nil {
		log.Fatalf("artifacts: %v", err)
	}

	auth := newAuth()
	feedLimit := envInt("FEED_LIMIT", 50)
	hub := broadcast.NewHub(auth, broadcast.HubConfig{
		Outbox:    envInt("OBSERVER_OUTBOX", 16),
		FeedLimit: feedLimit,
		Logger:    logger,
	})

	notifiers := reign.Notifiers{hub}
	var events *storage.EventQueue
	if name := os.Getenv("ACTIVITY_EVENTS_QUEUE"); name != "" && connStr != "" {
		events, err = storage.NewEventQueue(connStr, name, envInt("ACTIVITY_EXPORT_BUFFER", 256), logger)
		if err != nil {
			log.Fatalf("activity queue: %v", err)
		}
		notifiers = append(notifiers, reign.NotifierFunc(func(snap domain.Snapshot, change reign.Change) {
			if change.Feed {
				events.Export(snap)
			}
		}))
	}

	coord, err := reign.New(ctx, reign.Config{
		QueueSize:        envInt("QUEUE_SIZE", 256),
		AdmissionTimeout: envDur("ADMISSION_TIMEOUT", 5*time.Second),
		VerifyTimeout:    envDur("VERIFY_TIMEOUT", 3*time.Second),
		CommitTimeout:    envDur("COMMIT_TIMEOUT", 10*time.Second),
		RetryInitial:     envDur("COMMIT_RETRY_INITIAL", 100*time.Millisecond),
		RetryMax:         envDur("COMMIT_RETRY_MAX", 2*time.Second),
		MaxAttempts:      envInt("COMMIT_RETRY_ATTEMPTS", 5),
		EventWindow:      envInt("EVENT_WINDOW", 200),
		Journal: reign.JournalConfig{
			Dir:          envString("JOURNAL_DIR", "./data/journal"),
			SegmentBytes: int64(envInt("JOURNAL_SEGMENT_MB", 4)) << 20,
		},
		Logger: logger,
	}, store, artifacts, notifiers)
	if err != nil {
		log.Fatalf("coordinator: %v", err)
	}
	hub.Attach(coord)
	if events != nil {
		events.Prime(coord.Snapshot())
		go func() {
			if err := events.Run(ctx); err != nil {
				log.WithError(err).Error("activity export stopped")
			}
		}()
	}

	var (
		deduper api.Deduper
		latest  api.LatestReader
		relay   *broadcast.Relay
	)
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		rc := redis.NewClient(parseRedisOptions(redisConn))
		defer rc.Close()
		deduper = api.NewRedisDeduper(rc, envDur("DEDUPER_TTL", 24*time.Hour))
		relay = broadcast.NewRelay(rc, hub, broadcast.RelayConfig{
			Channel:   envString("RELAY_CHANNEL", "throne-updates"),
			LatestTTL: envDur("RELAY_LATEST_TTL", time.Hour),
			Logger:    logger,
		})
		latest = relay
	} else {
		log.Warn("REDIS_CONNECTION_STRING not set; publish dedupe and cross-instance relay disabled")
	}

	go func() {
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Error("coordinator stopped")
		}
	}()
	go reign.NewTicker(coord, envDur("TICK_INTERVAL", time.Second), logger).Run(ctx)
	if relay != nil {
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.WithError(err).Error("relay stopped")
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: strings.Split(envString("CORS_ORIGINS", "*"), ","),
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	uploadMax := int64(envInt("UPLOAD_MAX_BYTES", 10<<20))
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dK", (uploadMax>>10)+64)))
	e.Use(api.DecompressRequests(uploadMax))
	e.Static("/clips", artifacts.Dir())

	api.Register(e, api.Deps{
		Coordinator:    coord,
		Auth:           auth,
		Artifacts:      artifacts,
		Hub:            hub,
		Deduper:        deduper,
		Latest:         latest,
		Logger:         logger,
		FeedLimit:      feedLimit,
		UploadMaxBytes: uploadMax,
	})

	listenAddr := ":" + envString("PORT", "8080")
	go func() {
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := coord.Close(); err != nil {
		log.WithError(err).Warn("coordinator close")
	}
}

// newAuth builds the identity verifier. LOCAL_AUTH_SHARED_SECRET (or
// TEST_JWT_SECRET with AUTH0_TEST_MODE=1) selects HS256; otherwise keys are
// fetched from the Auth0 JWKS endpoint.
func newAuth() *api.Auth {
	secret := os.Getenv("LOCAL_AUTH_SHARED_SECRET")
	if secret == "" && os.Getenv("AUTH0_TEST_MODE") == "1" {
		secret = os.Getenv("TEST_JWT_SECRET")
		if secret == "" {
			log.Fatal("TEST_JWT_SECRET must be set when AUTH0_TEST_MODE=1")
		}
	}
	if secret != "" {
		return api.NewAuth(api.AuthConfig{
			Audience: os.Getenv("AUTH0_AUDIENCE"),
			Issuer:   os.Getenv("AUTH_ISSUER"),
			Secret:   []byte(secret),
		})
	}

	audience := os.Getenv("AUTH0_AUDIENCE")
	domain := os.Getenv("AUTH0_DOMAIN")
	if audience == "" || domain == "" {
		log.Fatal("missing Auth0 config")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour, RefreshUnknownKID: true})
	if err != nil {
		log.Fatalf("jwks: %v", err)
	}
	return api.NewAuth(api.AuthConfig{
		JWKS:        jwks,
		Audience:    audience,
		Issuer:      "https://" + domain + "/",
		KeyCacheTTL: envDur("JWKS_CACHE_TTL", 15*time.Minute),
	})
}
