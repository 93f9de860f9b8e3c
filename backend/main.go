// backend/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"storagegate/cas"
	"storagegate/metrics"
	"storagegate/provider"
	"storagegate/signing"
	"storagegate/storage"
	"storagegate/tasks"
)

const (
	pendingMaxAge = time.Hour
	sweepInterval = 10 * time.Minute
)

// routerDeps is everything the HTTP layer needs.
type routerDeps struct {
	Files       *FileHandler
	Signer      *signing.Signer
	Records     cas.Recorder
	Limiter     *IPRateLimiter
	CORSOrigins []string
}

func newRouter(d routerDeps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery(), metrics.Middleware())
	router.SetTrustedProxies(nil)

	if len(d.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     d.CORSOrigins,
			AllowMethods:     []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Content-Length", "Authorization", "X-Requested-With"},
			ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	writes := router.Group("/")
	if d.Limiter != nil {
		writes.Use(d.Limiter.RateLimitMiddleware())
	}
	writes.PUT("/file", d.Files.HandleUpload)
	writes.POST("/file", d.Files.HandlePost)

	router.GET("/file", d.Files.HandleDownload)
	router.DELETE("/file", d.Files.HandleDelete)
	router.GET("/data", d.Files.HandleMetadata)
	router.GET("/revisions", d.Files.HandleRevisions)
	router.GET("/zip", d.Files.HandleZip)
	router.GET("/scans/:digest", d.Files.HandleScanResult)

	if d.Signer != nil && d.Records != nil {
		cas.RegisterRecordRoutes(router.Group("/", d.Signer.Middleware()), d.Records)
	}
	return router
}

func main() {
	InitLogger("info")

	if err := LoadConfig("config.json"); err != nil {
		slog.Error("cannot load configuration", "error", err)
		os.Exit(1)
	}
	InitLogger(AppConfig.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers := make(map[string]provider.Provider, len(AppConfig.Providers))
	for _, name := range AppConfig.ProviderNames() {
		p, err := storage.New(AppConfig.Providers[name], provider.Auth{})
		if err != nil {
			slog.Error("storage backend initialization failed", "provider", name, "error", err)
			os.Exit(1)
		}
		providers[name] = p
	}

	db, err := ConnectDatabase(AppConfig.Database)
	if err != nil {
		slog.Error("database initialization failed", "error", err)
		os.Exit(1)
	}

	var signer *signing.Signer
	if AppConfig.Signing.Secret != "" {
		signer, err = signing.NewSigner(AppConfig.Signing.Secret, time.Duration(AppConfig.Signing.MaxSkewSeconds)*time.Second)
		if err != nil {
			slog.Error("invalid signing configuration", "error", err)
			os.Exit(1)
		}
	}

	scanner, err := NewScanner(ctx, AppConfig.CAS.ClamdSocket, db, AppConfig.RetryConfig())
	if err != nil {
		slog.Warn("clamd scanner unavailable, scanning disabled", "error", err)
	}

	// Side tasks outlive the signal context so queued jobs drain on shutdown.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	queue := tasks.NewQueue(AppConfig.Tasks, tasks.LogReporter{})
	var records cas.Recorder
	if AppConfig.CAS.Enabled {
		if records, err = setupCAS(providers, db, signer, scanner, queue); err != nil {
			slog.Error("content-addressable provider initialization failed", "error", err)
			os.Exit(1)
		}
		queue.Start(workCtx)
		go CleanupStalePendingTask(ctx, AppConfig.CAS.PendingDir, pendingMaxAge, sweepInterval)
	}

	var limiter *IPRateLimiter
	if AppConfig.RateLimit.Enabled {
		limiter = NewIPRateLimiter(AppConfig.RateLimit.Requests, AppConfig.GetRateLimitDuration())
		slog.Info("write rate limiting enabled", "requests", AppConfig.RateLimit.Requests, "durationMinutes", AppConfig.RateLimit.DurationMinutes)
	} else {
		slog.Warn("rate limiting disabled")
	}

	var allowedOrigins []string
	if AppConfig.CORSAllowedOrigins != "" {
		allowedOrigins = strings.Split(AppConfig.CORSAllowedOrigins, ",")
	}

	router := newRouter(routerDeps{
		Files: &FileHandler{
			Providers:      providers,
			MaxUploadBytes: AppConfig.MaxUploadBytes(),
			Scanner:        scanner,
		},
		Signer:      signer,
		Records:     records,
		Limiter:     limiter,
		CORSOrigins: allowedOrigins,
	})

	server := &http.Server{Addr: ":" + AppConfig.ServerPort, Handler: router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("HTTP server shutdown failed", "error", err)
		}
	}()

	slog.Info("gateway starting", "address", server.Addr, "providers", AppConfig.ProviderNames(), "database", AppConfig.Database.Type)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("cannot start HTTP server", "error", err)
		os.Exit(1)
	}
	if AppConfig.CAS.Enabled {
		queue.Stop()
	}
	slog.Info("gateway stopped")
}

// setupCAS registers the side tasks, builds the recorder and adds the CAS
// provider to providers. The returned recorder is served under /records
// when it is local.
func setupCAS(providers map[string]provider.Provider, db *gorm.DB, signer *signing.Signer, scanner *ClamdScanner, queue *tasks.Queue) (cas.Recorder, error) {
	cfg := AppConfig.CAS
	inner, ok := providers[cfg.Inner]
	if !ok {
		return nil, fmt.Errorf("CAS inner provider %q is not configured", cfg.Inner)
	}

	if cfg.Parity.DataShards > 0 && cfg.Parity.ParityShards > 0 {
		parity := &tasks.Parity{DataShards: cfg.Parity.DataShards, ParityShards: cfg.Parity.ParityShards, Dir: cfg.Parity.Dir}
		queue.Register(tasks.KindParity, parity.Handle)
	}
	if cfg.Backup != "" {
		target, ok := providers[cfg.Backup]
		if !ok {
			return nil, fmt.Errorf("CAS backup provider %q is not configured", cfg.Backup)
		}
		backup := &tasks.Backup{Target: target}
		queue.Register(tasks.KindBackup, backup.Handle)
	}
	if scanner != nil && scanner.client != nil {
		queue.Register(tasks.KindScan, scanner.Handle)
	}

	var recorder cas.Recorder
	var served cas.Recorder
	if cfg.CallbackURL != "" {
		if signer == nil {
			return nil, errors.New("CAS.CallbackURL needs Signing.Secret")
		}
		recorder = cas.NewCallbackRecorder(cfg.CallbackURL, "urn:gateway:"+cfg.Name, signer, AppConfig.RetryConfig())
	} else {
		gormRecorder, err := cas.NewGormRecorder(db)
		if err != nil {
			return nil, err
		}
		recorder, served = gormRecorder, gormRecorder
	}

	p, err := cas.New(cas.Config{
		Name:        cfg.Name,
		PendingDir:  cfg.PendingDir,
		CompleteDir: cfg.CompleteDir,
		SideTasks:   queue.Kinds(),
	}, inner, recorder, queue)
	if err != nil {
		return nil, err
	}
	if _, taken := providers[cfg.Name]; taken {
		return nil, fmt.Errorf("provider name %q is used twice", cfg.Name)
	}
	providers[cfg.Name] = p
	slog.Info("content-addressable provider ready", "name", cfg.Name, "inner", cfg.Inner, "sideTasks", queue.Kinds())
	return served, nil
}
