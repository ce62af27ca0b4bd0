package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"atlas/internal/handlers"
	"atlas/internal/manager"
	"atlas/internal/middleware"
	"atlas/internal/utils"
	"atlas/web"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const sessionPruneInterval = 15 * time.Minute

type App struct {
	manager     *manager.Manager
	authService *middleware.AuthService
	wsHub       *middleware.Hub
	rateLimiter *middleware.RateLimiter
	ginLogFile  *os.File
	stopPrune   chan struct{}
}

var app *App

func logStuff(msg string) {
	if app != nil && app.manager != nil && app.manager.Log != nil {
		app.manager.Log.Write(msg)
	} else {
		utils.NewLogger("").Write(msg)
	}
}

func clearLogFile(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logStuff(fmt.Sprintf("Failed to ensure log directory for %s: %v", path, err))
		return
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		logStuff(fmt.Sprintf("Failed to clear log file %s: %v", path, err))
		return
	}
	_ = file.Close()
}

// managerLogWriter adapts Manager.Log to io.Writer for gin and net/http.
type managerLogWriter struct{ mgr *manager.Manager }

func (w managerLogWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if w.mgr != nil && w.mgr.Log != nil {
		w.mgr.Log.Write(msg)
	} else {
		logStuff(msg)
	}
	return len(p), nil
}

// newApp loads configuration and builds the shared services. Background
// workers are started separately by start.
func newApp(configPath string) (*App, error) {
	mgr, err := manager.NewManagerWithConfig(configPath)
	if err != nil {
		return nil, err
	}
	a := &App{
		manager:     mgr,
		wsHub:       middleware.NewHub(mgr.Log),
		rateLimiter: middleware.NewRateLimiter(rate.Every(time.Minute/100), 10),
		stopPrune:   make(chan struct{}),
	}
	a.authService = middleware.NewAuthService(mgr, func() middleware.CookieOptions {
		cfg := mgr.Snapshot()
		return middleware.CookieOptions{
			ForceSecure: cfg.Server.CookieForceSecure,
			SameSite:    cfg.Server.CookieSameSite,
			MaxAge:      cfg.Server.SessionDuration(),
		}
	})
	return a, nil
}

func (a *App) start() {
	go a.wsHub.Run()
	a.manager.StartWatcher()
	a.manager.StartTelemetryMonitor()
	handlers.BroadcastConfigChanges(a.manager, a.wsHub)
	go a.pruneSessions()
}

// pruneSessions periodically removes expired sessions once setup has
// produced a usable database.
func (a *App) pruneSessions() {
	ticker := time.NewTicker(sessionPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopPrune:
			return
		case <-ticker.C:
			if !a.manager.IsSetupComplete() {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			svc, err := a.manager.Auth(ctx)
			if err == nil {
				var n int64
				if n, err = svc.PruneExpiredSessions(ctx); err == nil && n > 0 {
					logStuff(fmt.Sprintf("Pruned %d expired sessions", n))
				}
			}
			if err != nil {
				logStuff(fmt.Sprintf("Session prune failed: %v", err))
			}
			cancel()
		}
	}
}

func (a *App) stop() {
	close(a.stopPrune)
	a.wsHub.Close()
	a.rateLimiter.Stop()
	a.manager.Close()
}

func main() {
	// Always run Gin in release mode; request logging is handled by our own middleware.
	gin.SetMode(gin.ReleaseMode)

	// Parse CLI flags: --config/-c <path>
	var configPath string
	for i := 1; i < len(os.Args); i++ {
		switch os.Args[i] {
		case "--config", "-c":
			if i+1 < len(os.Args) {
				configPath = strings.TrimSpace(os.Args[i+1])
				i++
			}
		}
	}

	var err error
	app, err = newApp(configPath)
	if err != nil {
		logStuff(fmt.Sprintf("Manager failed to initialize: %v", err))
		fmt.Fprintf(os.Stderr, "atlas: %v\n", err)
		os.Exit(1)
	}
	app.start()

	if app.manager.Paths != nil {
		ginLogPath := app.manager.Paths.GinLogFile()
		clearLogFile(ginLogPath)
		file, err := os.OpenFile(ginLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logStuff(fmt.Sprintf("Failed to open Gin log file: %v", err))
		} else {
			app.ginLogFile = file
			gin.DefaultWriter = file
			gin.DefaultErrorWriter = file
		}
	}
	if app.ginLogFile == nil {
		gin.DefaultWriter = managerLogWriter{mgr: app.manager}
		gin.DefaultErrorWriter = managerLogWriter{mgr: app.manager}
	}

	r, err := setupRouter()
	if err != nil {
		logStuff(fmt.Sprintf("FATAL: %v", err))
		os.Exit(1)
	}

	cfg := app.manager.Snapshot()
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		// Proxied uploads stream the request body, so reads get a longer budget.
		ReadTimeout:    30 * time.Minute,
		WriteTimeout:   30 * time.Minute,
		MaxHeaderBytes: 1 << 20,
	}
	// Route standard library HTTP server errors (including TLS handshake errors)
	// into atlas.log instead of stderr.
	srv.ErrorLog = log.New(managerLogWriter{mgr: app.manager}, "", 0)

	// Relative certificate paths are resolved against the config directory.
	resolveTLSPath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || app.manager.Paths == nil {
			return p
		}
		resolved, err := app.manager.Paths.Resolve(p)
		if err != nil {
			logStuff(fmt.Sprintf("Ignoring TLS path %s: %v", p, err))
			return ""
		}
		return resolved
	}
	certPath := resolveTLSPath(cfg.Server.TLSCertPath)
	keyPath := resolveTLSPath(cfg.Server.TLSKeyPath)
	useTLS := cfg.Server.TLSEnabled && certPath != "" && keyPath != ""
	if cfg.Server.TLSEnabled && !useTLS {
		logStuff("TLS enabled but certificate or key missing; falling back to HTTP")
	}

	go func() {
		if useTLS {
			logStuff(fmt.Sprintf("Starting HTTPS server on port %d", cfg.Server.Port))
			if err := srv.ListenAndServeTLS(certPath, keyPath); err != nil && err != http.ErrServerClosed {
				logStuff(fmt.Sprintf("HTTPS server failed to start: %v", err))
				os.Exit(1)
			}
			return
		}
		logStuff(fmt.Sprintf("Starting HTTP server on port %d", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logStuff(fmt.Sprintf("Server failed to start: %v", err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logStuff("Shutdown signal received")

	// Allow in-flight requests up to 5s
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(ctx); err != nil {
		logStuff(fmt.Sprintf("HTTP server shutdown error: %v", err))
	}
	cancel()

	logStuff("Server exited")
	if app.ginLogFile != nil {
		_ = app.ginLogFile.Close()
	}
	app.stop()
}

func setupRouter() (*gin.Engine, error) {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.RequestLoggerWithOptions(func() bool {
		return app.manager.Snapshot().Server.VerboseHTTP
	}))
	r.Use(middleware.SecurityHeadersWithOptions(func() bool {
		return app.manager.Snapshot().Server.AllowIFrame
	}))
	r.Use(middleware.CORS(func() string {
		return app.manager.Snapshot().Server.BaseURL
	}))

	// Rate limiting - 100 requests per minute per IP
	r.Use(app.rateLimiter.Middleware())

	tmpl, err := web.Templates()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	r.SetHTMLTemplate(tmpl)

	staticFS, err := web.Static()
	if err != nil {
		return nil, fmt.Errorf("embedded static asset missing: %w", err)
	}
	r.StaticFS("/static", http.FS(staticFS))
	r.GET("/favicon.ico", func(c *gin.Context) {
		c.FileFromFS("atlas.svg", http.FS(staticFS))
	})

	handlers.RegisterRoutes(r, handlers.Deps{
		Manager:     app.manager,
		AuthService: app.authService,
		Hub:         app.wsHub,
	})
	return r, nil
}
