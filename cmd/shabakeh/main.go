package main

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/4xmen/shabakeh/internal/auth"
	"github.com/4xmen/shabakeh/internal/db"
	"github.com/4xmen/shabakeh/internal/handlers"
	"github.com/4xmen/shabakeh/internal/kv"
	"github.com/4xmen/shabakeh/internal/push"
	"github.com/4xmen/shabakeh/internal/ws"
	"github.com/4xmen/shabakeh/pkg/config"
	"github.com/4xmen/shabakeh/pkg/i18n"
)

var __ = i18n.Translate

func rateLimitMiddleware(limiterInstance *limiter.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := limiterInstance.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": __("rate limiter error")})
			c.Abort()
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": __("rate limit exceeded")})
			c.Abort()
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

func serverErrorLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Printf(
				"HTTP %d %s %s ip=%s duration=%s errors=%q response=%q",
				c.Writer.Status(),
				c.Request.Method,
				c.Request.URL.Path,
				c.ClientIP(),
				time.Since(start).Truncate(time.Millisecond),
				c.Errors.ByType(gin.ErrorTypeAny).String(),
				strings.TrimSpace(blw.body.String()),
			)
		}
	}
}

func panicRecovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.Printf(
			"panic recovered method=%s path=%s ip=%s error=%v\n%s",
			c.Request.Method,
			c.Request.URL.Path,
			c.ClientIP(),
			recovered,
			debug.Stack(),
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": __("internal server error")})
	})
}

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			log.Fatalf("%v", err)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "migrate-kv":
		return runMigrateKV(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  shabakeh                Start the web server")
	fmt.Fprintln(out, "  shabakeh status         Show application statistics")
	fmt.Fprintln(out, "  shabakeh status --json")
	fmt.Fprintln(out, "  shabakeh migrate-kv --to <backend> --path <path>")
}

func runServer(cfg *config.Config) error {
	os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755)
	os.MkdirAll(cfg.KVPath, 0755)

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	kvStore, err := kv.Open(cfg.KVBackend, cfg.KVPath)
	if err != nil {
		return fmt.Errorf("failed to open kv store: %w", err)
	}
	defer kvStore.Close()

	authSvc := auth.New(database, cfg.JWTSecret)
	notifier := push.NewNotifier(database, cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey)

	hub := ws.NewHub(notifier)
	hub.SetMaxMessageLen(cfg.MaxMessageLen)
	archive := ws.NewArchive(kvStore)
	hub.SetArchive(archive)
	go hub.Run()

	feedSvc := handlers.NewFeedService(kvStore, cfg.FeedPageSize)

	authHandler := handlers.NewAuthHandler(authSvc)
	feedHandler := handlers.NewFeedHandler(feedSvc)
	msgHandler := handlers.NewMessageHandler(database, archive, hub, notifier)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(serverErrorLogger())
	router.Use(gin.Logger())
	router.Use(panicRecovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", cfg.CORSOrigins)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	api := router.Group("/api")
	{
		loginLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 5})
		registerLimiter := limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: 2})

		api.POST("/auth/register", rateLimitMiddleware(registerLimiter), authHandler.Register)
		api.POST("/auth/login", rateLimitMiddleware(loginLimiter), authHandler.Login)
	}

	protected := api.Group("")
	protected.Use(authHandler.AuthMiddleware())
	{
		// Feed
		protected.GET("/feed", feedHandler.GetFeed)
		protected.POST("/feed/refresh", feedHandler.Refresh)
		protected.POST("/feed/paginate", feedHandler.Paginate)
		protected.POST("/posts", feedHandler.CreatePost)
		protected.DELETE("/posts/:id", feedHandler.DeletePost)
		protected.POST("/posts/:id/pin", feedHandler.TogglePin)
		protected.POST("/posts/:id/save", feedHandler.ToggleSave)
		protected.POST("/posts/:id/react", feedHandler.ToggleReaction)
		protected.POST("/posts/:id/report", feedHandler.ReportPost)
		protected.POST("/posts/:id/seen", feedHandler.MarkPostSeen)
		protected.POST("/posts/:id/comments", feedHandler.AddComment)
		protected.GET("/notifications", feedHandler.GetNotifications)

		// Stories
		protected.GET("/stories", feedHandler.GetStories)
		protected.POST("/stories/:id/seen", feedHandler.MarkStorySeen)
		protected.POST("/stories/:id/react", feedHandler.ToggleStoryReaction)

		// Chat
		protected.GET("/messages", msgHandler.GetRoomLog)
		protected.GET("/users", msgHandler.GetUsers)

		// Push
		protected.POST("/push/subscribe", msgHandler.Subscribe)
		protected.GET("/push/vapid", msgHandler.VAPIDKey)
	}

	// WebSocket endpoint
	router.GET("/ws", authHandler.AuthMiddleware(), hub.HandleWebSocket)

	// Health check and metrics
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": __("not found")})
	})

	addr := fmt.Sprintf("0.0.0.0:%s", cfg.Port)
	log.Printf("Starting server on %s", addr)

	// Graceful shutdown: flush the feed snapshots and close the stores
	// before exiting.
	sigint := make(chan os.Signal, 1)
	signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigint
		log.Println("\nShutting down gracefully...")
		feedSvc.FlushAll()
		kvStore.Close()
		database.Close()
		os.Exit(0)
	}()

	if err := router.Run(addr); err != nil {
		return err
	}

	return nil
}
