package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"qrattend/internal/attendance"
	"qrattend/internal/config"
	"qrattend/internal/httpmiddleware"
	"qrattend/internal/identity"
	"qrattend/internal/notify"
	"qrattend/internal/qrsession"
	"qrattend/internal/queue"
	"qrattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	if err := runHTTP(cfg, logger); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" || env == "prod" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

func runHTTP(cfg config.App, logger *zap.Logger) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr, cfg.RedisTimeout)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.NotifyQueueKey)
	}
	dispatcher := notify.NewQueueDispatcher(q, logger)

	att := attendance.NewService(attendance.NewPostgresStore(db.Client), dispatcher, nil, logger)
	sessions := qrsession.NewService(qrsession.NewPostgresStore(db.Client), cfg.SessionTTL, nil, logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewRateLimiter(cfg.RateLimitPerMin, cfg.RateLimitPerMin).Gin())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Dev token issuance. A real deployment sits behind the organization's
	// identity provider; this endpoint mirrors its claim shape.
	r.POST("/v1/auth/tokens", func(c *gin.Context) {
		var req struct {
			UserID      string `json:"user_id" binding:"required"`
			DisplayName string `json:"display_name"`
			Email       string `json:"email"`
			Role        string `json:"role"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		role := req.Role
		if role == "" {
			role = identity.RoleUser
		}
		sub := identity.Subject{ID: req.UserID, DisplayName: req.DisplayName, Email: req.Email, Role: role}
		tokens, err := identity.Issue(sub, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authed := r.Group("/v1", identity.Auth(cfg.JWTSigningKey, cfg.JWTIssuer))

	type checkRequest struct {
		Method      string `json:"method" binding:"required"`
		Location    string `json:"location"`
		Notes       string `json:"notes"`
		Department  string `json:"department"`
		SessionCode string `json:"session_code"`
	}

	// QR check-ins consume the session first; the attendance service only
	// persists the session reference.
	handleCheck := func(c *gin.Context, checkOut bool) {
		var req checkRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sub := identity.FromContext(c)

		in := attendance.Input{
			Method:     req.Method,
			Location:   req.Location,
			Notes:      req.Notes,
			Department: req.Department,
		}
		if req.Method == attendance.MethodQR {
			sess, err := sessions.Consume(c.Request.Context(), req.SessionCode, sub.ID)
			if err != nil {
				writeError(c, err)
				return
			}
			in.SessionID = sess.ID
			if in.Location == "" {
				in.Location = sess.Location
			}
		}

		var rec attendance.Record
		var err error
		if checkOut {
			rec, err = att.RecordCheckOut(c.Request.Context(), sub, in)
		} else {
			rec, err = att.RecordCheckIn(c.Request.Context(), sub, in)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, rec)
	}

	authed.POST("/checkins", func(c *gin.Context) { handleCheck(c, false) })
	authed.POST("/checkouts", func(c *gin.Context) { handleCheck(c, true) })

	authed.GET("/records", func(c *gin.Context) {
		f := attendance.Filter{
			UserID:     c.Query("user_id"),
			Status:     c.Query("status"),
			Method:     c.Query("method"),
			Department: c.Query("department"),
		}
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Limit = parsed
			}
		}
		if v := c.Query("offset"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				f.Offset = parsed
			}
		}
		records, err := att.List(c.Request.Context(), identity.FromContext(c), f)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	authed.GET("/records/:id", func(c *gin.Context) {
		rec, err := att.Get(c.Request.Context(), identity.FromContext(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	authed.GET("/sessions/validate/:code", func(c *gin.Context) {
		sess, err := sessions.Validate(c.Request.Context(), c.Param("code"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, sess)
	})

	elevated := authed.Group("", identity.RequireElevated())

	elevated.POST("/records/:id/approve", func(c *gin.Context) {
		var req struct {
			Notes string `json:"notes"`
		}
		_ = c.ShouldBindJSON(&req)
		rec, err := att.Approve(c.Request.Context(), identity.FromContext(c), c.Param("id"), req.Notes)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	elevated.POST("/records/:id/reject", func(c *gin.Context) {
		var req struct {
			Reason string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reason required"})
			return
		}
		rec, err := att.Reject(c.Request.Context(), identity.FromContext(c), c.Param("id"), req.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	})

	elevated.POST("/sessions", func(c *gin.Context) {
		var req struct {
			Name       string            `json:"name"`
			Location   string            `json:"location"`
			MaxUsage   *int              `json:"max_usage"`
			Type       string            `json:"type"`
			TTLMinutes int               `json:"ttl_minutes"`
			Metadata   map[string]string `json:"metadata"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		sess, err := sessions.Create(c.Request.Context(), identity.FromContext(c), qrsession.CreateInput{
			Name:     req.Name,
			Location: req.Location,
			MaxUsage: req.MaxUsage,
			Type:     req.Type,
			TTL:      time.Duration(req.TTLMinutes) * time.Minute,
			Metadata: req.Metadata,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, sess)
	})

	elevated.GET("/sessions", func(c *gin.Context) {
		activeOnly := c.Query("active") == "true"
		list, err := sessions.List(c.Request.Context(), identity.FromContext(c), c.Query("creator_id"), activeOnly)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": list})
	})

	elevated.POST("/sessions/:id/deactivate", func(c *gin.Context) {
		if err := sessions.Deactivate(c.Request.Context(), identity.FromContext(c), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"active": false})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", zap.Error(err))
	}

	logger.Info("server exited")
	return nil
}

// writeError maps error kinds onto HTTP statuses. Business-rule violations
// are terminal for the request; only store-level failures invite a retry.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, identity.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	case errors.Is(err, identity.ErrInsufficientPermissions):
		status = http.StatusForbidden
	case errors.Is(err, attendance.ErrNotFound), errors.Is(err, qrsession.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, qrsession.ErrExpired):
		status = http.StatusGone
	case errors.Is(err, attendance.ErrInvalidState),
		errors.Is(err, qrsession.ErrAlreadyUsed),
		errors.Is(err, qrsession.ErrUsageLimitReached),
		errors.Is(err, store.ErrPreconditionFailed):
		status = http.StatusConflict
	case errors.Is(err, attendance.ErrReasonRequired),
		errors.Is(err, attendance.ErrUnknownMethod):
		status = http.StatusBadRequest
	case errors.Is(err, store.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// CORS middleware for browser requests.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
