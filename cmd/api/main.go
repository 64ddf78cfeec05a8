package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"refectory/internal/attendance"
	"refectory/internal/config"
	"refectory/internal/httpmiddleware"
	"refectory/internal/report"
	"refectory/internal/shift"
	"refectory/internal/store"
)

func main() {
	cfg := config.Load()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	shifts, err := shift.Load(cfg.ShiftsFile)
	if err != nil {
		log.Fatalf("shift table load failed: %v", err)
	}

	loc := cfg.Location()
	repo := attendance.NewRepository(db.Client)
	reports := report.NewAggregator(repo, shifts, loc)

	r := gin.New()

	// Recovery middleware
	r.Use(gin.Recovery())

	// Custom logger
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))

	// CORS middleware
	r.Use(corsMiddleware())

	// Security headers
	r.Use(securityHeaders())

	// Rate limiting
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Client.PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	v1 := r.Group("/v1")

	v1.GET("/stats", func(c *gin.Context) {
		stats, err := reports.GeneralStats(c.Request.Context(), time.Now())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	v1.GET("/students", func(c *gin.Context) {
		students, err := repo.ListStudents(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	v1.GET("/students/:code", func(c *gin.Context) {
		student, err := repo.FindStudent(c.Request.Context(), c.Param("code"))
		if err != nil {
			if err == attendance.ErrStudentNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "student not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, student)
	})

	v1.GET("/reports/shifts", func(c *gin.Context) {
		start, end, ok := rangeParams(c, loc)
		if !ok {
			return
		}
		rows, err := reports.ByShift(c.Request.Context(), start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	})

	v1.GET("/reports/daily", func(c *gin.Context) {
		start, end, ok := rangeParams(c, loc)
		if !ok {
			return
		}
		rows, err := reports.ByDay(c.Request.Context(), start, end, shiftFilter(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	})

	v1.GET("/reports/weekly", func(c *gin.Context) {
		anchor := time.Now()
		if v := c.Query("date"); v != "" {
			parsed, err := time.ParseInLocation("2006-01-02", v, loc)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
				return
			}
			anchor = parsed
		}
		rows, err := reports.ByWeek(c.Request.Context(), anchor, shiftFilter(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	})

	v1.GET("/reports/monthly", func(c *gin.Context) {
		now := time.Now().In(loc)
		year, month := now.Year(), int(now.Month())
		if v := c.Query("year"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				year = parsed
			}
		}
		if v := c.Query("month"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				month = parsed
			}
		}
		if month < 1 || month > 12 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "month must be 1-12"})
			return
		}
		rows, err := reports.ByMonth(c.Request.Context(), year, time.Month(month), shiftFilter(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	})

	v1.GET("/reports/day/:date", func(c *gin.Context) {
		date, err := time.ParseInLocation("2006-01-02", c.Param("date"), loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		rows, err := reports.DetailForDay(c.Request.Context(), date, shiftFilter(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"rows": rows})
	})

	v1.GET("/reports/hourly", func(c *gin.Context) {
		start, end, ok := rangeParams(c, loc)
		if !ok {
			return
		}
		buckets, err := reports.HourlyFrequency(c.Request.Context(), start, end)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"buckets": buckets})
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

// rangeParams reads start/end date query params, defaulting to today. The end
// bound is exclusive: a bare date means the start of the following day.
func rangeParams(c *gin.Context, loc *time.Location) (time.Time, time.Time, bool) {
	now := time.Now().In(loc)
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)

	if v := c.Query("start"); v != "" {
		parsed, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "start must be YYYY-MM-DD"})
			return time.Time{}, time.Time{}, false
		}
		start = parsed
		end = start.AddDate(0, 0, 1)
	}
	if v := c.Query("end"); v != "" {
		parsed, err := time.ParseInLocation("2006-01-02", v, loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end must be YYYY-MM-DD"})
			return time.Time{}, time.Time{}, false
		}
		end = parsed.AddDate(0, 0, 1)
	}
	if !end.After(start) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "end must not precede start"})
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}

// shiftFilter parses the optional comma-separated shifts query param.
func shiftFilter(c *gin.Context) map[string]bool {
	v := c.Query("shifts")
	if v == "" {
		return nil
	}
	filter := map[string]bool{}
	for _, name := range strings.Split(v, ",") {
		if name = strings.TrimSpace(name); name != "" {
			filter[name] = true
		}
	}
	return filter
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
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

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Only add HSTS in production
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
