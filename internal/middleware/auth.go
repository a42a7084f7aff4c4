package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"imgscan-server/internal/models"
)

// RateLimiter counts requests per key in a fixed window
type RateLimiter interface {
	IncrementRateLimit(ctx context.Context, keyHash string, limit int, window time.Duration) (int64, bool, error)
}

// AuthConfig holds authentication middleware configuration
type AuthConfig struct {
	APIKey     string        // Static API key (for simple auth)
	Limiter    RateLimiter   // Redis-backed limiter, nil disables rate limiting
	RateLimit  int           // Requests per window
	RateWindow time.Duration // Rate limit window
	SkipPaths  []string      // Paths to skip authentication
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(cfg AuthConfig) fiber.Handler {
	skipPaths := make(map[string]bool)
	for _, path := range cfg.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *fiber.Ctx) error {
		path := c.Path()

		// Skip authentication for certain paths
		if skipPaths[path] {
			return c.Next()
		}

		// Also skip if path starts with skipped prefix
		for p := range skipPaths {
			if strings.HasPrefix(path, p+"/") {
				return c.Next()
			}
		}

		// Get API key from header
		apiKey := c.Get("X-API-Key")
		if apiKey == "" {
			// Try Authorization header with Bearer
			auth := c.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if apiKey == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(models.NewErrorResponse("Missing API key"))
		}

		// Validate API key
		if cfg.APIKey != "" && apiKey != cfg.APIKey {
			log.Warn().
				Str("ip", c.IP()).
				Str("path", path).
				Msg("Invalid API key attempt")

			return c.Status(fiber.StatusUnauthorized).JSON(models.NewErrorResponse("Invalid API key"))
		}

		keyHash := hashAPIKey(apiKey)

		// Rate limiting
		if cfg.Limiter != nil && cfg.RateLimit > 0 {
			count, exceeded, err := cfg.Limiter.IncrementRateLimit(
				c.UserContext(),
				keyHash,
				cfg.RateLimit,
				cfg.RateWindow,
			)

			if err != nil {
				log.Error().Err(err).Msg("Rate limit check failed")
				// Continue without rate limiting on error
			} else {
				remaining := int64(cfg.RateLimit) - count
				if remaining < 0 {
					remaining = 0
				}
				c.Set("X-RateLimit-Limit", strconv.Itoa(cfg.RateLimit))
				c.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

				if exceeded {
					return c.Status(fiber.StatusTooManyRequests).JSON(models.NewErrorResponse("Rate limit exceeded"))
				}
			}
		}

		// Store API key hash in context for logging
		c.Locals("api_key_hash", keyHash)

		return c.Next()
	}
}

// hashAPIKey creates a SHA256 hash of the API key
func hashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// RequestLogger creates a request logging middleware
func RequestLogger() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		// Process request
		err := c.Next()

		// Log request
		duration := time.Since(start)
		status := c.Response().StatusCode()

		logEvent := log.Info()
		if status >= 400 {
			logEvent = log.Warn()
		}
		if status >= 500 {
			logEvent = log.Error()
		}

		logEvent.
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", duration).
			Str("ip", c.IP()).
			Str("user_agent", c.Get("User-Agent")).
			Msg("HTTP request")

		return err
	}
}

// RecoverMiddleware recovers from panics
func RecoverMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("path", c.Path()).
					Msg("Recovered from panic")

				err = c.Status(fiber.StatusInternalServerError).JSON(models.NewErrorResponse("Internal server error"))
			}
		}()

		return c.Next()
	}
}

// CORSMiddleware adds CORS headers
func CORSMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")

		if c.Method() == "OPTIONS" {
			return c.SendStatus(fiber.StatusNoContent)
		}

		return c.Next()
	}
}
