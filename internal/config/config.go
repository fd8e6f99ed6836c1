// Package config provides configuration loading and management for the
// template store service. It handles environment variable parsing and
// provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package
// initialization. In development, it loads .env and .env.local files if they
// exist. In production, it relies solely on system environment variables.
// godotenv.Load() does not override already-set environment variables,
// preserving OS env > .env precedence.
func init() {
	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the template store service.
type Config struct {
	Env  string // Deployment environment (dev, staging, prod)
	Port string // HTTP server port

	// Storage backend selection
	Backend     string // Storage backend: dynamodb, postgres or memory
	TableName   string // DynamoDB table name for templates
	DatabaseDSN string // Database connection string (PostgreSQL)

	// Event streaming
	NATSURL string // NATS server URL

	// Letter file storage
	S3Endpoint      string // S3-compatible storage endpoint
	S3Region        string // S3 region
	QuarantineBucket string // Bucket new uploads land in until scanned
	InternalBucket   string // Bucket scanned files are promoted to

	// Authentication
	JWTIssuer   string // Expected issuer for JWT validation
	JWTAudience string // Expected audience for JWT validation
	IdentityURL string // Client configuration service base URL

	// Lifecycle policy
	DeletedTTLDays  int    // Days soft-deleted templates are retained
	DefaultSupplier string // Print supplier proofs are requested from

	// CORS configuration
	CORSAllowedOrigins []string // Allowed origins for CORS (empty means deny all)
}

// Default configuration values used when environment variables are not set
const (
	defaultPort           = "8080"
	defaultEnv            = "dev"
	defaultBackend        = "memory"
	defaultS3Region       = "eu-west-2"
	defaultDeletedTTLDays = 30
	defaultSupplier       = "WTMMOCK"
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. It handles both required and optional configuration
// parameters, providing defaults where appropriate. Returns an error if
// required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:             getEnv("TEMPLATES_ENV", defaultEnv),
		Port:            getEnv("TEMPLATES_PORT", defaultPort),
		Backend:         getEnv("TEMPLATES_BACKEND", defaultBackend),
		S3Region:        getEnv("TEMPLATES_S3_REGION", defaultS3Region),
		DefaultSupplier: getEnv("TEMPLATES_DEFAULT_SUPPLIER", defaultSupplier),
	}

	// Handle optional variables
	if table, exists := os.LookupEnv("TEMPLATES_TABLE_NAME"); exists {
		cfg.TableName = table
	}

	if dsn, exists := os.LookupEnv("TEMPLATES_DB_DSN"); exists {
		cfg.DatabaseDSN = dsn
	}

	if natsURL, exists := os.LookupEnv("TEMPLATES_NATS_URL"); exists {
		cfg.NATSURL = natsURL
	}

	if s3Endpoint, exists := os.LookupEnv("TEMPLATES_S3_ENDPOINT"); exists {
		cfg.S3Endpoint = s3Endpoint
	}

	if bucket, exists := os.LookupEnv("TEMPLATES_QUARANTINE_BUCKET"); exists {
		cfg.QuarantineBucket = bucket
	}

	if bucket, exists := os.LookupEnv("TEMPLATES_INTERNAL_BUCKET"); exists {
		cfg.InternalBucket = bucket
	}

	if jwtIssuer, exists := os.LookupEnv("TEMPLATES_JWT_ISSUER"); exists {
		cfg.JWTIssuer = jwtIssuer
	}

	if jwtAudience, exists := os.LookupEnv("TEMPLATES_JWT_AUDIENCE"); exists {
		cfg.JWTAudience = jwtAudience
	}

	if identityURL, exists := os.LookupEnv("TEMPLATES_IDENTITY_URL"); exists {
		cfg.IdentityURL = identityURL
	}

	// Handle deleted template retention
	cfg.DeletedTTLDays = defaultDeletedTTLDays
	if ttlDays, exists := os.LookupEnv("TEMPLATES_DELETED_TTL_DAYS"); exists {
		days, err := strconv.Atoi(ttlDays)
		if err != nil || days <= 0 {
			return cfg, fmt.Errorf("TEMPLATES_DELETED_TTL_DAYS must be a positive integer, got %q", ttlDays)
		}
		cfg.DeletedTTLDays = days
	}

	// Handle CORS configuration
	if corsOrigins, exists := os.LookupEnv("TEMPLATES_CORS_ALLOWED_ORIGINS"); exists {
		cfg.CORSAllowedOrigins = strings.Split(corsOrigins, ",")
		for i, origin := range cfg.CORSAllowedOrigins {
			cfg.CORSAllowedOrigins[i] = strings.TrimSpace(origin)
		}
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("TEMPLATES_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("TEMPLATES_JWT_AUDIENCE is required")
	}

	switch cfg.Backend {
	case "dynamodb":
		if cfg.TableName == "" {
			return cfg, fmt.Errorf("TEMPLATES_TABLE_NAME is required for the dynamodb backend")
		}
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return cfg, fmt.Errorf("TEMPLATES_DB_DSN is required for the postgres backend")
		}
	case "memory":
	default:
		return cfg, fmt.Errorf("TEMPLATES_BACKEND must be dynamodb, postgres or memory, got %q", cfg.Backend)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not
// set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}
