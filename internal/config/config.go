// Package config loads application configuration from environment variables.
package config

import (
	"log"
	"os"
)

// Config holds the settings the process cannot start without.  Tunables
// with sensible defaults live in AccessConfig and EventsConfig.
type Config struct {
	Env             string // application environment (e.g. "dev", "prod")
	Port            string // HTTP port to listen on
	DBUser          string // database username
	DBPass          string // database password (optional)
	DBHost          string // database host address
	DBPort          string // database port number
	DBName          string // database name
	JWTSecret       string // secret shared with the identity service to verify session JWTs
	VerifierKeyHash string // bcrypt hash of the shared key carried by checkpoint scanners
	LogLevel        string // slog level: debug, info, warn, error
}

// Load reads the required settings.  Missing values are fatal.
func Load() Config {
	return Config{
		Env:             must("APP_ENV"),
		Port:            must("APP_PORT"),
		DBUser:          must("DB_USER"),
		DBPass:          os.Getenv("DB_PASS"), // empty allowed
		DBHost:          must("DB_HOST"),
		DBPort:          must("DB_PORT"),
		DBName:          must("DB_NAME"),
		JWTSecret:       must("JWT_SECRET"),
		VerifierKeyHash: must("VERIFIER_KEY_HASH"),
		LogLevel:        envStr("LOG_LEVEL", "info"),
	}
}

// LoadDatabase reads only the connection settings, for tools that never
// serve HTTP.
func LoadDatabase() Config {
	return Config{
		DBUser: must("DB_USER"),
		DBPass: os.Getenv("DB_PASS"),
		DBHost: must("DB_HOST"),
		DBPort: must("DB_PORT"),
		DBName: must("DB_NAME"),
	}
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

