package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	Token     string
	SessionID string
	APIBase   string

	// AllowUnencrypted lets a call proceed without E2EE when the runtime
	// has no supported frame transform. Off by default.
	AllowUnencrypted bool

	// DropOnEncryptFailure inverts the default pass-through policy for
	// frames that fail to encrypt.
	DropOnEncryptFailure bool

	// TrackRelease selects the platform teardown order: "deferred"
	// (remove, wait, stop) or "direct" (stop, then remove).
	TrackRelease string

	// KeyRotationSeconds is the initiator-driven rotation interval.
	KeyRotationSeconds int
}

// Load reads configuration from a .env file (if present) and environment
// variables. Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	token := os.Getenv("CAREDIAL_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("CAREDIAL_TOKEN environment variable is required")
	}

	sessionID := os.Getenv("CAREDIAL_SESSION")
	if sessionID == "" {
		return nil, fmt.Errorf("CAREDIAL_SESSION environment variable is required")
	}

	release := getEnv("CAREDIAL_TRACK_RELEASE", "direct")
	if release != "direct" && release != "deferred" {
		return nil, fmt.Errorf("CAREDIAL_TRACK_RELEASE must be \"direct\" or \"deferred\", got %q", release)
	}

	return &Config{
		Token:                token,
		SessionID:            sessionID,
		APIBase:              getEnv("CAREDIAL_API_URL", "https://api.caredial.health"),
		AllowUnencrypted:     getEnv("CAREDIAL_ALLOW_UNENCRYPTED", "false") == "true",
		DropOnEncryptFailure: getEnv("CAREDIAL_DROP_ON_ENCRYPT_FAILURE", "false") == "true",
		TrackRelease:         release,
		KeyRotationSeconds:   getEnvInt("CAREDIAL_KEY_ROTATION_SECONDS", 300),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
