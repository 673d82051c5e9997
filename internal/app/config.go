package app

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime wiring options for building the app. It is built
// once and not changed afterwards.
type Config struct {
	Home          string // data directory; empty keeps all state in memory
	BaseURL       string // delivery service base URL, e.g. http://127.0.0.1:8080
	ServicePubKey string // sent in the web3mq-request-pubkey header
	DIDKey        string // sent in the didkey header
	Passphrase    string // seals the local store at rest
	Environment   string
	LogLevel      string
	LogOutput     io.Writer    // defaults to stderr
	HTTP          *http.Client // optional; defaults to a client with RequestTimeout

	MaxBuffered    int
	EpochRetention int
	PreKeyPool     int
	PreKeyLifetime time.Duration
	RetryAttempts  int
	RequestTimeout time.Duration
	SyncParallel   int
}

// DefaultHome is $HOME/.ciphergroup.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ciphergroup"
	}
	return filepath.Join(home, ".ciphergroup")
}

// LoadConfig reads a .env file from the working directory if there is one,
// then the CIPHERGROUP_* environment variables.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	return Config{
		Home:          getenv("CIPHERGROUP_HOME", DefaultHome()),
		BaseURL:       getenv("CIPHERGROUP_BASE_URL", "http://127.0.0.1:8080"),
		ServicePubKey: getenv("CIPHERGROUP_SERVICE_PUBKEY", ""),
		DIDKey:        getenv("CIPHERGROUP_DIDKEY", ""),
		Passphrase:    getenv("CIPHERGROUP_PASSPHRASE", ""),
		Environment:   getenv("CIPHERGROUP_ENV", "development"),
		LogLevel:      getenv("CIPHERGROUP_LOG_LEVEL", "info"),

		MaxBuffered:    getint("CIPHERGROUP_MAX_BUFFERED", 64),
		EpochRetention: getint("CIPHERGROUP_EPOCH_RETENTION", 2),
		PreKeyPool:     getint("CIPHERGROUP_PREKEY_POOL", 10),
		PreKeyLifetime: getdur("CIPHERGROUP_PREKEY_LIFETIME", 30*24*time.Hour),
		RetryAttempts:  getint("CIPHERGROUP_RETRY_ATTEMPTS", 3),
		RequestTimeout: getdur("CIPHERGROUP_REQUEST_TIMEOUT", 10*time.Second),
		SyncParallel:   getint("CIPHERGROUP_SYNC_PARALLEL", 4),
	}, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		slog.Warn("invalid integer, using default", "key", k, "value", v, "default", def)
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration, using default", "key", k, "value", v, "default", def)
	}
	return def
}
