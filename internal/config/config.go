// Package config loads the bridge's runtime configuration from
// command-line flags, environment variables, and an optional .env file,
// in that order of precedence, following ListenUpApp-server's
// internal/config pattern.
package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/inkbridge/calibre-device/internal/calibre"
)

// Config holds the bridge's full runtime configuration.
type Config struct {
	Server ServerConfig
	Device DeviceConfig
	Auth   AuthConfig
	Logger LoggerConfig
}

// ServerConfig controls the TCP listener the bridge accepts the desktop
// connection on.
type ServerConfig struct {
	ListenAddr string
	ListenPort int
}

// DeviceConfig describes the device identity and storage layout
// reported during the handshake and used by the store/cache.
type DeviceConfig struct {
	Name               string
	Model              string
	BooksDir           string
	DatabasePath       string
	CacheDir           string
	DeviceUUID         string
	AcceptedExtensions []string
	HasCardA           bool
	HasCardB           bool

	// User-column names (spec.md §4.B tie-breaks, §6 config store
	// contract): custom Calibre columns that carry the read/read-date/
	// favorite flags in user_metadata instead of the literal
	// _is_read_-style fields. Empty means "not configured" - the literal
	// fields are used as-is.
	ReadColumn     string
	ReadDateColumn string
	FavoriteColumn string
}

// AuthConfig holds the wireless-connection password. Password is stored
// in cleartext in memory but persisted at rest only via the external
// config store, which may mark an encrypted value with a leading "$"
// sentinel (spec.md §6); this package resolves that sentinel away before
// Password is used.
type AuthConfig struct {
	Password string
}

// LoggerConfig controls the logger package's output shape.
type LoggerConfig struct {
	Level       string
	Environment string
}

var defaultExtensions = []string{"epub", "pdf", "mobi", "azw3", "fb2", "txt", "djvu", "cbz", "cbr"}

// Load reads configuration with precedence flags > env > .env > defaults.
// stateDir is where calibre_device_uuid is persisted across runs if not
// otherwise configured.
func Load(stateDir string) (*Config, error) {
	listenAddr := flag.String("listen-addr", "", "address to listen on")
	listenPort := flag.String("listen-port", "", "TCP port to listen on")
	deviceName := flag.String("device-name", "", "device display name")
	deviceModel := flag.String("device-model", "", "device family string")
	booksDir := flag.String("books-dir", "", "base directory book files are stored under")
	dbPath := flag.String("db-path", "", "path to the device metadata database")
	cacheDir := flag.String("cache-dir", "", "directory the UUID/metadata cache file lives in")
	password := flag.String("password", "", "wireless connection password")
	readColumn := flag.String("read-column", "", "custom column name carrying the read flag, if not the literal field")
	readDateColumn := flag.String("read-date-column", "", "custom column name carrying the read date, if not the literal field")
	favoriteColumn := flag.String("favorite-column", "", "custom column name carrying the favorite flag, if not the literal field")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	env := flag.String("env", "", "environment (development, production)")
	envFile := flag.String("env-file", ".env", "path to .env file")
	flag.Parse()

	_ = loadEnvFile(*envFile)

	cacheDirValue := getValue(*cacheDir, "CALIBRE_CACHE_DIR", filepath.Join(stateDir, "cache"))

	deviceUUID, err := loadOrCreateDeviceUUID(stateDir)
	if err != nil {
		return nil, fmt.Errorf("config: device uuid: %w", err)
	}

	port, err := strconv.Atoi(getValue(*listenPort, "CALIBRE_LISTEN_PORT", "8134"))
	if err != nil {
		return nil, fmt.Errorf("config: invalid listen port: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			ListenAddr: getValue(*listenAddr, "CALIBRE_LISTEN_ADDR", "0.0.0.0"),
			ListenPort: port,
		},
		Device: DeviceConfig{
			Name:               getValue(*deviceName, "CALIBRE_DEVICE_NAME", "Go Calibre Bridge"),
			Model:              getValue(*deviceModel, "CALIBRE_DEVICE_MODEL", "generic"),
			BooksDir:           getValue(*booksDir, "CALIBRE_BOOKS_DIR", filepath.Join(stateDir, "books")),
			DatabasePath:       getValue(*dbPath, "CALIBRE_DB_PATH", filepath.Join(stateDir, "device.db")),
			CacheDir:           cacheDirValue,
			DeviceUUID:         deviceUUID,
			AcceptedExtensions: defaultExtensions,
			HasCardA:           true,
			HasCardB:           false,
			ReadColumn:         getValue(*readColumn, "CALIBRE_READ_COLUMN", ""),
			ReadDateColumn:     getValue(*readDateColumn, "CALIBRE_READ_DATE_COLUMN", ""),
			FavoriteColumn:     getValue(*favoriteColumn, "CALIBRE_FAVORITE_COLUMN", ""),
		},
		Auth: AuthConfig{
			Password: resolvePassword(getValue(*password, "CALIBRE_PASSWORD", "")),
		},
		Logger: LoggerConfig{
			Level:       getValue(*logLevel, "LOG_LEVEL", "info"),
			Environment: getValue(*env, "ENV", "development"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks that required values are present.
func (c *Config) Validate() error {
	if c.Device.BooksDir == "" {
		return errors.New("books directory cannot be empty")
	}
	if c.Device.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Server.ListenPort <= 0 || c.Server.ListenPort > 65535 {
		return fmt.Errorf("invalid listen port: %d", c.Server.ListenPort)
	}
	return nil
}

// resolvePassword strips the "$" at-rest-encryption sentinel described
// in spec.md §6. Decrypting the value is the external config store's
// job; by the time it reaches this package it is already cleartext, so
// a leading "$" here only ever means the caller passed the raw encrypted
// form through an env var by mistake - strip it rather than fail, since
// a wrong password simply fails the handshake rather than crashing
// startup.
func resolvePassword(v string) string {
	return strings.TrimPrefix(v, "$")
}

// loadOrCreateDeviceUUID returns the persisted calibre_device_uuid under
// stateDir, generating and saving one on first run (spec.md §4.B step 4).
func loadOrCreateDeviceUUID(stateDir string) (string, error) {
	path := filepath.Join(stateDir, "calibre_device_uuid")
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("%w: %v", calibre.ErrStorage, err)
	}

	id := uuid.NewString()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", calibre.ErrStorage, err)
	}
	if err := os.WriteFile(path, []byte(id), 0o600); err != nil {
		return "", fmt.Errorf("%w: %v", calibre.ErrStorage, err)
	}
	return id, nil
}

// getValue returns the first non-empty value among flag, env var, and
// default, in that precedence order.
func getValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return defaultValue
}

// loadEnvFile loads KEY=value pairs from path into the environment,
// skipping blank lines and "#" comments. A missing file is not an error.
func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}
