package app

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
)

// ServerConfig defines how the relay should run.
type ServerConfig struct {
	Addr   string
	DBPath string
}

// ClientConfig defines the parameters the terminal client needs.
type ClientConfig struct {
	ServerURL string // ws(s)://host/events
	Username  string
	RoomKey   string
}

// LoadEnv pulls a .env file into the environment when present. Missing files
// are fine; explicit environment always wins.
func LoadEnv() {
	_ = godotenv.Load()
}

// Getenv returns the variable or the fallback.
func Getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("ROOMSYNC_DB_PATH"); env != "" {
		return env
	}
	if env := os.Getenv("ROOMSYNC_DATA_DIR"); env != "" {
		return filepath.Join(env, "roomsync.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "roomsync", "roomsync.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Roomsync", "roomsync.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Roomsync", "roomsync.db")
		}
		return filepath.Join(home, ".local", "share", "roomsync", "roomsync.db")
	}
	return filepath.Join(".", ".roomsync", "roomsync.db")
}
