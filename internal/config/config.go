package config

import (
	"os"
	"strconv"
	"time"
)

// Runtime configuration, read once from the environment at startup.
type Config struct {
	Port string

	RoomsDir  string
	AssetsDir string
	DBPath    string

	RoomRetention  time.Duration
	AssetRetention time.Duration
	SweepInterval  time.Duration
	SweepEnabled   bool

	MaxUploadBytes int64
}

func FromEnv() Config {
	return Config{
		Port:           getEnv("PORT", "3001"),
		RoomsDir:       getEnv("ROOMS_DIR", "./data/rooms"),
		AssetsDir:      getEnv("ASSETS_DIR", "./data/assets"),
		DBPath:         getEnv("DB_PATH", "./data/hub.db"),
		RoomRetention:  time.Duration(getEnvInt("ROOM_RETENTION_DAYS", 7)) * 24 * time.Hour,
		AssetRetention: time.Duration(getEnvInt("ASSET_RETENTION_DAYS", 30)) * 24 * time.Hour,
		SweepInterval:  time.Duration(getEnvInt("CLEANUP_INTERVAL_HOURS", 6)) * time.Hour,
		SweepEnabled:   os.Getenv("CLEANUP_ENABLED") != "false",
		MaxUploadBytes: getEnvInt64("MAX_UPLOAD_BYTES", 16<<20),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
