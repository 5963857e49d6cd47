// Package config loads server settings from the environment, with a
// .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port           string
	DatabaseURL    string
	JoinURLBase    string
	AllowedOrigins []string

	// Pacing knobs for the timed games.
	RaceDrawInterval     time.Duration
	MatchDecisionTimeout time.Duration
	BusAnnounceDelay     time.Duration
}

func Load() (*Config, error) {
	// Missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getenv("PORT", "8080"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		JoinURLBase:          getenv("JOIN_URL_BASE", "http://localhost:5173/join"),
		AllowedOrigins:       splitList(getenv("ALLOWED_ORIGINS", "localhost:*")),
		RaceDrawInterval:     durationMS("RACE_DRAW_INTERVAL_MS", 900*time.Millisecond),
		MatchDecisionTimeout: durationMS("MATCH_DECISION_TIMEOUT_MS", 10*time.Second),
		BusAnnounceDelay:     durationMS("BUS_ANNOUNCE_DELAY_MS", 3*time.Second),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationMS(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
