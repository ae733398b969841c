// README: Scenario runner against a running vtc-api; drives dispatch flows over HTTP and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	runner, err := NewRunner(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	results := runner.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case statusPass:
			pass++
		case statusFail:
			fail++
		case statusSkip:
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)

	if fail > 0 || (cfg.Strict && skipped > 0) {
		os.Exit(1)
	}
}

type Config struct {
	BaseURL        string
	JWTSecret      string
	DSN            string
	RedisAddr      string
	MigrationPath  string
	ApplyMigration bool
	Strict         bool
	Timeout        time.Duration
	Concurrency    int
	Orders         int
	Duration       time.Duration
	// Pickup anchors every scenario; drivers are placed north of it.
	PickupLat float64
	PickupLng float64
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("VTC_SIM_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", envOrDefault("VTC_AUTH_JWT_SECRET", ""), "HS256 secret shared with the API")
	flag.StringVar(&cfg.DSN, "dsn", envOrDefault("VTC_DB_DSN", ""), "Postgres DSN for ledger checks")
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("VTC_REDIS_ADDR", ""), "Redis address for presence checks")
	flag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("VTC_SIM_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", envOrDefaultBool("VTC_SIM_APPLY_MIGRATION", false), "Apply migration SQL before the run")
	flag.BoolVar(&cfg.Strict, "strict", envOrDefaultBool("VTC_SIM_STRICT", false), "Fail on skipped cases")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("VTC_SIM_TIMEOUT", 2*time.Minute), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("VTC_SIM_CONCURRENCY", 8), "Drivers racing for one offer")
	flag.IntVar(&cfg.Orders, "orders", envOrDefaultInt("VTC_SIM_ORDERS", 10), "Concurrent scenario orders")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("VTC_SIM_DURATION", 10*time.Second), "Duration for the ping load case")
	flag.Float64Var(&cfg.PickupLat, "pickup-lat", 48.8566, "Scenario pickup latitude")
	flag.Float64Var(&cfg.PickupLng, "pickup-lng", 2.3522, "Scenario pickup longitude")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
