package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	// dispatch policy
	ScanInterval       time.Duration
	Partitions         []string // one Search fan-out per entry; empty scans everything
	InitialDriverLimit int
	FinalDriverLimit   int
	ZombieRetries      int
	ZombieAge          time.Duration
	DefaultSpeedMps    float64
	DwellSec           float64

	// route assembly
	CostDistanceWeight float64
	CostTimeWeight     float64
	SkipDistanceOpt    bool
	OptimizerEndpoint  string
	OptimizerTimeout   time.Duration

	// lifecycle guards
	ArriveRadiusM float64
	NoShowMinWait time.Duration

	// acknowledgment
	AckTimeout        time.Duration
	BroadcastInterval time.Duration

	// conduct policy
	BanStrikes int
	LowRating  float64

	// payments; FareHoldCents 0 disables the pre-auth hold
	FareHoldCents int
	FareCurrency  string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "vehicles_geo",
		KafkaTopic:      "vehicle-movements",

		ScanInterval:       5 * time.Second,
		InitialDriverLimit: 10,
		FinalDriverLimit:   3,
		ZombieRetries:      20,
		ZombieAge:          30 * time.Minute,
		DefaultSpeedMps:    10,
		DwellSec:           30,

		CostDistanceWeight: 1.0,
		CostTimeWeight:     1.0,
		OptimizerTimeout:   2 * time.Second,

		ArriveRadiusM: 150,
		NoShowMinWait: 5 * time.Minute,

		AckTimeout:        30 * time.Second,
		BroadcastInterval: 15 * time.Second,

		BanStrikes: 3,
		LowRating:  2.0,

		FareCurrency: "usd",

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.ScanInterval, "SCAN_INTERVAL", &errs)
	if parts := os.Getenv("SCAN_PARTITIONS"); parts != "" {
		cfg.Partitions = splitAndTrim(parts)
	}
	setIntFromEnv(&cfg.InitialDriverLimit, "INITIAL_DRIVER_LIMIT", &errs)
	setIntFromEnv(&cfg.FinalDriverLimit, "FINAL_DRIVER_LIMIT", &errs)
	setIntFromEnv(&cfg.ZombieRetries, "ZOMBIE_RETRIES", &errs)
	setDurationFromEnv(&cfg.ZombieAge, "ZOMBIE_AGE", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)
	setFloatFromEnv(&cfg.DwellSec, "STOP_DWELL_SEC", &errs)

	setFloatFromEnv(&cfg.CostDistanceWeight, "COST_DISTANCE_WEIGHT", &errs)
	setFloatFromEnv(&cfg.CostTimeWeight, "COST_TIME_WEIGHT", &errs)
	cfg.SkipDistanceOpt = strings.EqualFold(os.Getenv("SKIP_DISTANCE_OPT"), "true")
	setStringFromEnv(&cfg.OptimizerEndpoint, "OPTIMIZER_ENDPOINT")
	setDurationFromEnv(&cfg.OptimizerTimeout, "OPTIMIZER_TIMEOUT", &errs)

	setFloatFromEnv(&cfg.ArriveRadiusM, "ARRIVE_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.NoShowMinWait, "NO_SHOW_MIN_WAIT", &errs)

	setDurationFromEnv(&cfg.AckTimeout, "ACK_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.BroadcastInterval, "BROADCAST_INTERVAL", &errs)

	setIntFromEnv(&cfg.BanStrikes, "BAN_STRIKES", &errs)
	setFloatFromEnv(&cfg.LowRating, "LOW_RATING_THRESHOLD", &errs)

	setIntFromEnv(&cfg.FareHoldCents, "FARE_HOLD_CENTS", &errs)
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.InitialDriverLimit <= 0 {
		errs = append(errs, fmt.Errorf("INITIAL_DRIVER_LIMIT must be > 0"))
	}
	if cfg.FinalDriverLimit <= 0 {
		errs = append(errs, fmt.Errorf("FINAL_DRIVER_LIMIT must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
