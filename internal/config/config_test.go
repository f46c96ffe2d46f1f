package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("HTTPAddr = %s", cfg.HTTPAddr)
	}
	if cfg.ScanInterval != 5*time.Second {
		t.Fatalf("ScanInterval = %s", cfg.ScanInterval)
	}
	if cfg.InitialDriverLimit != 10 || cfg.FinalDriverLimit != 3 {
		t.Fatalf("driver limits = (%d, %d)", cfg.InitialDriverLimit, cfg.FinalDriverLimit)
	}
	if cfg.BanStrikes != 3 || cfg.LowRating != 2.0 {
		t.Fatalf("conduct thresholds = (%d, %f)", cfg.BanStrikes, cfg.LowRating)
	}
	if cfg.AckTimeout != 30*time.Second {
		t.Fatalf("AckTimeout = %s", cfg.AckTimeout)
	}
	if cfg.RedisGeoKey != "vehicles_geo" || cfg.KafkaTopic != "vehicle-movements" {
		t.Fatalf("stream defaults = (%s, %s)", cfg.RedisGeoKey, cfg.KafkaTopic)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("SCAN_INTERVAL", "250ms")
	t.Setenv("SCAN_PARTITIONS", "east, west ,")
	t.Setenv("INITIAL_DRIVER_LIMIT", "25")
	t.Setenv("SKIP_DISTANCE_OPT", "true")
	t.Setenv("NO_SHOW_MIN_WAIT", "90s")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("LoadServerConfig: %v", err)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("HTTPAddr = %s", cfg.HTTPAddr)
	}
	if cfg.ScanInterval != 250*time.Millisecond {
		t.Fatalf("ScanInterval = %s", cfg.ScanInterval)
	}
	if len(cfg.Partitions) != 2 || cfg.Partitions[0] != "east" || cfg.Partitions[1] != "west" {
		t.Fatalf("Partitions = %v", cfg.Partitions)
	}
	if cfg.InitialDriverLimit != 25 {
		t.Fatalf("InitialDriverLimit = %d", cfg.InitialDriverLimit)
	}
	if !cfg.SkipDistanceOpt {
		t.Fatal("SkipDistanceOpt not set")
	}
	if cfg.NoShowMinWait != 90*time.Second {
		t.Fatalf("NoShowMinWait = %s", cfg.NoShowMinWait)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
}

func TestInvalidValuesJoinErrors(t *testing.T) {
	t.Setenv("SCAN_INTERVAL", "soon")
	t.Setenv("INITIAL_DRIVER_LIMIT", "many")
	t.Setenv("LOW_RATING_THRESHOLD", "low")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected joined parse errors")
	}
}

func TestDriverLimitMustBePositive(t *testing.T) {
	t.Setenv("FINAL_DRIVER_LIMIT", "0")
	if _, err := LoadServerConfig(); err == nil {
		t.Fatal("expected validation error for zero driver limit")
	}
}
