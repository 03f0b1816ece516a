package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string
	HTTPAddr         string
	LogLevel         string
	LogFormat        string
	ShutdownTimeout  time.Duration

	BatchSize   int
	WorkerCount int

	// Store backend: "postgres" for production, "memory" for development.
	StoreBackend string
	DatabaseURL  string

	// Deduplication tunables.
	TemporalWindow      time.Duration
	SpatialRadiusKm     float64
	LocationRadiusKm    float64
	DivergenceTolerance float64

	// Nominatim geocoding configuration.
	GeocodeEnabled   bool
	NominatimBaseURL string
	NominatimUA      string
	NominatimTimeout time.Duration
	NominatimRPS     float64
	GeocodeCacheSize int
}

// Load reads configuration from environment variables, applying defaults
// where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := durationOrDefault("SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	window, err := durationOrDefault("DEDUP_TEMPORAL_WINDOW", 48*time.Hour)
	if err != nil {
		return nil, err
	}
	nominatimTimeout, err := durationOrDefault("NOMINATIM_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		KafkaBrokers:     parseBrokers(envOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic: envOrDefault("KAFKA_SOURCE_TOPIC", "raw-disaster-reports"),
		KafkaSinkTopic:   envOrDefault("KAFKA_SINK_TOPIC", "master-event-updates"),
		KafkaGroupID:     envOrDefault("KAFKA_GROUP_ID", "disaster-dedup"),
		HTTPAddr:         envOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:         envOrDefault("LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:  shutdownTimeout,

		BatchSize:   intOrDefault("BATCH_SIZE", 50),
		WorkerCount: intOrDefault("WORKER_COUNT", 4),

		StoreBackend: envOrDefault("STORE", "postgres"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),

		TemporalWindow:      window,
		SpatialRadiusKm:     floatOrDefault("DEDUP_SPATIAL_RADIUS_KM", 100),
		LocationRadiusKm:    floatOrDefault("LOCATION_RADIUS_KM", 1),
		DivergenceTolerance: floatOrDefault("DEDUP_DIVERGENCE_TOLERANCE", 0.25),

		NominatimBaseURL: envOrDefault("NOMINATIM_BASE_URL", "https://nominatim.openstreetmap.org"),
		NominatimUA:      envOrDefault("NOMINATIM_USER_AGENT", "disaster-dedup-service/1.0"),
		NominatimTimeout: nominatimTimeout,
		NominatimRPS:     floatOrDefault("NOMINATIM_RPS", 1),
		GeocodeCacheSize: intOrDefault("GEOCODE_CACHE_SIZE", 1000),
	}

	cfg.GeocodeEnabled = true
	if v := os.Getenv("GEOCODE_ENABLED"); v != "" {
		cfg.GeocodeEnabled = v == "true"
	}

	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if cfg.KafkaSourceTopic == "" {
		return nil, errors.New("KAFKA_SOURCE_TOPIC is required")
	}
	if cfg.KafkaSinkTopic == "" {
		return nil, errors.New("KAFKA_SINK_TOPIC is required")
	}
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DATABASE_URL is required when STORE=postgres")
		}
	case "memory":
	default:
		return nil, fmt.Errorf("unknown STORE backend %q", cfg.StoreBackend)
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("BATCH_SIZE must be positive")
	}
	if cfg.WorkerCount <= 0 {
		return nil, errors.New("WORKER_COUNT must be positive")
	}
	if cfg.TemporalWindow <= 0 {
		return nil, errors.New("DEDUP_TEMPORAL_WINDOW must be positive")
	}
	if cfg.SpatialRadiusKm <= 0 || cfg.LocationRadiusKm <= 0 {
		return nil, errors.New("spatial radii must be positive")
	}
	if cfg.DivergenceTolerance <= 0 {
		return nil, errors.New("DEDUP_DIVERGENCE_TOLERANCE must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func durationOrDefault(key string, def time.Duration) (time.Duration, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, s)
	}
	return d, nil
}

func intOrDefault(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

func floatOrDefault(key string, def float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return def
}
