package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Location sources understood by the relay.
const (
	LocationSourcePush  = "push"
	LocationSourceRoute = "route"
)

type Config struct {
	DatabaseURL       string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	HTTPAddr    string
	MetricsAddr string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LocationSource   string
	LocationInterval time.Duration
	LocationMaxAge   time.Duration
	SimSpeedKmh      float64
	RemoteTimeout    time.Duration

	OTPTTL           time.Duration
	SessionTTL       time.Duration
	OTPPerMinute     int
	PhoneCountryCode string

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	// Database URL: prefer DATABASE_URL / PG_DSN, else build from PG* vars
	dsn := firstNonEmpty(
		os.Getenv("DATABASE_URL"),
		os.Getenv("PG_DSN"),
	)
	if dsn == "" {
		host := getenvDefault("PGHOST", "127.0.0.1")
		port := getenvDefault("PGPORT", "5432")
		user := getenvDefault("PGUSER", "postgres")
		pass := os.Getenv("PGPASSWORD")
		db := os.Getenv("PGDATABASE")
		if db == "" {
			return nil, errors.New("PGDATABASE or DATABASE_URL must be set")
		}
		sslmode := getenvDefault("PGSSLMODE", "disable")
		if pass != "" {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
		} else {
			cfg.DatabaseURL = fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
		}
	} else {
		cfg.DatabaseURL = dsn
	}

	cfg.NATSURL = getenvDefault("NATS_URL", "nats://127.0.0.1:4222")
	cfg.NATSSubjectPrefix = getenvDefault("NATS_SUBJECT_PREFIX", "vehicles")
	cfg.LogNATSSubjects = parseBool(os.Getenv("LOG_NATS_SUBJECTS"))

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	cfg.RedisAddr = getenvDefault("REDIS_ADDR", "127.0.0.1:6379")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB: %q", v)
		}
		cfg.RedisDB = n
	}

	cfg.LocationSource = strings.ToLower(getenvDefault("LOCATION_SOURCE", LocationSourcePush))
	switch cfg.LocationSource {
	case LocationSourcePush, LocationSourceRoute:
	default:
		return nil, fmt.Errorf("invalid LOCATION_SOURCE: %q (want %s or %s)", cfg.LocationSource, LocationSourcePush, LocationSourceRoute)
	}

	var err error
	if cfg.LocationInterval, err = positiveMillis("LOCATION_INTERVAL_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.LocationMaxAge, err = positiveMillis("LOCATION_MAX_AGE_MS", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RemoteTimeout, err = positiveMillis("REMOTE_TIMEOUT_MS", 10*time.Second); err != nil {
		return nil, err
	}

	if v := os.Getenv("SIM_SPEED_KMH"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("invalid SIM_SPEED_KMH: %q", v)
		}
		cfg.SimSpeedKmh = f
	} else {
		cfg.SimSpeedKmh = 30
	}

	// OTP lifetime (seconds)
	if v := os.Getenv("OTP_TTL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid OTP_TTL_SEC: %q", v)
		}
		cfg.OTPTTL = time.Duration(sec) * time.Second
	} else {
		cfg.OTPTTL = 60 * time.Second
	}

	// Signed-in session lifetime (hours)
	if v := os.Getenv("SESSION_TTL_HOURS"); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h <= 0 {
			return nil, fmt.Errorf("invalid SESSION_TTL_HOURS: %q", v)
		}
		cfg.SessionTTL = time.Duration(h) * time.Hour
	} else {
		cfg.SessionTTL = 12 * time.Hour
	}

	if v := os.Getenv("OTP_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid OTP_PER_MINUTE: %q", v)
		}
		cfg.OTPPerMinute = n
	} else {
		cfg.OTPPerMinute = 3
	}

	cfg.PhoneCountryCode = getenvDefault("PHONE_COUNTRY_CODE", "+91")
	if !strings.HasPrefix(cfg.PhoneCountryCode, "+") {
		return nil, fmt.Errorf("invalid PHONE_COUNTRY_CODE: %q (must start with +)", cfg.PhoneCountryCode)
	}

	cfg.LogLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getenvDefault("LOG_FORMAT", "json")

	return cfg, nil
}

func positiveMillis(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
