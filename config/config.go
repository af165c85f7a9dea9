package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DevJWTSecret signs credentials when LOG_DEVELOPMENT is set and
// JWT_SECRET is not.
const DevJWTSecret = "dev-secret"

type Config struct {
	HTTP     HTTPConfig
	Redis    RedisConfig
	NATS     NATSConfig
	Edge     EdgeConfig
	Booking  BookingConfig
	Realtime RealtimeConfig
	Auth     AuthConfig
	Log      LogConfig
}

type HTTPConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
}

type NATSConfig struct {
	URL  string
	Name string
}

type EdgeConfig struct {
	Port              string
	URL               string
	BookingServiceURL string
	SendBuffer        int
}

type BookingConfig struct {
	ServiceURL   string
	HoldDuration time.Duration
	// MaxHoldDuration caps how far renewals push a session's deadline
	// past its admission.
	MaxHoldDuration  time.Duration
	QueueBudget      time.Duration
	AdmitPerTick     int
	RenewalsPerMin   int
	RenewalInterval  time.Duration
	LeaveTimeout     time.Duration
	RequestTimeout   time.Duration
	SeatGrades       map[string]int
	SweepInterval    time.Duration
	AdmitInterval    time.Duration
	DefaultSchedules []int64
}

type RealtimeConfig struct {
	Transport         string
	ReconnectCeiling  int
	ReconnectDelay    time.Duration
	BackoffMultiplier float64
	MaxReconnectDelay time.Duration
	TokenFile         string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type LogConfig struct {
	Level       string
	Development bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("HTTP_READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_POOL_SIZE", 100)
	v.SetDefault("REDIS_MIN_IDLE_CONNS", 10)
	v.SetDefault("REDIS_DIAL_TIMEOUT", 5*time.Second)
	v.SetDefault("NATS_URL", "nats://127.0.0.1:4222")
	v.SetDefault("NATS_NAME", "concert-session")
	v.SetDefault("EDGE_PORT", "3000")
	v.SetDefault("EDGE_URL", "ws://localhost:3000/ws")
	v.SetDefault("EDGE_SEND_BUFFER", 256)
	v.SetDefault("BOOKING_SERVICE_URL", "http://localhost:8080")
	v.SetDefault("BOOKING_HOLD_DURATION", 5*time.Minute)
	v.SetDefault("BOOKING_HOLD_MAX", 15*time.Minute)
	v.SetDefault("BOOKING_QUEUE_BUDGET", 5*time.Minute)
	v.SetDefault("BOOKING_ADMIT_PER_TICK", 50)
	v.SetDefault("BOOKING_RENEWALS_PER_MIN", 12)
	v.SetDefault("BOOKING_RENEWAL_INTERVAL", 10*time.Second)
	v.SetDefault("BOOKING_LEAVE_TIMEOUT", 3*time.Second)
	v.SetDefault("BOOKING_REQUEST_TIMEOUT", 10*time.Second)
	v.SetDefault("BOOKING_SWEEP_INTERVAL", 2*time.Second)
	v.SetDefault("BOOKING_ADMIT_INTERVAL", time.Second)
	v.SetDefault("BOOKING_SCHEDULES", "42")
	v.SetDefault("BOOKING_SEAT_GRADES", "VIP:150000,R:120000,S:90000")
	v.SetDefault("REALTIME_TRANSPORT", "ws")
	v.SetDefault("REALTIME_RECONNECT_CEILING", 5)
	v.SetDefault("REALTIME_RECONNECT_DELAY", 5*time.Second)
	v.SetDefault("REALTIME_BACKOFF_MULTIPLIER", 1.0)
	v.SetDefault("REALTIME_MAX_RECONNECT_DELAY", time.Minute)
	v.SetDefault("REALTIME_TOKEN_FILE", "")
	v.SetDefault("JWT_SECRET", "")
	v.SetDefault("JWT_TTL", 24*time.Hour)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_DEVELOPMENT", false)
}

// Load reads an optional .env file, then the environment, into a Config.
// Values already present in v (flags bound by the caller) win over both.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		HTTP: HTTPConfig{
			Port:         v.GetString("PORT"),
			ReadTimeout:  v.GetDuration("HTTP_READ_TIMEOUT"),
			WriteTimeout: v.GetDuration("HTTP_WRITE_TIMEOUT"),
		},
		Redis: RedisConfig{
			Addr:         v.GetString("REDIS_ADDR"),
			Password:     v.GetString("REDIS_PASSWORD"),
			DB:           v.GetInt("REDIS_DB"),
			PoolSize:     v.GetInt("REDIS_POOL_SIZE"),
			MinIdleConns: v.GetInt("REDIS_MIN_IDLE_CONNS"),
			DialTimeout:  v.GetDuration("REDIS_DIAL_TIMEOUT"),
		},
		NATS: NATSConfig{
			URL:  v.GetString("NATS_URL"),
			Name: v.GetString("NATS_NAME"),
		},
		Edge: EdgeConfig{
			Port:              v.GetString("EDGE_PORT"),
			URL:               v.GetString("EDGE_URL"),
			BookingServiceURL: v.GetString("BOOKING_SERVICE_URL"),
			SendBuffer:        v.GetInt("EDGE_SEND_BUFFER"),
		},
		Booking: BookingConfig{
			ServiceURL:      v.GetString("BOOKING_SERVICE_URL"),
			HoldDuration:    v.GetDuration("BOOKING_HOLD_DURATION"),
			MaxHoldDuration: v.GetDuration("BOOKING_HOLD_MAX"),
			QueueBudget:     v.GetDuration("BOOKING_QUEUE_BUDGET"),
			AdmitPerTick:    v.GetInt("BOOKING_ADMIT_PER_TICK"),
			RenewalsPerMin:  v.GetInt("BOOKING_RENEWALS_PER_MIN"),
			RenewalInterval: v.GetDuration("BOOKING_RENEWAL_INTERVAL"),
			LeaveTimeout:    v.GetDuration("BOOKING_LEAVE_TIMEOUT"),
			RequestTimeout:  v.GetDuration("BOOKING_REQUEST_TIMEOUT"),
			SweepInterval:   v.GetDuration("BOOKING_SWEEP_INTERVAL"),
			AdmitInterval:   v.GetDuration("BOOKING_ADMIT_INTERVAL"),
		},
		Realtime: RealtimeConfig{
			Transport:         v.GetString("REALTIME_TRANSPORT"),
			ReconnectCeiling:  v.GetInt("REALTIME_RECONNECT_CEILING"),
			ReconnectDelay:    v.GetDuration("REALTIME_RECONNECT_DELAY"),
			BackoffMultiplier: v.GetFloat64("REALTIME_BACKOFF_MULTIPLIER"),
			MaxReconnectDelay: v.GetDuration("REALTIME_MAX_RECONNECT_DELAY"),
			TokenFile:         v.GetString("REALTIME_TOKEN_FILE"),
		},
		Auth: AuthConfig{
			JWTSecret: v.GetString("JWT_SECRET"),
			TokenTTL:  v.GetDuration("JWT_TTL"),
		},
		Log: LogConfig{
			Level:       v.GetString("LOG_LEVEL"),
			Development: v.GetBool("LOG_DEVELOPMENT"),
		},
	}

	grades, err := parseGrades(v.GetString("BOOKING_SEAT_GRADES"))
	if err != nil {
		return nil, err
	}
	cfg.Booking.SeatGrades = grades
	schedules, err := parseIDs(v.GetString("BOOKING_SCHEDULES"))
	if err != nil {
		return nil, err
	}
	cfg.Booking.DefaultSchedules = schedules
	if cfg.Auth.JWTSecret == "" && cfg.Log.Development {
		cfg.Auth.JWTSecret = DevJWTSecret
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Realtime.ReconnectCeiling < 1 {
		return fmt.Errorf("REALTIME_RECONNECT_CEILING must be >= 1, got %d", c.Realtime.ReconnectCeiling)
	}
	if c.Realtime.BackoffMultiplier < 1 {
		return fmt.Errorf("REALTIME_BACKOFF_MULTIPLIER must be >= 1, got %v", c.Realtime.BackoffMultiplier)
	}
	switch c.Realtime.Transport {
	case "ws", "nats":
	default:
		return fmt.Errorf("REALTIME_TRANSPORT must be ws or nats, got %q", c.Realtime.Transport)
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET must be set outside development mode")
	}
	if c.Booking.MaxHoldDuration > 0 && c.Booking.MaxHoldDuration < c.Booking.HoldDuration {
		return fmt.Errorf("BOOKING_HOLD_MAX (%v) must not be shorter than BOOKING_HOLD_DURATION (%v)",
			c.Booking.MaxHoldDuration, c.Booking.HoldDuration)
	}
	return nil
}

// parseGrades reads "VIP:150000,R:120000" into grade -> price.
func parseGrades(raw string) (map[string]int, error) {
	out := make(map[string]int)
	for _, part := range splitList(raw) {
		name, price, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("BOOKING_SEAT_GRADES entry %q: want GRADE:PRICE", part)
		}
		n, err := strconv.Atoi(price)
		if err != nil {
			return nil, fmt.Errorf("BOOKING_SEAT_GRADES entry %q: %w", part, err)
		}
		out[strings.ToUpper(strings.TrimSpace(name))] = n
	}
	if len(out) == 0 {
		return nil, errors.New("BOOKING_SEAT_GRADES must name at least one grade")
	}
	return out, nil
}

func parseIDs(raw string) ([]int64, error) {
	var out []int64
	for _, part := range splitList(raw) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("BOOKING_SCHEDULES entry %q: %w", part, err)
		}
		out = append(out, id)
	}
	return out, nil
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' '
	})
}
