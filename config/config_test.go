package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LOG_DEVELOPMENT", "true")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Realtime.ReconnectCeiling)
	assert.Equal(t, 5*time.Second, cfg.Realtime.ReconnectDelay)
	assert.Equal(t, "ws", cfg.Realtime.Transport)
	assert.Equal(t, []int64{42}, cfg.Booking.DefaultSchedules)
	assert.Equal(t, 150000, cfg.Booking.SeatGrades["VIP"])
	assert.Equal(t, 10*time.Second, cfg.Booking.RenewalInterval)
	assert.Equal(t, 15*time.Minute, cfg.Booking.MaxHoldDuration)
	assert.Equal(t, DevJWTSecret, cfg.Auth.JWTSecret)
}

func TestLoad_JWTSecretRequiredOutsideDevelopment(t *testing.T) {
	t.Setenv("LOG_DEVELOPMENT", "false")
	t.Setenv("JWT_SECRET", "")

	_, err := Load(viper.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET")

	t.Setenv("JWT_SECRET", "s3cret")
	cfg, err := Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)

	t.Setenv("LOG_DEVELOPMENT", "true")
	cfg, err = Load(viper.New())
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret, "an explicit secret wins in development too")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("REALTIME_RECONNECT_CEILING", "3")
	t.Setenv("REALTIME_RECONNECT_DELAY", "250ms")
	t.Setenv("REALTIME_TRANSPORT", "nats")
	t.Setenv("BOOKING_SCHEDULES", "42, 43")
	t.Setenv("BOOKING_SEAT_GRADES", "vip:1,r:2")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Realtime.ReconnectCeiling)
	assert.Equal(t, 250*time.Millisecond, cfg.Realtime.ReconnectDelay)
	assert.Equal(t, "nats", cfg.Realtime.Transport)
	assert.Equal(t, []int64{42, 43}, cfg.Booking.DefaultSchedules)
	assert.Equal(t, map[string]int{"VIP": 1, "R": 2}, cfg.Booking.SeatGrades)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"REALTIME_RECONNECT_CEILING":  "0",
		"REALTIME_BACKOFF_MULTIPLIER": "0.5",
		"REALTIME_TRANSPORT":          "carrier-pigeon",
		"BOOKING_SEAT_GRADES":         "VIP",
		"BOOKING_SCHEDULES":           "forty-two",
		"BOOKING_HOLD_MAX":            "1m",
	}

	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "s3cret")
			t.Setenv(key, value)
			_, err := Load(viper.New())
			require.Error(t, err)
		})
	}
}
