package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"concert-session/booking"
	"concert-session/config"
	"concert-session/realtime"
	"concert-session/shared"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type options struct {
	token      string
	user       string
	scheduleID int64
	title      string
	seats      []string
	orderID    string
}

func main() {
	flags := pflag.NewFlagSet("session-client", pflag.ExitOnError)
	flags.String("edge-url", "", "edge server WebSocket URL")
	flags.String("nats-url", "", "NATS URL, used with --transport=nats")
	flags.String("transport", "", "realtime transport: ws or nats")
	flags.String("booking-url", "", "booking service base URL")
	flags.String("token-file", "", "file holding the bearer credential, re-read on every connect")
	flags.String("log-level", "", "log level")

	var opts options
	flags.StringVar(&opts.token, "token", "", "bearer credential")
	flags.StringVar(&opts.user, "user", "demo", "user id for a locally issued development credential")
	flags.Int64Var(&opts.scheduleID, "schedule", 42, "schedule to book")
	flags.StringVar(&opts.title, "title", "", "schedule title shown in logs")
	flags.StringSliceVar(&opts.seats, "seats", nil, "seats to hold once admitted, e.g. A1,A2")
	flags.StringVar(&opts.orderID, "order", "", "payment order id; confirms the hold when set")
	flags.Parse(os.Args[1:])

	v := viper.New()
	for key, flag := range map[string]string{
		"EDGE_URL":            "edge-url",
		"NATS_URL":            "nats-url",
		"REALTIME_TRANSPORT":  "transport",
		"BOOKING_SERVICE_URL": "booking-url",
		"REALTIME_TOKEN_FILE": "token-file",
		"LOG_LEVEL":           "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "bind flag %s: %v\n", flag, err)
			os.Exit(1)
		}
	}

	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := shared.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, logger); err != nil {
		logger.Fatal("session client failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, logger *zap.Logger) error {
	creds := credentials(cfg, opts)
	manager := realtime.NewManager(newTransport(cfg, logger), creds, realtime.Config{
		ReconnectCeiling:  cfg.Realtime.ReconnectCeiling,
		ReconnectDelay:    cfg.Realtime.ReconnectDelay,
		BackoffMultiplier: cfg.Realtime.BackoffMultiplier,
		MaxReconnectDelay: cfg.Realtime.MaxReconnectDelay,
		DialTimeout:       cfg.Booking.RequestTimeout,
	}, realtime.WithLogger(logger))

	api := booking.NewHTTPClient(cfg.Booking.ServiceURL, creds, &http.Client{Timeout: cfg.Booking.RequestTimeout})
	ctl := booking.NewController(api, manager, booking.Config{
		RenewalInterval: cfg.Booking.RenewalInterval,
		RequestTimeout:  cfg.Booking.RequestTimeout,
		LeaveTimeout:    cfg.Booking.LeaveTimeout,
	}, booking.WithLogger(logger))

	defer ctl.Close()

	manager.OnStateChange(func(s realtime.ConnectionState) {
		logger.Info("connection state", zap.Stringer("state", s), zap.Int("attempts", manager.Attempts()))
	})

	admitted := make(chan struct{}, 1)
	finished := make(chan error, 1)
	ctl.OnEvent(func(ev booking.Event) {
		logEvent(logger, ev)
		switch ev.Kind {
		case booking.EventStepChanged:
			if ev.Step == booking.StepSeats {
				select {
				case admitted <- struct{}{}:
				default:
				}
			}
		case booking.EventCompleted:
			finish(finished, nil)
		case booking.EventExpired:
			finish(finished, fmt.Errorf("session expired: %s", ev.Reason))
		case booking.EventCancelled:
			finish(finished, errors.New("session cancelled"))
		}
	})

	manager.Connect()
	defer manager.Disconnect()

	ctl.SetScheduleInfo(booking.ScheduleInfo{ID: opts.scheduleID, Title: opts.title})
	if err := ctl.JoinQueue(ctx); err != nil {
		return fmt.Errorf("join queue: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("unloading session")
			ctl.Unload()
			ctl.Wait()
			return nil

		case <-admitted:
			if len(opts.seats) == 0 {
				logger.Info("admitted; pass --seats to hold seats")
				continue
			}
			hold, err := ctl.HoldSeats(ctx, opts.seats)
			if err != nil {
				logger.Warn("hold failed", zap.Error(err))
				continue
			}
			for _, seat := range hold.Seats {
				logger.Info("seat held", zap.String("seat", seat.Location), zap.String("grade", seat.Grade), zap.Int("price", seat.Price))
			}
			if opts.orderID == "" {
				continue
			}
			ctl.SetStep(booking.StepPayment)
			if err := ctl.PaymentSucceeded(ctx, opts.orderID); err != nil {
				logger.Warn("confirmation failed", zap.Error(err))
			}

		case err := <-finished:
			ctl.Wait()
			return err
		}
	}
}

func finish(ch chan error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func newTransport(cfg *config.Config, logger *zap.Logger) realtime.Transport {
	if cfg.Realtime.Transport == "nats" {
		return realtime.NewNATSTransport(cfg.NATS.URL, cfg.NATS.Name+"-client", logger)
	}
	t := realtime.NewWSTransport(cfg.Edge.URL, logger)
	t.SendBuffer = cfg.Edge.SendBuffer
	return t
}

// credentials prefers a token file, then an explicit token, and falls back
// to issuing a development credential for --user.
func credentials(cfg *config.Config, opts options) realtime.CredentialSource {
	switch {
	case cfg.Realtime.TokenFile != "":
		return realtime.TokenFile(cfg.Realtime.TokenFile)
	case opts.token != "":
		return realtime.StaticToken(opts.token)
	}
	secret := []byte(cfg.Auth.JWTSecret)
	return realtime.TokenFunc(func(context.Context) (string, error) {
		return shared.IssueToken(secret, opts.user, cfg.Auth.TokenTTL)
	})
}

func logEvent(logger *zap.Logger, ev booking.Event) {
	fields := []zap.Field{zap.Stringer("kind", ev.Kind), zap.Stringer("step", ev.Step)}
	switch ev.Kind {
	case booking.EventCountdown:
		if ev.RemainingSeconds%30 != 0 {
			return
		}
		fields = append(fields, zap.Int("remaining_seconds", ev.RemainingSeconds))
	case booking.EventQueueAdvanced:
		fields = append(fields, zap.Int64("position", ev.Position))
	case booking.EventSeatTaken:
		fields = append(fields, zap.String("seat", ev.SeatID))
	case booking.EventCompleted:
		fields = append(fields, zap.String("booking_number", ev.BookingNumber))
	case booking.EventExpired, booking.EventCancelled:
		fields = append(fields, zap.String("reason", ev.Reason))
	case booking.EventPaymentFailed:
		fields = append(fields, zap.String("message", ev.Message))
	}
	logger.Info("booking event", fields...)
}
