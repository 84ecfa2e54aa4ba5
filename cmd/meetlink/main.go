package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"meetlink/internal/api"
	"meetlink/internal/chat"
	"meetlink/internal/config"
	"meetlink/internal/lifecycle"
	"meetlink/internal/media"
	"meetlink/internal/meeting"
	"meetlink/internal/openvidu"
	"meetlink/internal/rtc"
	"meetlink/pkg/telemetry"
)

type options struct {
	room     string
	memberID int
	noChat   bool
	logLevel string
}

func parseFlags() options {
	var o options
	pflag.StringVar(&o.room, "room", "", "room to join at startup")
	pflag.IntVar(&o.memberID, "member-id", 0, "member id announced to other participants")
	pflag.BoolVar(&o.noChat, "no-chat", false, "do not open the chat channel")
	pflag.StringVar(&o.logLevel, "log-level", "", "log level, overrides LOG_LEVEL")
	pflag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(logger, opts); err != nil {
		logger.Fatal().Err(err).Msg("application failure")
	}
}

func run(logger zerolog.Logger, opts options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}

	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		logger = logger.Level(lvl)
	} else {
		logger.Warn().Str("level", level).Msg("unknown log level, keeping default")
	}

	// 1. Telemetry
	tracerProvider, err := telemetry.InitTracer(ctx, cfg.TelemetryEndpoint, telemetry.DefaultServiceName)
	if err != nil {
		return fmt.Errorf("telemetry init failed: %w", err)
	}
	if tracerProvider != nil {
		defer func() {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				logger.Error().Err(err).Msg("error shutting down tracer provider")
			}
		}()
		logger.Info().Str("endpoint", cfg.TelemetryEndpoint).Msg("telemetry enabled")
	} else {
		logger.Info().Msg("telemetry disabled (no endpoint configured)")
	}

	// 2. OpenVidu credentials
	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	if cfg.InsecureTLS {
		httpClient.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	ovClient, err := openvidu.NewClient(&openvidu.ClientConfig{
		Logger:     &logger,
		ServerURL:  cfg.ServerURL,
		AppID:      cfg.AppID,
		Secret:     cfg.Secret,
		Timeout:    cfg.RequestTimeout,
		HTTPClient: httpClient,
	})
	if err != nil {
		return fmt.Errorf("openvidu client init failed: %w", err)
	}

	// 3. Media engine and meeting
	engine, err := rtc.NewEngine(&rtc.Config{
		Logger:      &logger,
		ICEServers:  cfg.ICEServers,
		InsecureTLS: cfg.InsecureTLS,
	})
	if err != nil {
		return fmt.Errorf("media engine init failed: %w", err)
	}

	hooks := lifecycle.NewHooks()
	svc, err := meeting.NewService(&meeting.Config{
		Logger:         &logger,
		Engine:         engine,
		Credentials:    openvidu.NewProvider(ovClient),
		Hooks:          hooks,
		MemberID:       opts.memberID,
		RequestTimeout: cfg.RequestTimeout,
		OnException:    func(err error) {
			var rerr *media.RuntimeError
			if errors.As(err, &rerr) {
				logger.Warn().Str("name", rerr.Name).Str("origin", rerr.Origin).Msg(rerr.Message)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("meeting service init failed: %w", err)
	}

	// 4. Chat
	var chatSender api.ChatSender
	if opts.room != "" && !opts.noChat {
		channel := openChat(ctx, logger, cfg, opts.room)
		hooks.Register(channel.Close)
		chatSender = channel
	}

	if opts.room != "" {
		go func() {
			if err := svc.Join(ctx, opts.room); err != nil {
				logger.Error().Err(err).Str("room_id", opts.room).Msg("startup join failed")
			}
		}()
	}

	// 5. HTTP control API
	apiHandler := api.NewHandler(&logger, svc, chatSender, cfg.ChatSendPrefix)
	mux := http.NewServeMux()
	apiHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: mux,
	}

	srvErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("starting HTTP server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- fmt.Errorf("http server failed: %w", err)
		}
	}()

	// 6. Wait for signal or error
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-srvErr:
		hooks.Fire()
		return err
	case <-stop:
		logger.Info().Msg("shutting down")
	}

	// Release the meeting and chat before the server goes away.
	hooks.Fire()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}

func openChat(ctx context.Context, logger zerolog.Logger, cfg *config.Config, room string) *chat.Channel {
	topic := cfg.ChatTopicPrefix + room
	return chat.Open(ctx, chat.Config{
		Logger:   &logger,
		Endpoint: cfg.ChatEndpoint,
		Dialer:   &chat.StompDialer{Logger: &logger, HeartBeat: 10 * time.Second},
	}, func(c chat.Client) {
		_, err := c.Subscribe(topic, func(m chat.Message) {
			logger.Info().Str("destination", m.Destination).Str("content_type", m.ContentType).Bytes("body", m.Body).Msg("chat message")
		})
		if err != nil {
			logger.Error().Err(err).Str("topic", topic).Msg("chat subscribe failed")
			return
		}
		logger.Info().Str("topic", topic).Msg("chat subscribed")
	}, func(err error) {
		logger.Error().Err(err).Msg("chat unavailable")
	})
}
