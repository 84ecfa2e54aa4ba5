package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort          int           `yaml:"http_port"`
	ServerURL         string        `yaml:"openvidu_url"`
	AppID             string        `yaml:"openvidu_app_id"`
	Secret            string        `yaml:"openvidu_secret"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ChatEndpoint      string        `yaml:"chat_endpoint"`
	ChatTopicPrefix   string        `yaml:"chat_topic_prefix"`
	ChatSendPrefix    string        `yaml:"chat_send_prefix"`
	ICEServers        []string      `yaml:"ice_servers"`
	InsecureTLS       bool          `yaml:"openvidu_insecure_tls"`
	LogLevel          string        `yaml:"log_level"`
	TelemetryEndpoint string        `yaml:"telemetry_endpoint"`
}

func defaults() *Config {
	return &Config{
		HTTPPort:        8081,
		ServerURL:       "http://localhost:4443",
		AppID:           "OPENVIDUAPP",
		Secret:          "MY_SECRET",
		RequestTimeout:  10 * time.Second,
		ChatEndpoint:    "ws://localhost:8080/ws/chat/websocket",
		ChatTopicPrefix: "/topic/chat/",
		ChatSendPrefix:  "/app/chat/",
		ICEServers:      []string{"stun:stun.l.google.com:19302"},
		LogLevel:        "info",
	}
}

// Load builds the configuration from defaults, an optional YAML file named by
// MEETLINK_CONFIG and the environment, in that order of precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, reading from environment variables")
	}

	cfg := defaults()

	if path := os.Getenv("MEETLINK_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("openvidu url is empty")
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = p
		}
	}
	if v := os.Getenv("OPENVIDU_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("OPENVIDU_APP_ID"); v != "" {
		cfg.AppID = v
	}
	if v := os.Getenv("OPENVIDU_SECRET"); v != "" {
		cfg.Secret = v
	}
	if v := os.Getenv("OPENVIDU_INSECURE_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.InsecureTLS = b
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if v := os.Getenv("CHAT_ENDPOINT"); v != "" {
		cfg.ChatEndpoint = v
	}
	if v := os.Getenv("CHAT_TOPIC_PREFIX"); v != "" {
		cfg.ChatTopicPrefix = v
	}
	if v := os.Getenv("CHAT_SEND_PREFIX"); v != "" {
		cfg.ChatSendPrefix = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.TelemetryEndpoint = v
	}
}
