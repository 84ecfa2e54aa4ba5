package openvidu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const apiPrefix = "/openvidu/api/sessions"

type ClientConfig struct {
	Logger     *zerolog.Logger
	ServerURL  string
	AppID      string
	Secret     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type client struct {
	logger  zerolog.Logger
	baseURL string
	appID   string
	secret  string
	http    *http.Client
	tracer  trace.Tracer

	requestCounter metric.Int64Counter
	errorCounter   metric.Int64Counter
}

// NewClient creates a REST client for an OpenVidu server.
func NewClient(cfg *ClientConfig) (Client, error) {
	u, err := url.Parse(cfg.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.ServerURL)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = cfg.Logger.With().Str("component", "openvidu").Logger()
	}

	meter := otel.Meter("openvidu-client")
	reqCounter, _ := meter.Int64Counter("openvidu.requests_total", metric.WithDescription("Total number of requests to the OpenVidu server"))
	errCounter, _ := meter.Int64Counter("openvidu.errors_total", metric.WithDescription("Total number of failed requests to the OpenVidu server"))

	return &client{
		logger:         logger,
		baseURL:        strings.TrimRight(cfg.ServerURL, "/"),
		appID:          cfg.AppID,
		secret:         cfg.Secret,
		http:           httpClient,
		tracer:         otel.Tracer("openvidu-client"),
		requestCounter: reqCounter,
		errorCounter:   errCounter,
	}, nil
}

func (c *client) post(ctx context.Context, op, path string, body, out any) error {
	ctx, span := c.tracer.Start(ctx, "openvidu."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(
		attribute.String("path", path),
	))
	defer span.End()

	c.requestCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))

	fail := func(reason string, err error) error {
		c.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("reason", reason)))
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		return errors.Join(ErrAuthFailure, err)
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fail("marshal_error", fmt.Errorf("failed to marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fail("request_error", fmt.Errorf("failed to build request: %w", err))
	}
	req.SetBasicAuth(c.appID, c.secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fail("transport_error", fmt.Errorf("%s request failed: %w", op, err))
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().Str("op", op).Int("status", resp.StatusCode).Bytes("body", msg).Msg("backend rejected request")
		return fail("status_error", fmt.Errorf("%s: unexpected status %d", op, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fail("decode_error", fmt.Errorf("%s: failed to decode response: %w", op, err))
	}
	return nil
}

func (c *client) CreateSession(ctx context.Context, roomID string) (string, error) {
	var resp struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.post(ctx, "CreateSession", apiPrefix, map[string]string{"customSessionId": roomID}, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", errors.Join(ErrAuthFailure, errors.New("CreateSession: empty sessionId"))
	}
	return resp.SessionID, nil
}

func (c *client) CreateToken(ctx context.Context, sessionID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	path := apiPrefix + "/" + url.PathEscape(sessionID) + "/connection"
	if err := c.post(ctx, "CreateToken", path, struct{}{}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errors.Join(ErrAuthFailure, errors.New("CreateToken: empty token"))
	}
	return resp.Token, nil
}
