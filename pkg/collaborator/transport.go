package collaborator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultTimeout bounds every collaborator request unless overridden.
	DefaultTimeout = 120 * time.Second
	// MinTimeout is the floor applied to configured timeouts; extraction of long PDFs is slow.
	MinTimeout = 60 * time.Second

	maxResponseBytes = 16 << 20
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gema",
		Subsystem: "collaborator",
		Name:      "request_duration_seconds",
		Help:      "Duration of requests sent to grading collaborators",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 180},
	}, []string{"service"})

	requestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gema",
		Subsystem: "collaborator",
		Name:      "request_failures_total",
		Help:      "Number of failed requests sent to grading collaborators",
	}, []string{"service", "kind"})
)

// BreakerConfig tunes the circuit breaker guarding a collaborator endpoint.
type BreakerConfig struct {
	Enabled          bool
	FailureThreshold uint32
	OpenTimeout      time.Duration
	HalfOpenRequests uint32
}

// DefaultBreakerConfig trips after five consecutive failures and probes again after a minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
	}
}

// Config describes a single collaborator endpoint.
type Config struct {
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *http.Client
	Breaker    BreakerConfig
	Logger     zerolog.Logger
}

type transport struct {
	service  string
	endpoint string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker[[]byte]
	tracer   trace.Tracer
	logger   zerolog.Logger
}

func newTransport(service string, cfg Config) (*transport, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%s endpoint is required", service)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if timeout < MinTimeout {
		timeout = MinTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "collaborator").Str("service", service).Logger()

	t := &transport{
		service:  service,
		endpoint: cfg.Endpoint,
		client:   client,
		tracer:   otel.Tracer("github.com/noah-isme/gema-grader/pkg/collaborator"),
		logger:   logger,
	}

	if cfg.Breaker.Enabled {
		t.breaker = newBreaker(service, cfg.Breaker, logger)
	}

	return t, nil
}

func newBreaker(service string, cfg BreakerConfig, logger zerolog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	threshold := cfg.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}

	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        service,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Client-side rejections say nothing about the collaborator's health.
			var callErr *Error
			if errors.As(err, &callErr) {
				return callErr.Kind != ErrTransport && !serverSideStatus(callErr.StatusCode)
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("collaborator circuit breaker state changed")
		},
	})
}

func serverSideStatus(status int) bool {
	return status >= http.StatusInternalServerError || status == http.StatusTooManyRequests
}

// post sends body to the endpoint and returns the raw response payload of a 2xx reply.
func (t *transport) post(parent context.Context, contentType string, body []byte) ([]byte, error) {
	ctx, span := t.tracer.Start(parent, "collaborator."+t.service, trace.WithAttributes(
		attribute.String("collaborator.service", t.service),
		attribute.Int("collaborator.request_bytes", len(body)),
	))
	defer span.End()

	start := time.Now()
	call := func() ([]byte, error) {
		return t.roundTrip(ctx, contentType, body)
	}

	var (
		payload []byte
		err     error
	)
	if t.breaker != nil {
		payload, err = t.breaker.Execute(call)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &Error{Service: t.service, Kind: ErrTransport, Err: err}
		}
	} else {
		payload, err = call()
	}
	requestDuration.WithLabelValues(t.service).Observe(time.Since(start).Seconds())

	if err != nil {
		requestFailures.WithLabelValues(t.service, kindLabel(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	return payload, nil
}

func (t *transport) roundTrip(ctx context.Context, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Service: t.service, Kind: ErrTransport, Err: err}
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, &Error{Service: t.service, Kind: ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Service: t.service, Kind: ErrTransport, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Service:    t.service,
			Kind:       ErrStatus,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("status %d: %s", resp.StatusCode, preview(string(payload), 200)),
		}
	}

	return payload, nil
}

func kindLabel(err error) string {
	var callErr *Error
	if errors.As(err, &callErr) && callErr.Kind != nil {
		return callErr.Kind.Error()
	}
	return "unknown"
}

func preview(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
