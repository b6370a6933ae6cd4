package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// GradingCompletedEvent is the type of events emitted after every grading run.
const GradingCompletedEvent = "grading.completed"

// GradingEvent describes the end of a grading run for downstream consumers such as the
// teacher dashboard.
type GradingEvent struct {
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	JobID         string    `json:"job_id,omitempty"`
	SubmissionID  uint      `json:"submission_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Status        string    `json:"status"`
	Grade         *float64  `json:"grade,omitempty"`
	FailedStage   string    `json:"failed_stage,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// GradingEventPublisher fans grading events out to subscribers.
type GradingEventPublisher interface {
	Publish(ctx context.Context, event GradingEvent)
}

type gradingEventPublisher struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	nodeID       string
	logger       zerolog.Logger
}

// NewGradingEventPublisher publishes to Redis pub/sub and NATS when the respective client is
// configured. channelBase "grading" yields the redis channel grading:completed and the NATS
// subject grading.completed.
func NewGradingEventPublisher(redisClient *redis.Client, natsConn *nats.Conn, channelBase string, logger zerolog.Logger) GradingEventPublisher {
	channelBase = strings.Trim(strings.TrimSpace(channelBase), ":.")
	if channelBase == "" {
		channelBase = "grading"
	}

	return &gradingEventPublisher{
		redis:        redisClient,
		redisChannel: strings.ReplaceAll(channelBase, ".", ":") + ":completed",
		nats:         natsConn,
		natsSubject:  strings.ReplaceAll(channelBase, ":", ".") + ".completed",
		nodeID:       uuid.NewString(),
		logger:       logger.With().Str("component", "grading_events").Logger(),
	}
}

// Publish never fails the caller; broker errors are logged.
func (p *gradingEventPublisher) Publish(ctx context.Context, event GradingEvent) {
	event.Type = GradingCompletedEvent
	event.Source = p.nodeID
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode grading event")
		return
	}

	if p.redis != nil {
		if err := p.redis.Publish(ctx, p.redisChannel, payload).Err(); err != nil {
			p.logger.Warn().Err(err).Str("channel", p.redisChannel).Msg("failed to publish grading event to redis")
		}
	}
	if p.nats != nil {
		if err := p.nats.Publish(p.natsSubject, payload); err != nil {
			p.logger.Warn().Err(err).Str("subject", p.natsSubject).Msg("failed to publish grading event to nats")
		}
	}
}
