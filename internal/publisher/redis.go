package publisher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"git-reviewer/internal/models"
	"git-reviewer/internal/telemetry"
)

// DefaultChannelPrefix is prepended to the job id to form a channel name.
const DefaultChannelPrefix = "review_progress_"

// Redis broadcasts progress events over Redis pub/sub, one channel per job.
// It has no notion of who is listening.
type Redis struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedis builds a publisher on an existing client.
func NewRedis(client *redis.Client, prefix string, logger *zap.Logger) *Redis {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, prefix: prefix, logger: logger.Named("publisher")}
}

// Channel returns the channel name for jobID.
func (p *Redis) Channel(jobID string) string {
	return p.prefix + jobID
}

// Publish sends ev to the job's channel. Delivery is best effort: failures are logged
// and counted, never returned.
func (p *Redis) Publish(ctx context.Context, jobID string, ev models.ProgressEvent) {
	ev.JobID = jobID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.fail(jobID, ev.Status, err)
		return
	}
	if err := p.client.Publish(ctx, p.Channel(jobID), payload).Err(); err != nil {
		p.fail(jobID, ev.Status, err)
		return
	}
	telemetry.EventsPublished.WithLabelValues(string(ev.Status)).Inc()
}

func (p *Redis) fail(jobID string, stage models.Stage, err error) {
	telemetry.PublishFailures.Inc()
	p.logger.Warn("publish progress event failed",
		zap.String("job_id", jobID),
		zap.String("stage", string(stage)),
		zap.Error(err))
}

// Subscription relays one job's events to a gateway.
type Subscription struct {
	pubsub *redis.PubSub
	events chan models.ProgressEvent
}

// Events yields decoded events until the subscription is closed.
func (s *Subscription) Events() <-chan models.ProgressEvent {
	return s.events
}

// Close releases the underlying Redis subscription.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}

// Subscribe listens on jobID's channel. The subscription is confirmed before returning so
// no event published afterwards is missed.
func (p *Redis) Subscribe(ctx context.Context, jobID string) (*Subscription, error) {
	ps := p.client.Subscribe(ctx, p.Channel(jobID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	sub := &Subscription{pubsub: ps, events: make(chan models.ProgressEvent, 16)}
	go func() {
		defer close(sub.events)
		for msg := range ps.Channel() {
			var ev models.ProgressEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				p.logger.Debug("dropping undecodable progress event", zap.String("job_id", jobID), zap.Error(err))
				continue
			}
			select {
			case sub.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}
