package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/domain"
)

const (
	attemptHeader = "x-attempt"
	contentType   = "application/json"
)

// Publisher is satisfied by *amqp.Channel and *Session.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// processMessage is the wire body of a processing request.
type processMessage struct {
	ExternalID string `json:"external_id"`
	IdlePasses int    `json:"idle_passes"`
	DedupeKey  string `json:"dedupe_key,omitempty"`
}

// Scheduler implements domain.Scheduler over RabbitMQ.
type Scheduler struct {
	pub       Publisher
	topology  Topology
	dedupe    Deduper
	dedupeTTL time.Duration
	log       logrus.FieldLogger
}

// NewScheduler creates a Scheduler. dedupe may be nil to disable suppression.
func NewScheduler(pub Publisher, topology Topology, dedupe Deduper, dedupeTTL time.Duration, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		pub:       pub,
		topology:  topology,
		dedupe:    dedupe,
		dedupeTTL: dedupeTTL,
		log:       log,
	}
}

// Schedule publishes a processing request, optionally delayed.
// A request whose dedupe key is already held is dropped; the pending one covers it.
func (s *Scheduler) Schedule(ctx context.Context, req domain.ScheduleRequest) error {
	if req.ExternalID == "" {
		return fmt.Errorf("%w: external id is required", domain.ErrInvalidInput)
	}

	log := s.log.WithFields(logrus.Fields{
		"external_id": req.ExternalID,
		"delay":       req.Delay,
		"idle_passes": req.IdlePasses,
	})

	acquired := false
	if s.dedupe != nil && req.DedupeKey != "" {
		ok, err := s.dedupe.Acquire(ctx, req.DedupeKey, req.Delay+s.dedupeTTL)
		if err != nil {
			// fail open: a duplicate pass is harmless, a lost one is not
			log.WithError(err).Warn("dedupe check failed, publishing anyway")
		} else if !ok {
			log.Debug("processing request already pending, skipping")
			return nil
		} else {
			acquired = true
		}
	}

	msg := processMessage{
		ExternalID: req.ExternalID,
		IdlePasses: req.IdlePasses,
		DedupeKey:  req.DedupeKey,
	}
	if err := publish(ctx, s.pub, s.topology, msg, req.Delay, 0); err != nil {
		if acquired {
			if rerr := s.dedupe.Release(ctx, req.DedupeKey); rerr != nil {
				log.WithError(rerr).Warn("failed to release dedupe key")
			}
		}
		return err
	}

	log.Debug("processing request published")
	return nil
}

// publish sends msg to the work queue now, or through the delay queue when delay > 0.
func publish(ctx context.Context, pub Publisher, topology Topology, msg processMessage, delay time.Duration, attempt int) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal processing request: %w", err)
	}

	p := amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		MessageId:    msg.ExternalID,
		Body:         body,
		Headers:      amqp.Table{attemptHeader: int32(attempt)},
	}

	exchange, key := topology.Exchange, topology.Queue
	if delay > 0 {
		// default exchange routes by queue name
		exchange, key = "", topology.DelayQueue
		p.Expiration = expiration(delay)
	}

	if err := pub.PublishWithContext(ctx, exchange, key, false, false, p); err != nil {
		return fmt.Errorf("failed to publish processing request: %w", err)
	}
	return nil
}

// attemptOf reads the delivery attempt header; missing or malformed means zero.
func attemptOf(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	default:
		return 0
	}
}
