package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/spbu-ds-practicum-2025/example-project/services/operations-service/internal/domain"
)

// Handler runs one processing pass.
type Handler func(ctx context.Context, req domain.ProcessRequest) error

// Source opens a delivery stream. *Session implements it.
type Source interface {
	Consume(prefetch int) (<-chan amqp.Delivery, func() error, error)
}

// ConsumerConfig controls concurrency and redelivery.
type ConsumerConfig struct {
	Workers        int
	Prefetch       int
	MaxDeliveries  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	HandlerTimeout time.Duration
}

// Consumer delivers processing requests to a Handler from a pool of workers.
// A failed pass is republished through the delay queue with backoff; after
// MaxDeliveries attempts it is dead-lettered.
type Consumer struct {
	source   Source
	pub      Publisher
	topology Topology
	dedupe   Deduper
	handler  Handler
	cfg      ConsumerConfig
	log      logrus.FieldLogger

	wg sync.WaitGroup
}

// NewConsumer creates a Consumer. dedupe may be nil.
func NewConsumer(source Source, pub Publisher, topology Topology, dedupe Deduper, handler Handler, cfg ConsumerConfig, log logrus.FieldLogger) *Consumer {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Prefetch < cfg.Workers {
		cfg.Prefetch = cfg.Workers
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 30 * time.Second
	}

	return &Consumer{
		source:   source,
		pub:      pub,
		topology: topology,
		dedupe:   dedupe,
		handler:  handler,
		cfg:      cfg,
		log:      log,
	}
}

// Run consumes until ctx is cancelled, reconnecting with backoff when the
// delivery stream breaks.
func (c *Consumer) Run(ctx context.Context) error {
	reconnect := backoff.NewExponentialBackOff()
	reconnect.MaxInterval = 30 * time.Second
	reconnect.MaxElapsedTime = 0

	for {
		msgs, closeFn, err := c.source.Consume(c.cfg.Prefetch)
		if err != nil {
			delay := reconnect.NextBackOff()
			c.log.WithError(err).WithField("delay", delay).Warn("failed to start consuming, retrying")

			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil
			}
		}
		reconnect.Reset()

		c.log.WithFields(logrus.Fields{
			"workers": c.cfg.Workers,
			"queue":   c.topology.Queue,
		}).Info("starting consumer workers")

		c.Serve(ctx, msgs)

		if err := closeFn(); err != nil {
			c.log.WithError(err).Debug("failed to close consumer channel")
		}

		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}
		c.log.Warn("delivery channel closed, reconnecting")
	}
}

// Serve runs the worker pool over msgs until msgs closes or ctx is cancelled.
func (c *Consumer) Serve(ctx context.Context, msgs <-chan amqp.Delivery) {
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, msgs, i)
	}
	c.wg.Wait()
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, workerID int) {
	defer c.wg.Done()

	log := c.log.WithField("worker_id", workerID)
	log.Debug("worker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopped")
			return

		case msg, ok := <-msgs:
			if !ok {
				log.Debug("message channel closed")
				return
			}

			c.handle(ctx, msg, log)
		}
	}
}

// handle processes one delivery and settles it exactly once.
func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery, log logrus.FieldLogger) {
	var body processMessage
	if err := json.Unmarshal(msg.Body, &body); err != nil || body.ExternalID == "" {
		log.WithFields(logrus.Fields{
			"error": err,
			"body":  string(msg.Body),
		}).Error("malformed processing request, dead-lettering")

		// Reject and don't requeue malformed messages
		if err := msg.Nack(false, false); err != nil {
			log.WithError(err).Error("failed to nack malformed processing request")
		}
		return
	}

	attempt := attemptOf(msg.Headers)
	log = log.WithFields(logrus.Fields{
		"external_id": body.ExternalID,
		"attempt":     attempt,
	})

	// the pending request is being served; later schedules must not be suppressed
	if c.dedupe != nil && body.DedupeKey != "" {
		if err := c.dedupe.Release(ctx, body.DedupeKey); err != nil {
			log.WithError(err).Warn("failed to release dedupe key")
		}
	}

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	err := c.handler(hctx, domain.ProcessRequest{
		ExternalID: body.ExternalID,
		IdlePasses: body.IdlePasses,
	})
	cancel()

	if err == nil {
		if err := msg.Ack(false); err != nil {
			log.WithError(err).Error("failed to ack processing request")
		}
		return
	}

	next := attempt + 1
	if c.cfg.MaxDeliveries > 0 && next >= c.cfg.MaxDeliveries {
		log.WithError(err).Error("processing failed, delivery attempts exhausted, dead-lettering")
		if err := msg.Nack(false, false); err != nil {
			log.WithError(err).Error("failed to nack processing request")
		}
		return
	}

	delay := domain.JitteredDelay(c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay, next)
	if perr := publish(ctx, c.pub, c.topology, body, delay, next); perr != nil {
		log.WithError(perr).Error("failed to republish processing request, requeueing")
		if err := msg.Nack(false, true); err != nil {
			log.WithError(err).Error("failed to nack processing request")
		}
		return
	}

	log.WithError(err).WithField("retry_in", delay).Warn("processing failed, retry scheduled")
	if err := msg.Ack(false); err != nil {
		log.WithError(err).Error("failed to ack processing request")
	}
}
