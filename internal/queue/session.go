package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// Session owns one AMQP connection and a publishing channel. Both are opened
// lazily and reopened after the broker closes them.
type Session struct {
	url      string
	topology Topology
	log      logrus.FieldLogger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewSession creates a Session. Nothing is dialed until first use.
func NewSession(url string, topology Topology, log logrus.FieldLogger) *Session {
	return &Session{
		url:      url,
		topology: topology,
		log:      log,
	}
}

// Connect dials the broker and declares the topology.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.channelLocked()
	return err
}

func (s *Session) connectionLocked() (*amqp.Connection, error) {
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}

	conn, err := amqp.Dial(s.url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}
	s.conn = conn
	s.ch = nil

	s.log.WithField("exchange", s.topology.Exchange).Info("connected to RabbitMQ")
	return conn, nil
}

func (s *Session) channelLocked() (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}

	conn, err := s.connectionLocked()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := s.topology.Declare(ch); err != nil {
		ch.Close()
		return nil, err
	}

	s.ch = ch
	return ch, nil
}

// PublishWithContext publishes on the session channel, reopening it if needed.
func (s *Session) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	s.mu.Lock()
	ch, err := s.channelLocked()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	return ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

// Consume opens a dedicated channel and starts a manual-ack consumer on the work queue.
// The returned close function releases the channel.
func (s *Session) Consume(prefetch int) (<-chan amqp.Delivery, func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, err := s.connectionLocked()
	if err != nil {
		return nil, nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := s.topology.Declare(ch); err != nil {
		ch.Close()
		return nil, nil, err
	}

	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		s.topology.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	return msgs, ch.Close, nil
}

// Close closes the channel and connection.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.ch != nil {
		if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		s.ch = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
		s.conn = nil
	}
	return errors.Join(errs...)
}
