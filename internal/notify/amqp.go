package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type AMQPConfig struct {
	URL            string
	Exchange       string
	ExchangeType   string
	Queue          string
	RoutingKey     string
	ConfirmTimeout time.Duration
}

// DialAMQP connects to the broker, retrying a few times with a fixed pause.
func DialAMQP(ctx context.Context, url string, attempts int, log *zap.Logger) (*amqp.Connection, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if attempts <= 0 {
		attempts = 5
	}
	var err error
	for i := range attempts {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		log.Warn("amqp_dial_failed", zap.Int("attempt", i+1), zap.Error(err))
		if i < attempts-1 {
			if serr := sleepCtx(ctx, 2*time.Second); serr != nil {
				return nil, serr
			}
		}
	}
	return nil, fmt.Errorf("amqp dial after %d attempts: %w", attempts, err)
}

// SetupTopology declares a durable exchange and queue and binds them.
func SetupTopology(conn *amqp.Connection, cfg AMQPConfig) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	kind := cfg.ExchangeType
	if kind == "" {
		kind = amqp.ExchangeDirect
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, kind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if cfg.Queue == "" {
		return nil
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.RoutingKey, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Event is the JSON body published for each notification.
type Event struct {
	ID      uuid.UUID `json:"id"`
	Type    string    `json:"type"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Body    string    `json:"body"`
	SentAt  time.Time `json:"sent_at"`
}

// AMQP publishes notifications with publisher confirms. A nack or a
// missing confirm within ConfirmTimeout is a failed send.
type AMQP struct {
	mu         sync.Mutex
	ch         *amqp.Channel
	confirms   <-chan amqp.Confirmation
	exchange   string
	routingKey string
	timeout    time.Duration
}

func NewAMQP(conn *amqp.Connection, cfg AMQPConfig) (*AMQP, error) {
	if conn == nil {
		return nil, errors.New("amqp connection is nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, err
	}
	timeout := cfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AMQP{
		ch:         ch,
		confirms:   ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		timeout:    timeout,
	}, nil
}

func newEvent(to, subject, body string, now time.Time) Event {
	return Event{
		ID:      uuid.New(),
		Type:    "uptime.notification",
		To:      to,
		Subject: subject,
		Body:    body,
		SentAt:  now.UTC(),
	}
}

func (a *AMQP) Send(ctx context.Context, to, subject, body string) (bool, error) {
	ev := newEvent(to, subject, body, time.Now())
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, err
	}

	// one publish in flight per channel so each confirm matches its message
	a.mu.Lock()
	defer a.mu.Unlock()

	tag := a.ch.GetNextPublishSeqNo()
	err = a.ch.PublishWithContext(ctx, a.exchange, a.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID.String(),
		Timestamp:    ev.SentAt,
		Body:         payload,
	})
	if err != nil {
		return false, err
	}

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-a.confirms:
			if !ok {
				return false, errors.New("amqp channel closed")
			}
			if c.DeliveryTag < tag {
				// late confirm for an earlier publish that already timed out
				continue
			}
			if !c.Ack {
				return false, errors.New("amqp publish nacked")
			}
			return true, nil
		case <-timer.C:
			return false, errors.New("amqp publish confirm timeout")
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (a *AMQP) Close() error {
	if a == nil || a.ch == nil {
		return nil
	}
	return a.ch.Close()
}
