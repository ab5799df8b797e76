package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/pipeweave/restcall/logger"
	"github.com/pipeweave/restcall/trace"
)

const defaultPublishTimeout = 30 * time.Second

var errEmitterClosed = errors.New("AMQP emitter already closed")

// Ensure AMQPEmitter implements the emitter contract
var _ Emitter = (*AMQPEmitter)(nil)

// AMQPEmitterConfig names the broker and the routing of each signal.
type AMQPEmitterConfig struct {
	BrokerURL  string `json:"brokerUrl" validate:"required"`
	Exchange   string `json:"exchange"`
	DataKey    string `json:"dataKey" validate:"required"`
	ErrorKey   string `json:"errorKey" validate:"required"`
	ReboundKey string `json:"reboundKey" validate:"required"`
}

// AMQPEmitter publishes lifecycle signals to an AMQP broker: data records to
// the data routing key, failures to the error key, rebounds to the rebound
// key. End is a local signal and is not published.
type AMQPEmitter struct {
	cfg AMQPEmitterConfig
	log logger.Logger

	m       sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewAMQPEmitter connects to the broker and opens a channel.
func NewAMQPEmitter(cfg AMQPEmitterConfig, log logger.Logger) (*AMQPEmitter, error) {
	conn, err := amqp.Dial(cfg.BrokerURL)
	if err != nil {
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &AMQPEmitter{cfg: cfg, log: log, conn: conn, channel: channel}, nil
}

// Data publishes one output record.
func (e *AMQPEmitter) Data(ctx context.Context, record *Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return e.publish(ctx, e.cfg.DataKey, payload, nil)
}

// Rebound publishes a rebound signal carrying the reason.
func (e *AMQPEmitter) Rebound(ctx context.Context, reason string) error {
	payload, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return err
	}
	return e.publish(ctx, e.cfg.ReboundKey, payload, amqp.Table{"x-rebound-reason": reason})
}

// Error publishes a failure signal.
func (e *AMQPEmitter) Error(ctx context.Context, failure error) error {
	payload, err := json.Marshal(map[string]string{"error": failure.Error()})
	if err != nil {
		return err
	}
	return e.publish(ctx, e.cfg.ErrorKey, payload, nil)
}

// End completes the invocation. Nothing goes on the wire; the host pipeline
// infers completion from the preceding signal.
func (e *AMQPEmitter) End(_ context.Context) error {
	e.log.Debug().Msg("Processing complete")
	return nil
}

func (e *AMQPEmitter) publish(ctx context.Context, routingKey string, payload []byte, headers amqp.Table) error {
	e.m.Lock()
	defer e.m.Unlock()
	if e.closed {
		return errEmitterClosed
	}

	if headers == nil {
		headers = amqp.Table{}
	}
	headers[trace.HeaderXRequestID] = trace.EnsureRequestID(ctx)

	publishCtx, cancel := context.WithTimeout(ctx, defaultPublishTimeout)
	defer cancel()

	err := e.channel.PublishWithContext(publishCtx, e.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         payload,
	})
	if err != nil {
		e.log.Error().Err(err).Str("routing_key", routingKey).Msg("Failed to publish message")
		return err
	}
	e.log.Debug().Str("routing_key", routingKey).Int("size", len(payload)).Msg("Published message")
	return nil
}

// Close releases the channel and connection.
func (e *AMQPEmitter) Close() error {
	e.m.Lock()
	defer e.m.Unlock()
	if e.closed {
		return errEmitterClosed
	}
	e.closed = true
	if err := e.channel.Close(); err != nil {
		e.conn.Close()
		return err
	}
	return e.conn.Close()
}
