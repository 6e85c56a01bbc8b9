package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"omnidesk/internal/repo"
)

// Envelope is the wire format published to the notification exchange.
type Envelope struct {
	Meta EnvelopeMeta `json:"meta"`
	Data any          `json:"data"`
}

type EnvelopeMeta struct {
	ID            string    `json:"id"`
	CorrelationID *string   `json:"correlation_id,omitempty"`
	Producer      *string   `json:"producer,omitempty"`
	Time          time.Time `json:"time"`
	Type          string    `json:"type"`
}

type notificationData struct {
	ID       string         `json:"id"`
	TenantID *string        `json:"tenant_id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AMQPConfig configures the RabbitMQ publisher.
type AMQPConfig struct {
	URL        string
	Exchange   string
	RoutingKey string
	Producer   string
}

// AMQPPublisher publishes notifications to a durable topic exchange.
type AMQPPublisher struct {
	cfg    AMQPConfig
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher dials RabbitMQ and declares the exchange.
func NewAMQPPublisher(cfg AMQPConfig, logger *slog.Logger) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "notification.created"
	}
	p := &AMQPPublisher{
		cfg:    cfg,
		logger: logger.With("component", "notify_amqp"),
	}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	host := ""
	if u, err := url.Parse(p.cfg.URL); err == nil {
		host = u.Host
	}
	p.logger.Info("connecting to rabbitmq", "host", host)

	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}
	p.conn = conn
	p.ch = ch
	return nil
}

// Emit publishes n as a persistent JSON envelope. A closed channel is redialled once.
func (p *AMQPPublisher) Emit(ctx context.Context, n repo.Notification) error {
	msg, err := p.publishing(n)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch == nil || p.ch.IsClosed() {
		p.closeLocked()
		if err := p.connect(); err != nil {
			return err
		}
	}
	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, p.routingKey(n), false, false, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) routingKey(n repo.Notification) string {
	return p.cfg.RoutingKey + "." + n.Type
}

func (p *AMQPPublisher) publishing(n repo.Notification) (amqp.Publishing, error) {
	env := buildEnvelope(n, p.cfg.Producer, time.Now().UTC())
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal envelope: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    env.Meta.ID,
		Type:         env.Meta.Type,
		Timestamp:    env.Meta.Time,
		AppId:        p.cfg.Producer,
	}
	if env.Meta.CorrelationID != nil {
		pub.CorrelationId = *env.Meta.CorrelationID
	}
	return pub, nil
}

func buildEnvelope(n repo.Notification, producer string, now time.Time) Envelope {
	id := n.ID
	if id == "" {
		id = uuid.NewString()
	}
	meta := EnvelopeMeta{
		ID:   id,
		Time: now,
		Type: "notification." + n.Type + ".v1",
	}
	if producer != "" {
		meta.Producer = &producer
	}
	if cid, ok := n.Metadata["conversation_id"].(string); ok && cid != "" {
		meta.CorrelationID = &cid
	}
	return Envelope{Meta: meta, Data: notificationData{
		ID:       id,
		TenantID: n.TenantID,
		Type:     n.Type,
		Title:    n.Title,
		Message:  n.Message,
		Metadata: n.Metadata,
	}}
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *AMQPPublisher) closeLocked() error {
	var err error
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	return err
}
