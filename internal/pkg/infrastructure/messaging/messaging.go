package messaging

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

// TopicMessageHandler is called once for every delivery on a registered topic.
type TopicMessageHandler func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger)

type Config struct {
	ServiceName string
	Host        string
	Port        string
	User        string
	Password    string
	VHost       string
	Exchange    string
}

// LoadConfiguration reads the broker settings from the environment. An empty
// Host means messaging is disabled.
func LoadConfiguration(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		Host:        os.Getenv("RABBITMQ_HOST"),
		Port:        env("RABBITMQ_PORT", "5672"),
		User:        env("RABBITMQ_USER", "user"),
		Password:    env("RABBITMQ_PASS", "bitnami"),
		VHost:       os.Getenv("RABBITMQ_VHOST"),
		Exchange:    env("RABBITMQ_EXCHANGE", "alerts"),
	}
}

func (c Config) Enabled() bool {
	return c.Host != ""
}

func (c Config) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/%s", c.User, c.Password, c.Host, c.Port, c.VHost)
}

type MsgContext interface {
	Publish(ctx context.Context, msg types.Message) error
	RegisterTopicMessageHandler(routingKey string, handler TopicMessageHandler) error
	Close()
}

type rabbitMQContext struct {
	cfg        Config
	connection *amqp.Connection
	channel    *amqp.Channel
	log        zerolog.Logger

	mu sync.Mutex
}

// Initialize connects to the broker and declares the topic exchange all alert
// messages are published on.
func Initialize(ctx context.Context, cfg Config) (MsgContext, error) {
	log := logging.GetFromContext(ctx).With().Str("exchange", cfg.Exchange).Logger()

	var conn *amqp.Connection
	var err error

	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = amqp.DialConfig(cfg.URL(), amqp.Config{
			Properties: amqp.Table{"connection_name": cfg.ServiceName},
			Heartbeat:  10 * time.Second,
		})
		if err == nil {
			break
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("failed to connect to message broker, retrying in 3s")
		time.Sleep(3 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to message broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	err = channel.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}

	log.Info().Str("host", cfg.Host).Msg("connected to message broker")

	return &rabbitMQContext{
		cfg:        cfg,
		connection: conn,
		channel:    channel,
		log:        log,
	}, nil
}

func (r *rabbitMQContext) Publish(ctx context.Context, msg types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.channel.PublishWithContext(ctx, r.cfg.Exchange, msg.TopicName(), false, false, amqp.Publishing{
		ContentType:  msg.ContentType(),
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		AppId:        r.cfg.ServiceName,
		Body:         msg.Body(),
	})
}

// RegisterTopicMessageHandler binds a queue named after the service and the
// routing key to the exchange and starts consuming from it.
func (r *rabbitMQContext) RegisterTopicMessageHandler(routingKey string, handler TopicMessageHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, err := r.connection.Channel()
	if err != nil {
		return fmt.Errorf("failed to open consumer channel: %w", err)
	}

	queue, err := ch.QueueDeclare(r.cfg.ServiceName+"."+routingKey, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err = ch.QueueBind(queue.Name, routingKey, r.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue.Name, err)
	}

	deliveries, err := ch.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", queue.Name, err)
	}

	log := r.log.With().Str("topic", routingKey).Logger()

	go func() {
		for d := range deliveries {
			ctx := logging.NewContextWithLogger(context.Background(), log)
			handler(ctx, d, log)

			if err := d.Ack(false); err != nil {
				log.Error().Err(err).Msg("failed to ack message")
			}
		}
		log.Info().Msg("delivery channel closed")
	}()

	return nil
}

func (r *rabbitMQContext) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.connection.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		r.log.Error().Err(err).Msg("failed to close broker connection")
	}
}

// Fanout publishes every message to all publishers and returns the joined
// errors of those that failed.
type Fanout []interface {
	Publish(ctx context.Context, msg types.Message) error
}

func (f Fanout) Publish(ctx context.Context, msg types.Message) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func env(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
