package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
	yaml "gopkg.in/yaml.v2"

	"github.com/escuelasegura/alert-casemgmt/internal/pkg/infrastructure/logging"
	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

const eventSource string = "github.com/escuelasegura/alert-casemgmt"

// EventSender forwards alert messages as cloud events to the subscribers that
// registered for the message topic.
type EventSender interface {
	Publish(ctx context.Context, msg types.Message) error
}

type subscriber struct {
	endpoint string
	scopes   []*regexp.Regexp
}

type eventSender struct {
	subscribers map[string][]subscriber
}

func New(cfg *Config) (EventSender, error) {
	e := &eventSender{
		subscribers: make(map[string][]subscriber),
	}

	if cfg == nil {
		return e, nil
	}

	for _, n := range cfg.Notifications {
		for _, s := range n.Subscribers {
			sub := subscriber{endpoint: s.Endpoint}

			for _, info := range s.Information {
				for _, scope := range info.Scopes {
					re, err := regexp.Compile(scope.IDPattern)
					if err != nil {
						return nil, fmt.Errorf("notification %s has a bad scope pattern %q: %w", n.ID, scope.IDPattern, err)
					}
					sub.scopes = append(sub.scopes, re)
				}
			}

			e.subscribers[n.Type] = append(e.subscribers[n.Type], sub)
		}
	}

	return e, nil
}

// accepts reports if the subscriber wants events from scope. A subscriber
// without patterns receives everything.
func (s subscriber) accepts(scope string) bool {
	if len(s.scopes) == 0 {
		return true
	}
	for _, re := range s.scopes {
		if re.MatchString(scope) {
			return true
		}
	}
	return false
}

func (e *eventSender) Publish(ctx context.Context, msg types.Message) error {
	subscribers, ok := e.subscribers[msg.TopicName()]
	if !ok || len(subscribers) == 0 {
		return nil
	}

	var err error

	body := msg.Body()
	envelope := struct {
		Scope string `json:"scope"`
	}{}
	if err = json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("message on %s is not a json object: %w", msg.TopicName(), err)
	}

	c, err := cloudevents.NewClientHTTP()
	if err != nil {
		return err
	}

	event := cloudevents.NewEvent()
	event.SetID(uuid.NewString())
	event.SetSource(eventSource)
	event.SetType(msg.TopicName())
	if envelope.Scope != "" {
		event.SetSubject(envelope.Scope)
	}

	if err = event.SetData(msg.ContentType(), body); err != nil {
		return err
	}

	logger := logging.GetFromContext(ctx)

	for _, s := range subscribers {
		if !s.accepts(envelope.Scope) {
			continue
		}

		ctxWithTarget := cloudevents.ContextWithTarget(ctx, s.endpoint)

		result := c.Send(ctxWithTarget, event)
		if cloudevents.IsUndelivered(result) || errors.Is(result, unix.ECONNREFUSED) {
			logger.Error().Err(result).Msgf("failed to send event to %s", s.endpoint)
			err = fmt.Errorf("%w", result)
		}
	}

	return err
}

type ScopeInfo struct {
	IDPattern string `yaml:"idPattern"`
}

type RegistrationInfo struct {
	Scopes []ScopeInfo `yaml:"scopes"`
}

type SubscriberConfig struct {
	Endpoint    string             `yaml:"endpoint"`
	Information []RegistrationInfo `yaml:"information"`
}

type Notification struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Type        string             `yaml:"type"`
	Subscribers []SubscriberConfig `yaml:"subscribers"`
}

type Config struct {
	Notifications []Notification `yaml:"notifications"`
}

func LoadConfiguration(data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := Config{}
	if err := yaml.Unmarshal(buf, &cfg); err == nil {
		return &cfg, nil
	} else {
		return nil, err
	}
}
