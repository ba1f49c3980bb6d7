package webevents

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	gosse "github.com/alexandrevicenzi/go-sse"

	"github.com/escuelasegura/alert-casemgmt/pkg/types"
)

// WebEvents pushes alert messages to dashboards over server-sent events. Every
// scope has its own channel, a browser only receives events of the school it
// subscribed to.
type WebEvents interface {
	Publish(ctx context.Context, msg types.Message) error
	Subscribe(w http.ResponseWriter, r *http.Request, scope string)
	Shutdown()
}

type webEvents struct {
	s *gosse.Server
}

const scopeParam string = "scope"

func New() WebEvents {
	return &webEvents{
		s: gosse.NewServer(&gosse.Options{
			ChannelNameFunc: func(r *http.Request) string {
				return ChannelName(r.URL.Query().Get(scopeParam))
			},
		}),
	}
}

func ChannelName(scope string) string {
	return "/alerts/" + scope
}

// Subscribe streams the channel of scope to the caller until the request ends.
// The caller must already have checked that scope is allowed.
func (we *webEvents) Subscribe(w http.ResponseWriter, r *http.Request, scope string) {
	q := r.URL.Query()
	q.Set(scopeParam, scope)

	r2 := r.Clone(r.Context())
	r2.URL.RawQuery = q.Encode()

	we.s.ServeHTTP(w, r2)
}

func (we *webEvents) Publish(ctx context.Context, msg types.Message) error {
	envelope := struct {
		Scope string `json:"scope"`
	}{}

	body := msg.Body()
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("message on %s is not a json object: %w", msg.TopicName(), err)
	}

	if envelope.Scope == "" {
		return nil
	}

	channel := ChannelName(envelope.Scope)
	if !we.s.HasChannel(channel) {
		return nil
	}

	we.s.SendMessage(channel, gosse.NewMessage("", string(body), msg.TopicName()))

	return nil
}

func (we *webEvents) Shutdown() {
	we.s.Shutdown()
}
