package alerts

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AlertRaisedTopic carries alerts raised by the detection systems around the
// dashboard.
const AlertRaisedTopic string = "alerts.raised"

// AlertRaisedTopicHandler turns incoming alert messages into CreateAlertCommands.
// serviceFor builds the service for the scope named in each message.
func AlertRaisedTopicHandler(serviceFor func(scope string) AlertService) func(context.Context, amqp.Delivery, zerolog.Logger) {
	return func(ctx context.Context, msg amqp.Delivery, logger zerolog.Logger) {
		cmd := CreateAlertCommand{}

		err := json.Unmarshal(msg.Body, &cmd)
		if err != nil {
			logger.Error().Err(err).Msgf("failed to unmarshal message from %s", msg.RoutingKey)
			return
		}

		logger = logger.With().Str("scope", cmd.Scope).Str("studentId", cmd.StudentID).Logger()

		alert, err := serviceFor(cmd.Scope).Create(ctx, cmd)
		if err != nil {
			logger.Error().Err(err).Msg("could not create alert")
			return
		}

		logger.Info().Str("alert_id", alert.ID).Msg("alert raised")
	}
}
