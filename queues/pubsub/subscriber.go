package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"gameserver-coordinator/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
)

// Subscriber receives spawn requests from a Pub/Sub subscription.
type Subscriber struct {
	projectID        string
	subscriptionName string
	credsFile        string
	client           *gpubsub.Client
	sub              *gpubsub.Subscription
}

func NewSubscriber(projectID, subscriptionName, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, subscriptionName: subscriptionName, credsFile: credsFile}
}

// Start blocks receiving messages until ctx is cancelled. Malformed
// payloads are nacked, invalid requests acked and dropped, and handler
// errors nacked for redelivery.
func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.SpawnRequest) error) error {
	if s.client == nil {
		log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Bool("explicitCredentials", s.credsFile != "").Msg("pubsub: initializing subscriber")
		client, err := newClient(ctx, s.projectID, s.credsFile)
		if err != nil {
			log.Error().Err(err).Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("pubsub: failed to create client for subscriber")
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub: subscriber initialized")
	}

	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		log.Debug().Str("messageID", m.ID).Int("size", len(m.Data)).Msg("pubsub: received message")
		recvAt := time.Now()
		var req queues.SpawnRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			log.Error().Err(err).Str("messageID", m.ID).Msg("pubsub: failed to unmarshal spawn request")
			m.Nack()
			return
		}
		if req.TicketID == "" {
			log.Error().Str("messageID", m.ID).Msg("pubsub: spawn request without ticketId; dropping")
			m.Ack()
			return
		}

		log.Info().Str("ticketId", req.TicketID).Str("region", req.Region).Str("scene", req.Scene).Msg("pubsub: handling spawn request")
		if err := handler(ctx, &req); err != nil {
			log.Error().Err(err).Str("ticketId", req.TicketID).Msg("pubsub: handler failed; will retry")
			m.Nack()
			return
		}
		log.Debug().Str("ticketId", req.TicketID).Dur("latency", time.Since(recvAt)).Msg("pubsub: handler succeeded; acking message")
		m.Ack()
	})
}

// Close releases the client.
func (s *Subscriber) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
