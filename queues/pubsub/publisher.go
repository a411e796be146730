package pubsub

import (
	"context"
	"encoding/json"

	"gameserver-coordinator/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Publisher sends spawn results to a Pub/Sub topic. The client is created
// lazily on first publish.
type Publisher struct {
	projectID   string
	resultTopic string
	credsFile   string
	client      *gpubsub.Client
	topic       *gpubsub.Topic
}

func NewPublisher(projectID, resultTopic, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, resultTopic: resultTopic, credsFile: credsFile}
}

func newClient(ctx context.Context, projectID, credsFile string) (*gpubsub.Client, error) {
	if credsFile != "" {
		return gpubsub.NewClient(ctx, projectID, option.WithCredentialsFile(credsFile))
	}
	return gpubsub.NewClient(ctx, projectID)
}

func (p *Publisher) PublishResult(ctx context.Context, res *queues.SpawnResult) error {
	if p.client == nil {
		log.Debug().Str("projectID", p.projectID).Str("topic", p.resultTopic).Bool("explicitCredentials", p.credsFile != "").Msg("pubsub: initializing publisher")
		client, err := newClient(ctx, p.projectID, p.credsFile)
		if err != nil {
			log.Error().Err(err).Str("projectID", p.projectID).Str("topic", p.resultTopic).Msg("pubsub: failed to create client for publisher")
			return err
		}
		p.client = client
		p.topic = client.Topic(p.resultTopic)
		log.Info().Str("topic", p.resultTopic).Msg("pubsub: publisher initialized")
	}
	b, err := json.Marshal(res)
	if err != nil {
		log.Error().Err(err).Interface("result", res).Msg("pubsub: failed to marshal spawn result")
		return err
	}
	r := p.topic.Publish(ctx, &gpubsub.Message{
		Data:       b,
		Attributes: map[string]string{"ticketId": res.TicketID, "status": string(res.Status)},
	})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("ticketId", res.TicketID).Msg("pubsub: failed to publish spawn result")
		return err
	}
	log.Debug().Str("messageID", id).Str("ticketId", res.TicketID).Str("status", string(res.Status)).Msg("pubsub: published spawn result")
	return nil
}

// Close stops the topic's publishing goroutines and releases the client.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	p.topic.Stop()
	return p.client.Close()
}
