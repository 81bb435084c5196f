package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"gpu-claim-bot/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

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

// Start receives queued commands until ctx is done. A handler error nacks
// the message for redelivery.
func (s *Subscriber) Start(ctx context.Context, handler func(context.Context, *queues.CommandRequest) error) error {
	if s.client == nil {
		var (
			client *gpubsub.Client
			err    error
		)
		if s.credsFile != "" {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Str("credsFile", s.credsFile).Msg("initializing pubsub subscriber with explicit credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID, option.WithCredentialsFile(s.credsFile))
		} else {
			log.Debug().Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("initializing pubsub subscriber with default credentials")
			client, err = gpubsub.NewClient(ctx, s.projectID)
		}
		if err != nil {
			log.Error().Err(err).Str("projectID", s.projectID).Str("subscription", s.subscriptionName).Msg("failed to create pubsub client for subscriber")
			return err
		}
		s.client = client
		s.sub = client.Subscription(s.subscriptionName)
		log.Info().Str("subscription", s.subscriptionName).Msg("pubsub subscriber initialized")
	}

	return s.sub.Receive(ctx, func(ctx context.Context, m *gpubsub.Message) {
		handleMessage(ctx, m.ID, m.Data, handler, m.Ack, m.Nack)
	})
}

func handleMessage(ctx context.Context, id string, data []byte, handler func(context.Context, *queues.CommandRequest) error, ack, nack func()) {
	log.Debug().Str("messageID", id).Int("size", len(data)).Msg("received pubsub message")
	recvAt := time.Now()
	var req queues.CommandRequest
	if err := json.Unmarshal(data, &req); err != nil {
		// Ack to drop bad message (poison)
		log.Error().Err(err).Str("messageID", id).Msg("failed to unmarshal command request")
		ack()
		return
	}
	if req.UserID == "" {
		log.Error().Str("requestId", req.RequestID).Msg("invalid command payload: missing userId")
		ack()
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.UserName == "" {
		req.UserName = req.UserID
	}

	log.Info().Str("requestId", req.RequestID).Str("userId", req.UserID).Str("text", req.Text).Msg("handling queued command")
	if err := handler(ctx, &req); err != nil {
		log.Error().Err(err).Str("requestId", req.RequestID).Msg("handler failed; will retry")
		nack()
		return
	}
	log.Debug().Str("requestId", req.RequestID).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
	ack()
}
