package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/schoolhub-participation/internal/dto"
	"github.com/noah-isme/schoolhub-participation/internal/observability"
)

const feedBufferSize = 16

// Feed actions published after a ledger change is committed.
const (
	FeedActionSubmitted = "submitted"
	FeedActionApproved  = "approved"
	FeedActionRejected  = "rejected"
	FeedActionEnrolled  = "enrolled"
	FeedActionWithdrawn = "withdrawn"
	FeedActionReopened  = "reopened"
	FeedActionDeleted   = "deleted"
)

// ParticipationPublisher announces committed ledger changes.
type ParticipationPublisher interface {
	Publish(ctx context.Context, message dto.ParticipationFeedMessage)
}

// ParticipationFeed fans committed ledger changes out to local subscribers and other nodes.
type ParticipationFeed interface {
	ParticipationPublisher
	Subscribe(eventID uint) (<-chan dto.ParticipationFeedMessage, func())
	Start(ctx context.Context)
}

type participationFeed struct {
	redis        *redis.Client
	redisChannel string
	nats         *nats.Conn
	natsSubject  string
	logger       zerolog.Logger
	broker       *feedBroker
	nodeID       string
}

type feedEnvelope struct {
	Source  string                       `json:"source"`
	Message dto.ParticipationFeedMessage `json:"message"`
	SentAt  time.Time                    `json:"sent_at"`
}

type feedBroker struct {
	mu          sync.RWMutex
	subscribers map[uint]map[chan dto.ParticipationFeedMessage]struct{}
}

// FeedSubject converts the configured channel base into the NATS subject used for participation changes.
func FeedSubject(channelBase string) string {
	if channelBase == "" {
		return ""
	}
	return strings.ReplaceAll(channelBase, ":", ".") + ".changes"
}

// NewParticipationFeed constructs the feed. Either transport may be nil.
func NewParticipationFeed(redisClient *redis.Client, channelBase string, natsConn *nats.Conn, logger zerolog.Logger) ParticipationFeed {
	channel := ""
	if channelBase != "" {
		channel = channelBase + ":changes"
	}

	return &participationFeed{
		redis:        redisClient,
		redisChannel: channel,
		nats:         natsConn,
		natsSubject:  FeedSubject(channelBase),
		logger:       logger.With().Str("component", "participation_feed").Logger(),
		broker: &feedBroker{
			subscribers: make(map[uint]map[chan dto.ParticipationFeedMessage]struct{}),
		},
		nodeID: uuid.NewString(),
	}
}

// Start consumes changes published by other nodes. Redis is preferred when both transports exist.
func (f *participationFeed) Start(ctx context.Context) {
	switch {
	case f.redis != nil && f.redisChannel != "":
		go f.consumeRedis(ctx)
	case f.nats != nil && f.natsSubject != "":
		f.consumeNATS(ctx)
	}
}

// Publish never fails the caller; the ledger write already committed.
func (f *participationFeed) Publish(ctx context.Context, message dto.ParticipationFeedMessage) {
	if message.OccurredAt.IsZero() {
		message.OccurredAt = time.Now().UTC()
	}

	f.broker.broadcast(message)

	envelope := feedEnvelope{Source: f.nodeID, Message: message, SentAt: time.Now().UTC()}
	payload, err := json.Marshal(envelope)
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to encode participation change")
		return
	}

	if f.redis != nil && f.redisChannel != "" {
		if err := f.redis.Publish(ctx, f.redisChannel, payload).Err(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to publish participation change to redis")
		}
	}

	if f.nats != nil && f.natsSubject != "" {
		if err := f.nats.Publish(f.natsSubject, payload); err != nil {
			f.logger.Warn().Err(err).Msg("failed to publish participation change to nats")
		}
	}

	observability.FeedMessagesPublished().WithLabelValues(message.Action).Inc()
}

func (f *participationFeed) Subscribe(eventID uint) (<-chan dto.ParticipationFeedMessage, func()) {
	channel := make(chan dto.ParticipationFeedMessage, feedBufferSize)

	f.broker.subscribe(eventID, channel)
	observability.FeedSubscribersActive().Inc()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			f.broker.unsubscribe(eventID, channel)
			observability.FeedSubscribersActive().Dec()
		})
	}

	return channel, cleanup
}

func (f *participationFeed) consumeRedis(ctx context.Context) {
	pubsub := f.redis.Subscribe(ctx, f.redisChannel)
	defer func() { _ = pubsub.Close() }()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			f.logger.Error().Err(err).Msg("participation feed redis subscription closed")
			return
		}
		f.handleEnvelope([]byte(msg.Payload))
	}
}

func (f *participationFeed) consumeNATS(ctx context.Context) {
	sub, err := f.nats.Subscribe(f.natsSubject, func(msg *nats.Msg) {
		f.handleEnvelope(msg.Data)
	})
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to subscribe to participation changes subject")
		return
	}

	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			f.logger.Warn().Err(err).Msg("failed to drain participation changes subscription")
		}
	}()
}

func (f *participationFeed) handleEnvelope(payload []byte) {
	var envelope feedEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		f.logger.Warn().Err(err).Msg("invalid participation change payload")
		return
	}

	if envelope.Source == f.nodeID {
		return
	}

	f.broker.broadcast(envelope.Message)
}

// DecodeFeedPayload extracts a change message from a raw redis or nats payload.
func DecodeFeedPayload(payload []byte) (dto.ParticipationFeedMessage, error) {
	var envelope feedEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return dto.ParticipationFeedMessage{}, err
	}
	return envelope.Message, nil
}

func (b *feedBroker) subscribe(eventID uint, ch chan dto.ParticipationFeedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.subscribers[eventID]; !exists {
		b.subscribers[eventID] = make(map[chan dto.ParticipationFeedMessage]struct{})
	}
	b.subscribers[eventID][ch] = struct{}{}
}

func (b *feedBroker) unsubscribe(eventID uint, ch chan dto.ParticipationFeedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subscribers, ok := b.subscribers[eventID]; ok {
		delete(subscribers, ch)
		close(ch)
		if len(subscribers) == 0 {
			delete(b.subscribers, eventID)
		}
	}
}

func (b *feedBroker) broadcast(message dto.ParticipationFeedMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers[message.EventID] {
		select {
		case ch <- message:
		default:
		}
	}
}
