// Package transport carries chat events between server instances and user
// sessions over Redis pub/sub. Each conversation has its own channel.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"marketchat/internal/chat"
)

const channelPrefix = "conversation:"

var ErrClosed = errors.New("transport closed")

// ChannelForConversation is the pub/sub channel of a conversation.
func ChannelForConversation(conversationID string) string {
	return channelPrefix + conversationID
}

func conversationFromChannel(channel string) string {
	return strings.TrimPrefix(channel, channelPrefix)
}

// Publisher sends envelopes without holding a subscription. The order service
// uses it to fan out message-created events.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

func (p *Publisher) Send(ctx context.Context, conversationID string, env chat.Envelope) error {
	if env.ConversationID == "" {
		env.ConversationID = conversationID
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return p.rdb.Publish(ctx, ChannelForConversation(conversationID), data).Err()
}

// Redis is one session's connection: a single PubSub carrying every channel
// the session joined, plus the shared client for publishing.
type Redis struct {
	*Publisher
	rdb    *redis.Client
	ps     *redis.PubSub
	logger *zap.Logger
	now    func() time.Time

	events chan chat.Envelope
	done   chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRedis opens a subscription connection on rdb. Call Start to begin
// receiving.
func NewRedis(rdb *redis.Client, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		Publisher: NewPublisher(rdb),
		rdb:       rdb,
		ps:        rdb.Subscribe(context.Background()),
		logger:    logger,
		now:       time.Now,
		events:    make(chan chat.Envelope, 256),
		done:      make(chan struct{}),
	}
}

// Events delivers inbound envelopes and local connection-status-changed
// notices. It is closed after Close.
func (r *Redis) Events() <-chan chat.Envelope {
	return r.events
}

func (r *Redis) Subscribe(ctx context.Context, channel string) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.ps.Subscribe(ctx, channel)
}

func (r *Redis) Unsubscribe(ctx context.Context, channel string) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.ps.Unsubscribe(ctx, channel)
}

func (r *Redis) Send(ctx context.Context, conversationID string, env chat.Envelope) error {
	if r.isClosed() {
		return ErrClosed
	}
	return r.Publisher.Send(ctx, conversationID, env)
}

// Start checks the connection and runs the receive loop until ctx ends or
// Close is called.
func (r *Redis) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(r.events)
		r.run(ctx)
	}()
}

func (r *Redis) run(ctx context.Context) {
	r.status(ctx, chat.StatusConnecting, "")
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		r.status(ctx, chat.StatusError, err.Error())
	} else {
		r.status(ctx, chat.StatusConnected, "")
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = 0

	healthy := true
	for {
		msg, err := r.ps.Receive(ctx)
		if err != nil {
			if r.isClosed() || ctx.Err() != nil {
				return
			}
			if healthy {
				healthy = false
				r.logger.Warn("redis subscription lost", zap.Error(err))
				r.status(ctx, chat.StatusDisconnected, err.Error())
			}
			select {
			case <-time.After(b.NextBackOff()):
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
			if err := r.ps.Ping(ctx); err == nil {
				healthy = true
				b.Reset()
				r.logger.Info("redis subscription restored")
				r.status(ctx, chat.StatusConnected, "")
			}
			continue
		}

		switch m := msg.(type) {
		case *redis.Message:
			r.deliver(ctx, m)
		case *redis.Subscription:
			r.logger.Debug("redis subscription", zap.String("kind", m.Kind), zap.String("channel", m.Channel))
		case *redis.Pong:
		}
	}
}

func (r *Redis) deliver(ctx context.Context, m *redis.Message) {
	var env chat.Envelope
	if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
		r.logger.Debug("dropping undecodable event", zap.String("channel", m.Channel), zap.Error(err))
		return
	}
	if env.ConversationID == "" {
		env.ConversationID = conversationFromChannel(m.Channel)
	}
	r.emit(ctx, env)
}

func (r *Redis) status(ctx context.Context, s chat.ConnectionStatus, reason string) {
	env, err := chat.NewEnvelope(chat.EventConnectionStatusChanged, "", chat.StatusPayload{Status: s, Reason: reason}, r.now())
	if err != nil {
		return
	}
	r.emit(ctx, env)
}

func (r *Redis) emit(ctx context.Context, env chat.Envelope) {
	select {
	case r.events <- env:
	case <-r.done:
	case <-ctx.Done():
	}
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close drops the subscription connection and waits for the receive loop.
// The shared client stays open.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()

	err := r.ps.Close()
	r.wg.Wait()
	return err
}
