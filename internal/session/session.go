// Package session runs one user's chat state on a single goroutine. Transport
// events, UI actions, timer fires and the results of network calls are all
// queued onto that goroutine, so each of them sees and leaves the state whole.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"marketchat/internal/chat"
	"marketchat/internal/composer"
	"marketchat/internal/sched"
	"marketchat/internal/transport"
	"marketchat/internal/typing"
	"marketchat/internal/window"
)

var (
	ErrClosed = errors.New("chat session closed")
	// ErrLoggedOut refuses to bring back a session the user ended by logging
	// out; a new login starts one again.
	ErrLoggedOut = errors.New("chat session ended by logout")
)

const (
	ioTimeout     = 10 * time.Second
	subscriberBuf = 16
)

// Transport is the real-time connection of one session.
type Transport interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Events() <-chan chat.Envelope
	Send(ctx context.Context, conversationID string, env chat.Envelope) error
	Close() error
}

// Backend is the request/response side: the conversation list and message
// sends.
type Backend interface {
	FetchConversations(ctx context.Context) ([]chat.Conversation, error)
	SendMessage(ctx context.Context, conversationID, content string) (chat.Message, error)
}

// ReadMarker is implemented by backends that persist read state.
type ReadMarker interface {
	MarkRead(ctx context.Context, conversationID string, upTo time.Time) error
}

type Options struct {
	TypingWindow time.Duration
	ComposerIdle time.Duration
	Layout       window.Layout
	Clock        sched.Clock
	Logger       *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Layout == (window.Layout{}) {
		o.Layout = window.DefaultLayout()
	}
	if o.Clock == nil {
		o.Clock = sched.Real()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

type Session struct {
	user      chat.Participant
	transport Transport
	backend   Backend
	logger    *zap.Logger
	opts      Options
	clock     sched.Clock

	actions  chan func()
	outbox   chan outbound
	quit     chan struct{}
	stopped  chan struct{}
	finished chan struct{}
	once     sync.Once
	runOnce  sync.Once
	bg       context.Context

	asyncMu sync.Mutex
	async   sync.WaitGroup
	closing bool

	// Owned by the loop goroutine.
	store      *chat.Store
	unread     *chat.UnreadCounter
	typing     *typing.Tracker
	windows    *window.Coordinator
	composers  map[string]*composer.Composer
	presence   map[string]chat.Presence
	subscribed map[string]bool
	subs       map[int]chan Update
	nextSub    int
	dirty      bool
}

func New(user chat.Participant, tr Transport, backend Backend, opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		user:       user,
		transport:  tr,
		backend:    backend,
		logger:     opts.Logger.With(zap.String("user_id", user.ID)),
		opts:       opts,
		actions:    make(chan func(), 64),
		outbox:     make(chan outbound, 256),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		finished:   make(chan struct{}),
		bg:         context.Background(),
		composers:  make(map[string]*composer.Composer),
		presence:   make(map[string]chat.Presence),
		subscribed: make(map[string]bool),
		subs:       make(map[int]chan Update),
	}
	s.clock = sched.Posted(opts.Clock, s.post)
	s.store = chat.NewStore(user.ID, opts.Clock.Now)
	s.unread = chat.NewUnreadCounter(s.store)
	s.typing = typing.NewTracker(user.ID, opts.TypingWindow, s.clock)
	s.typing.OnChange(func(string) { s.dirty = true })
	s.windows = window.NewCoordinator(opts.Layout)
	return s
}

func (s *Session) User() chat.Participant {
	return s.user
}

// Run processes events until ctx ends or Close is called. The initial
// conversation fetch and the outbound publisher run alongside the loop.
func (s *Session) Run(ctx context.Context) error {
	first := false
	s.runOnce.Do(func() { first = true })
	if !first {
		select {
		case <-s.quit:
			return ErrClosed
		default:
			return errors.New("session already running")
		}
	}
	defer close(s.finished)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		defer close(s.stopped)
		return s.loop(gctx)
	})
	g.Go(func() error {
		s.refresh(gctx)
		return nil
	})
	g.Go(func() error {
		s.sendLoop(gctx)
		return nil
	})
	return g.Wait()
}

// Close stops the loop, waits for in-flight work to settle and closes the
// transport.
func (s *Session) Close() error {
	s.once.Do(func() { close(s.quit) })
	neverRan := false
	s.runOnce.Do(func() {
		neverRan = true
		close(s.stopped)
		close(s.finished)
	})
	if !neverRan {
		<-s.finished
	}
	s.asyncMu.Lock()
	s.closing = true
	s.asyncMu.Unlock()
	s.async.Wait()
	return s.transport.Close()
}

func (s *Session) loop(ctx context.Context) error {
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			s.teardown()
			return nil
		case <-s.quit:
			s.teardown()
			return nil
		case fn := <-s.actions:
			fn()
		case env, ok := <-events:
			if !ok {
				events = nil
				s.setStatus(chat.StatusDisconnected)
				break
			}
			s.handle(env)
		}
		if s.dirty {
			s.dirty = false
			s.broadcast(Update{Type: UpdateSnapshot, Snapshot: s.snapshot()})
		}
	}
}

func (s *Session) teardown() {
	for id, c := range s.composers {
		c.Close()
		delete(s.composers, id)
	}
	s.typing.Close()

	if len(s.subscribed) > 0 {
		ctx, cancel := context.WithTimeout(s.bg, 2*time.Second)
		for id := range s.subscribed {
			s.sendPresence(ctx, id, false)
		}
		cancel()
	}
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// post queues fn onto the loop. It is dropped once the loop has stopped.
func (s *Session) post(fn func()) {
	select {
	case s.actions <- fn:
	case <-s.stopped:
	case <-s.quit:
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) error {
	done := make(chan struct{})
	select {
	case s.actions <- func() { fn(); close(done) }:
	case <-s.stopped:
		return ErrClosed
	case <-s.quit:
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-s.stopped:
		// fn may have run just before teardown.
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	}
}

// goAsync runs network work off the loop. In-flight work is not cancelled by
// Close.
func (s *Session) goAsync(fn func(ctx context.Context)) {
	s.asyncMu.Lock()
	if s.closing {
		s.asyncMu.Unlock()
		return
	}
	s.async.Add(1)
	s.asyncMu.Unlock()
	go func() {
		defer s.async.Done()
		ctx, cancel := context.WithTimeout(s.bg, ioTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Session) handle(env chat.Envelope) {
	payload, err := env.Decode()
	if err != nil {
		s.logger.Debug("dropping event", zap.String("event", string(env.Type)), zap.Error(err))
		return
	}

	switch p := payload.(type) {
	case chat.MessagePayload:
		if s.store.ApplyInboundMessage(p.Message) {
			s.dirty = true
		}
		if p.OrderID != "" {
			s.store.PairOrder(p.ConversationID, p.OrderID)
		}
		if s.typing.IsTyping(p.ConversationID, p.SenderID) {
			s.typing.Stop(p.ConversationID, p.SenderID)
			s.dirty = true
		}
	case chat.TypingPayload:
		if env.Type == chat.EventTypingStarted {
			s.typing.Start(env.ConversationID, p.User)
		} else {
			s.typing.Stop(env.ConversationID, p.User.ID)
		}
		s.dirty = true
	case chat.ReadReceiptPayload:
		if s.store.ApplyReadReceipt(env.ConversationID, p.ReaderID, p.UpTo) {
			s.dirty = true
		}
	case chat.PresencePayload:
		prev, ok := s.presence[p.UserID]
		if !ok || !p.LastSeen.Before(prev.LastSeen) {
			s.presence[p.UserID] = chat.Presence{UserID: p.UserID, Online: p.Online, LastSeen: p.LastSeen}
			s.dirty = true
		}
	case chat.StatusPayload:
		s.setStatus(p.Status)
	}
}

func (s *Session) setStatus(status chat.ConnectionStatus) {
	if s.windows.ConnectionStatus() == status {
		return
	}
	s.logger.Info("connection status changed", zap.String("status", string(status)))
	s.windows.SetConnectionStatus(status)
	s.dirty = true
}

// refresh fetches the conversation list, merges it and subscribes to any
// conversation channel not joined yet.
func (s *Session) refresh(ctx context.Context) {
	var convs []chat.Conversation
	op := func() error {
		var err error
		convs, err = s.backend.FetchConversations(ctx)
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, b); err != nil {
		s.logger.Error("fetch conversations failed", zap.Error(err))
		return
	}

	s.post(func() {
		s.store.Load(convs)
		s.dirty = true
		ids := make([]string, 0, len(convs))
		for _, c := range convs {
			ids = append(ids, c.ID)
		}
		s.join(ids...)
	})
}

// Refresh re-fetches the conversation list, for example after an order was
// placed.
func (s *Session) Refresh() {
	s.goAsync(func(ctx context.Context) { s.refresh(ctx) })
}

// join subscribes to the channels of conversations not joined yet. Runs on
// the loop; the subscribe calls do not.
func (s *Session) join(ids ...string) {
	var fresh []string
	for _, id := range ids {
		if id == "" || s.subscribed[id] {
			continue
		}
		s.subscribed[id] = true
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return
	}
	s.goAsync(func(ctx context.Context) {
		for _, id := range fresh {
			if err := s.transport.Subscribe(ctx, transport.ChannelForConversation(id)); err != nil {
				s.logger.Warn("subscribe failed", zap.String("conversation_id", id), zap.Error(err))
				s.post(func() { delete(s.subscribed, id) })
				continue
			}
			s.sendPresence(ctx, id, true)
		}
	})
}

func (s *Session) sendPresence(ctx context.Context, conversationID string, online bool) {
	env, err := chat.NewEnvelope(chat.EventPresenceChanged, conversationID,
		chat.PresencePayload{UserID: s.user.ID, Online: online, LastSeen: s.clock.Now()}, s.clock.Now())
	if err != nil {
		return
	}
	if err := s.transport.Send(ctx, conversationID, env); err != nil {
		s.logger.Debug("presence publish failed", zap.String("conversation_id", conversationID), zap.Error(err))
	}
}

func (s *Session) composerFor(conversationID string) *composer.Composer {
	if c, ok := s.composers[conversationID]; ok {
		return c
	}
	c := composer.New(conversationID, s.clock, s.opts.ComposerIdle, func(typing bool) {
		s.publishTyping(conversationID, typing)
	})
	s.composers[conversationID] = c
	return c
}

func (s *Session) publishTyping(conversationID string, started bool) {
	t := chat.EventTypingStopped
	if started {
		t = chat.EventTypingStarted
	}
	env, err := chat.NewEnvelope(t, conversationID, chat.TypingPayload{User: s.user}, s.clock.Now())
	if err != nil {
		return
	}
	s.publish(env)
}

type outbound struct {
	env chat.Envelope
}

// publish queues an event for the publisher goroutine, which sends in queue
// order. When the queue is full the event is dropped.
func (s *Session) publish(env chat.Envelope) {
	select {
	case s.outbox <- outbound{env: env}:
	default:
		s.logger.Debug("outbox full, dropping event", zap.String("event", string(env.Type)))
	}
}

func (s *Session) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-s.outbox:
			sctx, cancel := context.WithTimeout(ctx, ioTimeout)
			err := s.transport.Send(sctx, o.env.ConversationID, o.env)
			cancel()
			if err != nil {
				level := zap.DebugLevel
				if o.env.Type == chat.EventReadReceipt {
					level = zap.WarnLevel
				}
				s.logger.Log(level, "publish failed",
					zap.String("event", string(o.env.Type)),
					zap.String("conversation_id", o.env.ConversationID),
					zap.Error(err))
			}
		}
	}
}
