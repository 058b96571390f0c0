package session

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"marketchat/internal/chat"
)

// Connector opens the transport and backend of a new session.
type Connector func(ctx context.Context, user chat.Participant) (Transport, Backend, error)

// Manager keeps one running session per signed-in user.
type Manager struct {
	ctx     context.Context
	connect Connector
	opts    Options
	logger  *zap.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	loggedOut map[string]bool
}

func NewManager(ctx context.Context, connect Connector, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		ctx:      ctx,
		connect:  connect,
		opts:     opts,
		logger:   opts.Logger,
		sessions:  make(map[string]*Session),
		loggedOut: make(map[string]bool),
	}
}

// Start returns the user's session, starting one if none is running. It is
// called at login and clears an earlier logout.
func (m *Manager) Start(user chat.Participant) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.loggedOut, user.ID)
	return m.start(user)
}

// Resume is Start for requests carrying a token: it attaches to the running
// session, or starts one after a restart, but never undoes a logout.
func (m *Manager) Resume(user chat.Participant) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loggedOut[user.ID] {
		return nil, ErrLoggedOut
	}
	return m.start(user)
}

// start needs m.mu held.
func (m *Manager) start(user chat.Participant) (*Session, error) {
	if s, ok := m.sessions[user.ID]; ok {
		return s, nil
	}
	tr, backend, err := m.connect(m.ctx, user)
	if err != nil {
		return nil, err
	}
	s := New(user, tr, backend, m.opts)
	m.sessions[user.ID] = s
	go func() {
		if err := s.Run(m.ctx); err != nil {
			m.logger.Error("chat session stopped", zap.String("user_id", user.ID), zap.Error(err))
		}
	}()
	m.logger.Info("chat session started", zap.String("user_id", user.ID))
	return s, nil
}

func (m *Manager) Get(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	return s, ok
}

// Stop ends the user's session on logout. Until the next login, Resume
// refuses to start another one.
func (m *Manager) Stop(userID string) {
	m.mu.Lock()
	m.loggedOut[userID] = true
	m.mu.Unlock()
	m.stop(userID)
}

func (m *Manager) stop(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := s.Close(); err != nil {
		m.logger.Warn("closing chat session", zap.String("user_id", userID), zap.Error(err))
	}
	m.logger.Info("chat session stopped", zap.String("user_id", userID))
}

// Refresh makes the running sessions of the given users re-fetch their
// conversations.
func (m *Manager) Refresh(userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range userIDs {
		if s, ok := m.sessions[id]; ok {
			s.Refresh()
		}
	}
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown stops every session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.stop(id)
		}(id)
	}
	wg.Wait()
}
