package api

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"opsboard/board"
	"opsboard/domain"
)

// Feed delivers store change notifications for one owner until the context
// is cancelled.
type Feed interface {
	SubscribeChanges(ctx context.Context, ownerID string, handler func(domain.ChangeEvent)) error
}

type updateBroker struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newUpdateBroker() *updateBroker {
	return &updateBroker{subs: make(map[chan struct{}]struct{})}
}

func (b *updateBroker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *updateBroker) unsubscribe(ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

func (b *updateBroker) notify() {
	b.mu.Lock()
	for ch := range b.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// Session binds one owner's board controller to its change-feed
// subscription and an update broker for stream subscribers.
type Session struct {
	ctrl   *board.Controller
	broker *updateBroker
	cancel context.CancelFunc
}

// Controller returns the session's board controller.
func (s *Session) Controller() *board.Controller { return s.ctrl }

// Notify wakes every stream subscriber of this session.
func (s *Session) Notify() { s.broker.notify() }

// Sessions hands out one live board session per owner, loading the board
// and attaching the change-feed subscription on first use.
type Sessions struct {
	store  board.Store
	feed   Feed
	logger *log.Logger

	mu     sync.Mutex
	active map[string]*Session
}

// NewSessions creates a session registry over the given store and feed.
func NewSessions(store board.Store, feed Feed, logger *log.Logger) *Sessions {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Sessions{
		store:  store,
		feed:   feed,
		logger: logger,
		active: make(map[string]*Session),
	}
}

// Get returns ownerID's session, creating and loading it if needed.
func (m *Sessions) Get(ctx context.Context, ownerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.active[ownerID]; ok {
		return s, nil
	}

	ctrl := board.NewController(m.store, ownerID, m.logger)
	if err := ctrl.Load(ctx); err != nil {
		return nil, err
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	s := &Session{ctrl: ctrl, broker: newUpdateBroker(), cancel: cancel}
	if m.feed != nil {
		go func() {
			if err := m.feed.SubscribeChanges(feedCtx, ownerID, func(ev domain.ChangeEvent) {
				ctrl.ApplyChange(ev)
				s.broker.notify()
			}); err != nil {
				m.logger.Errorf("change feed for %s: %v", ownerID, err)
			}
		}()
	}
	m.active[ownerID] = s
	m.logger.WithField("owner", ownerID).Debug("board session started")
	return s, nil
}

// Close tears down every active session's feed subscription.
func (m *Sessions) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for owner, s := range m.active {
		s.cancel()
		delete(m.active, owner)
	}
}
