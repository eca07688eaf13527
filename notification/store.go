package notification

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pbcex/adminguard/request"
)

// notifyTimeout bounds a single asynchronous delivery.
const notifyTimeout = 30 * time.Second

// NotifyStore wraps a request.Store and fires notifications after successful
// writes. Reads pass through untouched. Deliveries run in the background
// until Close, which waits for them; after Close they run inline.
type NotifyStore struct {
	store    request.Store
	notifier Notifier

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewNotifyStore wraps store. A nil notifier disables notifications.
func NewNotifyStore(store request.Store, notifier Notifier) *NotifyStore {
	if notifier == nil {
		notifier = &NoopNotifier{}
	}
	return &NotifyStore{
		store:    store,
		notifier: notifier,
	}
}

// Create stores a new request and fires EventRequestCreated on success.
func (s *NotifyStore) Create(ctx context.Context, req *request.Request) error {
	if err := s.store.Create(ctx, req); err != nil {
		return err
	}
	s.dispatch(ctx, EventRequestCreated, req.Clone(), req.Requester.UserID)
	return nil
}

// Get retrieves a request by ID.
func (s *NotifyStore) Get(ctx context.Context, id string) (*request.Request, error) {
	return s.store.Get(ctx, id)
}

// Update writes req and fires an event when the write moved it out of
// pending or redeemed it for the first time.
func (s *NotifyStore) Update(ctx context.Context, req *request.Request, prevUpdatedAt time.Time) error {
	old, err := s.store.Get(ctx, req.ID)
	if err != nil {
		// The transition cannot be detected; the wrapped store decides the write.
		return s.store.Update(ctx, req, prevUpdatedAt)
	}
	if err := s.store.Update(ctx, req, prevUpdatedAt); err != nil {
		return err
	}

	if event, actor := transitionEvent(old, req); event != "" {
		s.dispatch(ctx, event, req.Clone(), actor)
	}
	return nil
}

// List returns requests matching filter.
func (s *NotifyStore) List(ctx context.Context, filter request.Filter) ([]*request.Request, error) {
	return s.store.List(ctx, filter)
}

// Wait blocks until every delivery started so far has finished.
func (s *NotifyStore) Wait() {
	s.inflight.Wait()
}

// Close stops background delivery and waits for pending notifications.
func (s *NotifyStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.inflight.Wait()
	return nil
}

func (s *NotifyStore) dispatch(ctx context.Context, eventType EventType, req *request.Request, actor string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.notify(ctx, eventType, req, actor)
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.inflight.Done()
		s.notify(ctx, eventType, req, actor)
	}()
}

func (s *NotifyStore) notify(ctx context.Context, eventType EventType, req *request.Request, actor string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	if err := s.notifier.Notify(ctx, NewEvent(eventType, req, actor)); err != nil {
		log.Printf("WARNING: notification %s for approval request %s failed: %v", eventType, req.ID, err)
	}
}

var _ request.Store = (*NotifyStore)(nil)
