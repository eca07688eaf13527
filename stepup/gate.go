package stepup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	guarderrors "github.com/pbcex/adminguard/errors"
)

// Gate is the step-up capability consumed by the approval workflow and the
// interception middleware.
type Gate interface {
	// Initiate begins a challenge for userID on (action, resource).
	Initiate(ctx context.Context, userID, action, resource string, meta map[string]string) (*Session, error)

	// VerifyFor reports whether id is a completed, unexpired session owned
	// by userID and opened for target.
	VerifyFor(ctx context.Context, id, userID string, target Target) bool

	// Clear invalidates id. It returns ErrSessionNotFound when the session
	// was already cleared.
	Clear(ctx context.Context, id string) error
}

// Service implements Gate over a Store and a FactorVerifier.
type Service struct {
	store    Store
	verifier FactorVerifier
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a step-up Service.
func NewService(store Store, verifier FactorVerifier, opts ...Option) *Service {
	s := &Service{store: store, verifier: verifier, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Method returns the factor sessions must be completed with.
func (s *Service) Method() Method {
	return s.verifier.Method()
}

// TTL returns the session lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// Initiate creates a new session for userID.
func (s *Service) Initiate(ctx context.Context, userID, action, resource string, meta map[string]string) (*Session, error) {
	if userID == "" {
		return nil, guarderrors.ValidationFailed("step-up requires a user ID")
	}
	now := s.now()
	sess := &Session{
		ID:        NewSessionID(),
		UserID:    userID,
		Action:    action,
		Resource:  resource,
		Context:   meta,
		Method:    s.verifier.Method(),
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}
	if err := s.store.Create(ctx, sess); err != nil {
		return nil, err
	}
	log.Printf("INFO: step-up %s initiated for %s on %s:%s", sess.ID, userID, resource, action)
	return sess, nil
}

// Complete verifies code for session id and marks it completed.
// Completing an already completed session is a no-op.
func (s *Service) Complete(ctx context.Context, id, userID, code string) (*Session, error) {
	sess, err := s.load(ctx, id, userID)
	if err != nil {
		return nil, err
	}
	if sess.IsCompleted() {
		return sess, nil
	}

	ok, err := s.verifier.VerifyCode(ctx, userID, code)
	if err != nil {
		if errors.Is(err, ErrNoSecret) {
			return nil, guarderrors.Forbidden(fmt.Sprintf("no %s factor enrolled for %s", s.verifier.Method(), userID))
		}
		return nil, fmt.Errorf("verify step-up code: %w", err)
	}
	if !ok {
		return nil, guarderrors.Forbidden("invalid step-up code")
	}

	completedAt := s.now()
	sess.CompletedAt = &completedAt
	if err := s.store.Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns session id if it belongs to userID.
func (s *Service) Get(ctx context.Context, id, userID string) (*Session, error) {
	return s.load(ctx, id, userID)
}

func (s *Service) load(ctx context.Context, id, userID string) (*Session, error) {
	if !ValidateSessionID(id) {
		return nil, guarderrors.ValidationFailed(fmt.Sprintf("invalid step-up ID: must be %d lowercase hex characters", SessionIDLength))
	}
	sess, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, guarderrors.NotFound("step-up session", id)
		}
		return nil, err
	}
	if sess.UserID != userID {
		// Reported as not found so session IDs cannot be probed across users.
		return nil, guarderrors.NotFound("step-up session", id)
	}
	if sess.IsExpired(s.now()) {
		return nil, guarderrors.New(guarderrors.ErrCodeExpired,
			fmt.Sprintf("step-up session %s has expired", id),
			"Start a new step-up challenge.", nil)
	}
	return sess, nil
}

// Verify returns true iff the session exists, is unexpired, belongs to userID
// and has been completed. Store failures resolve to false.
func (s *Service) Verify(ctx context.Context, id, userID string) bool {
	if id == "" || userID == "" {
		return false
	}
	sess, err := s.load(ctx, id, userID)
	if err != nil {
		return false
	}
	return sess.IsCompleted()
}

// VerifyFor is Verify restricted to sessions opened for target.
func (s *Service) VerifyFor(ctx context.Context, id, userID string, target Target) bool {
	if id == "" || userID == "" {
		return false
	}
	sess, err := s.load(ctx, id, userID)
	if err != nil {
		return false
	}
	return sess.IsCompleted() && sess.Matches(target)
}

// Clear deletes the session.
func (s *Service) Clear(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}
