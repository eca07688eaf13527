package policy

import (
	"context"
	"log"
	"sync"
	"time"
)

// RuleSource answers whether (resourceType, action) is approval-gated.
// *RuleSet implements it for static configuration.
type RuleSource interface {
	Lookup(resourceType, action string) (ApprovalRule, bool)
}

// LoadedRules is a RuleSource backed by a RuleLoader (usually a CachedLoader
// over SSM). When a reload fails the last successfully loaded rules stay in
// force, so a transient SSM outage never silently un-gates an operation.
type LoadedRules struct {
	loader  RuleLoader
	name    string
	timeout time.Duration

	mu       sync.RWMutex
	lastGood *RuleSet
}

// NewLoadedRules loads name once and returns a RuleSource over it.
// The initial load must succeed.
func NewLoadedRules(ctx context.Context, loader RuleLoader, name string) (*LoadedRules, error) {
	rs, err := loader.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return &LoadedRules{loader: loader, name: name, timeout: 5 * time.Second, lastGood: rs}, nil
}

// Lookup reloads through the loader and falls back to the last good rules on error.
func (l *LoadedRules) Lookup(resourceType, action string) (ApprovalRule, bool) {
	return l.current().Lookup(resourceType, action)
}

func (l *LoadedRules) current() *RuleSet {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	rs, err := l.loader.Load(ctx, l.name)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		log.Printf("WARNING: reload approval rules %s failed, keeping previous rules: %v", l.name, err)
		return l.lastGood
	}
	l.lastGood = rs
	return rs
}
