package router

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Kind selects which announce message a subscription uses. Matching of
// inbound updates is by resource id only.
type Kind int

const (
	KindQuery Kind = iota
	KindWorkflow
)

func (k Kind) String() string {
	if k == KindWorkflow {
		return "workflow"
	}
	return "query"
}

type Subscription struct {
	ResourceID string
	Kind       Kind
	CreatedAt  time.Time
}

// SubscriptionSet is the set of resources whose updates are forwarded,
// keyed by resource id.
type SubscriptionSet struct {
	mu   sync.RWMutex
	subs map[string]Subscription
	now  func() time.Time
}

func NewSubscriptionSet() *SubscriptionSet {
	return &SubscriptionSet{subs: map[string]Subscription{}, now: time.Now}
}

// Add inserts resourceID. It reports false, and keeps the existing entry,
// when the id is already present.
func (s *SubscriptionSet) Add(resourceID string, kind Kind) (Subscription, bool) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return Subscription{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.subs[resourceID]; ok {
		return existing, false
	}
	sub := Subscription{ResourceID: resourceID, Kind: kind, CreatedAt: s.now()}
	s.subs[resourceID] = sub
	return sub, true
}

func (s *SubscriptionSet) Remove(resourceID string) (Subscription, bool) {
	resourceID = strings.TrimSpace(resourceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[resourceID]
	if ok {
		delete(s.subs, resourceID)
	}
	return sub, ok
}

func (s *SubscriptionSet) Contains(resourceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[resourceID]
	return ok
}

func (s *SubscriptionSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// List returns the subscriptions oldest first.
func (s *SubscriptionSet) List() []Subscription {
	s.mu.RLock()
	out := make([]Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		out = append(out, sub)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ResourceID < out[j].ResourceID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *SubscriptionSet) Clear() {
	s.mu.Lock()
	s.subs = map[string]Subscription{}
	s.mu.Unlock()
}
