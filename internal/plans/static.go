package plans

import (
	"context"
	"sync"
	"time"

	"github.com/crosslogic/usage-meter/pkg/models"
)

// StaticSource serves plans from memory. With autoCreate set, unknown
// accounts are registered on first sight as free accounts created now,
// which suits local development without an identity service.
type StaticSource struct {
	mu            sync.RWMutex
	plans         map[string]models.PlanState
	subscriptions map[string]string
	autoCreate    bool
	now           func() time.Time
}

// NewStaticSource creates a source holding plans.
func NewStaticSource(autoCreate bool, plans ...models.PlanState) *StaticSource {
	s := &StaticSource{
		plans:         make(map[string]models.PlanState, len(plans)),
		subscriptions: make(map[string]string),
		autoCreate:    autoCreate,
		now:           time.Now,
	}
	for _, p := range plans {
		s.plans[p.AccountID] = p
	}
	return s
}

// Put adds or replaces a plan.
func (s *StaticSource) Put(plan models.PlanState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.AccountID] = plan
}

// SetSubscription records a Stripe subscription id for accountID.
func (s *StaticSource) SetSubscription(accountID, subscriptionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[accountID] = subscriptionID
}

func (s *StaticSource) PlanState(_ context.Context, accountID string) (models.PlanState, error) {
	s.mu.RLock()
	plan, ok := s.plans[accountID]
	s.mu.RUnlock()
	if ok {
		return plan, nil
	}
	if !s.autoCreate || accountID == "" {
		return models.PlanState{}, models.ErrAccountNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if plan, ok := s.plans[accountID]; ok {
		return plan, nil
	}
	plan = models.PlanState{
		AccountID: accountID,
		PlanType:  models.PlanFree,
		CreatedAt: s.now().UTC(),
	}
	s.plans[accountID] = plan
	return plan, nil
}

func (s *StaticSource) StripeSubscriptionID(_ context.Context, accountID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscriptions[accountID], nil
}
