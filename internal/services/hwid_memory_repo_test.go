package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/keyforge/internal/models"
	"github.com/BradenHooton/keyforge/internal/repositories"
)

// memoryBindingRepo is an in-process HWIDBindingRepository. Each
// subscription has its own mutex, standing in for the row lock Postgres
// takes in WithBinding.
type memoryBindingRepo struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	bindings map[string]models.HWIDBinding
}

func newMemoryBindingRepo() *memoryBindingRepo {
	return &memoryBindingRepo{
		locks:    make(map[string]*sync.Mutex),
		bindings: make(map[string]models.HWIDBinding),
	}
}

func (r *memoryBindingRepo) subscriptionLock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = &sync.Mutex{}
		r.locks[id] = l
	}
	return l
}

func (r *memoryBindingRepo) load(id string) *models.HWIDBinding {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[id]
	if !ok {
		return nil
	}
	return &b
}

func (r *memoryBindingRepo) Get(ctx context.Context, subscriptionID string) (*models.HWIDBinding, error) {
	if err := ctx.Err(); err != nil {
		return nil, models.ErrUnavailable
	}
	b := r.load(subscriptionID)
	if b == nil {
		return nil, models.ErrNotFound
	}
	return b, nil
}

func (r *memoryBindingRepo) WithBinding(ctx context.Context, subscriptionID string, fn repositories.BindingMutation) (*models.HWIDBinding, error) {
	l := r.subscriptionLock(subscriptionID)
	l.Lock()
	defer l.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, models.ErrUnavailable
	}

	current := r.load(subscriptionID)
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return current, nil
	}

	stored := *next
	stored.SubscriptionID = subscriptionID
	if current != nil {
		stored.BoundAt = current.BoundAt
	}

	r.mu.Lock()
	r.bindings[subscriptionID] = stored
	r.mu.Unlock()

	return &stored, nil
}

func (r *memoryBindingRepo) SetLocked(ctx context.Context, subscriptionID string, locked bool) error {
	l := r.subscriptionLock(subscriptionID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[subscriptionID]
	if !ok {
		return models.ErrNotFound
	}
	b.Locked = locked
	b.UpdatedAt = time.Now().UTC()
	r.bindings[subscriptionID] = b
	return nil
}

func (r *memoryBindingRepo) Delete(ctx context.Context, subscriptionID string) error {
	l := r.subscriptionLock(subscriptionID)
	l.Lock()
	defer l.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[subscriptionID]; !ok {
		return models.ErrNotFound
	}
	delete(r.bindings, subscriptionID)
	return nil
}
