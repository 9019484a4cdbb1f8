package relay

import (
	"context"
	"encoding/json"
	"sync"
)

// Delivery is one fan-out request: data goes to every connection of Users
// and every connection joined to Group, except the connection ExceptConn.
type Delivery struct {
	Users      []string        `json:"users,omitempty"`
	Group      string          `json:"group,omitempty"`
	ExceptConn string          `json:"exceptConn,omitempty"`
	Data       json.RawMessage `json:"data"`
}

// Broker carries deliveries and presence between relay instances.
type Broker interface {
	// Start begins delivering published fan-outs to deliver. It returns once
	// the subscription is live.
	Start(ctx context.Context, deliver func(Delivery)) error
	Publish(ctx context.Context, d Delivery) error

	Attach(ctx context.Context, userID string) error
	Detach(ctx context.Context, userID string) error
	Online(ctx context.Context, userID string) (bool, error)

	Close() error
}

// LocalBroker is the single-instance Broker. Publish delivers synchronously.
type LocalBroker struct {
	mu      sync.RWMutex
	deliver func(Delivery)
	online  map[string]int
}

// NewLocalBroker returns an in-process broker.
func NewLocalBroker() *LocalBroker {
	return &LocalBroker{online: make(map[string]int)}
}

func (b *LocalBroker) Start(_ context.Context, deliver func(Delivery)) error {
	b.mu.Lock()
	b.deliver = deliver
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Publish(_ context.Context, d Delivery) error {
	b.mu.RLock()
	fn := b.deliver
	b.mu.RUnlock()
	if fn != nil {
		fn(d)
	}
	return nil
}

func (b *LocalBroker) Attach(_ context.Context, userID string) error {
	b.mu.Lock()
	b.online[userID]++
	b.mu.Unlock()
	return nil
}

func (b *LocalBroker) Detach(_ context.Context, userID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.online[userID] <= 1 {
		delete(b.online, userID)
		return nil
	}
	b.online[userID]--
	return nil
}

func (b *LocalBroker) Online(_ context.Context, userID string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.online[userID] > 0, nil
}

func (b *LocalBroker) Close() error { return nil }
