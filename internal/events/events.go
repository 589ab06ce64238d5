package events

import (
	"context"
	"sync"
	"time"

	"couponhub-api/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventCouponCreated is emitted when a coupon is submitted
	EventCouponCreated EventType = "coupon.created"
	// EventCouponDeleted is emitted when a coupon and its votes are removed
	EventCouponDeleted EventType = "coupon.deleted"
	// EventVoteCast is emitted when a vote is admitted and recorded
	EventVoteCast EventType = "vote.cast"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// CouponCreatedData contains data for coupon created events.
type CouponCreatedData struct {
	Coupon models.Coupon
}

// CouponDeletedData contains data for coupon deleted events.
type CouponDeletedData struct {
	CouponID    string
	Brand       string
	SubmitterID string
}

// VoteCastData contains data for vote cast events.
type VoteCastData struct {
	CouponID    string
	Brand       string
	IdentityKey string
	Worked      bool
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
}

// NewManager creates a new event manager.
func NewManager(enabled bool) *Manager {
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
	}
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	if !m.enabled {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

// Publish publishes an event to all subscribed handlers. Handlers run
// asynchronously so publishing never blocks the request path.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	if !m.enabled {
		return
	}

	m.mu.RLock()
	handlers := m.handlers[eventType]
	m.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	for _, handler := range handlers {
		go func(h Handler) {
			if err := h(ctx, event); err != nil {
				_ = err
			}
		}(handler)
	}
}

// PublishCouponCreated publishes a coupon created event.
func (m *Manager) PublishCouponCreated(ctx context.Context, coupon models.Coupon) {
	m.Publish(ctx, EventCouponCreated, CouponCreatedData{Coupon: coupon})
}

// PublishCouponDeleted publishes a coupon deleted event.
func (m *Manager) PublishCouponDeleted(ctx context.Context, couponID, brand, submitterID string) {
	m.Publish(ctx, EventCouponDeleted, CouponDeletedData{
		CouponID:    couponID,
		Brand:       brand,
		SubmitterID: submitterID,
	})
}

// PublishVoteCast publishes a vote cast event.
func (m *Manager) PublishVoteCast(ctx context.Context, couponID, brand, identityKey string, worked bool) {
	m.Publish(ctx, EventVoteCast, VoteCastData{
		CouponID:    couponID,
		Brand:       brand,
		IdentityKey: identityKey,
		Worked:      worked,
	})
}

// Shutdown shuts down the event manager.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
}
