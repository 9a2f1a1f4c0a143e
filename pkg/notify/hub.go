// Package notify fans out control channel notifications to subscribers.
//
// Delivery is fire-and-forget: every subscriber has its own unbounded queue,
// so a slow subscriber never blocks the sender or other subscribers.
package notify

import (
	"context"
	"sync"

	"github.com/always-cache/advanced-cache/pkg/protocol"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/smallnest/chanx"
)

const initialQueueSize = 16

type Subscriber struct {
	ID    string
	queue *chanx.UnboundedChan[protocol.Notification]
}

// C returns the channel notifications are delivered on.
// It is closed when the subscriber is removed or the hub is closed.
func (s *Subscriber) C() <-chan protocol.Notification {
	return s.queue.Out
}

// Queued returns the number of notifications waiting to be received.
func (s *Subscriber) Queued() int {
	return s.queue.Len()
}

type Hub struct {
	log         zerolog.Logger
	mutex       sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:         log,
		subscribers: make(map[string]*Subscriber),
	}
}

// Subscribe registers a new subscriber. On a closed hub the subscriber channel is closed immediately.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{
		ID:    uuid.NewString(),
		queue: chanx.NewUnboundedChan[protocol.Notification](context.Background(), initialQueueSize),
	}
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		close(sub.queue.In)
		return sub
	}
	h.subscribers[sub.ID] = sub
	h.log.Debug().Str("subscriber", sub.ID).Int("subscribers", len(h.subscribers)).Msg("Subscribed")
	return sub
}

// Unsubscribe removes the subscriber and closes its channel.
// Notifications already queued are still delivered.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		return
	}
	delete(h.subscribers, sub.ID)
	close(sub.queue.In)
	h.log.Debug().Str("subscriber", sub.ID).Msg("Unsubscribed")
}

// Broadcast queues the notification for every current subscriber.
func (h *Hub) Broadcast(n protocol.Notification) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	if h.closed {
		return
	}
	h.log.Trace().Str("type", n.NotificationType()).Int("subscribers", len(h.subscribers)).Msg("Broadcasting")
	for _, sub := range h.subscribers {
		sub.queue.In <- n
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

// Close removes all subscribers. Later broadcasts are dropped.
func (h *Hub) Close() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subscribers {
		close(sub.queue.In)
		delete(h.subscribers, id)
	}
}
