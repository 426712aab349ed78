// Package notify fans step and segment progress events out to live viewers.
// Delivery is best effort: a slow or disconnected subscriber is pruned, and
// no pipeline stage ever fails because an event could not be delivered.
package notify

import (
	"sync"
	"time"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

// subscriber is one live viewer of a workflow's progress.
type subscriber struct {
	ch       chan models.ProgressEvent
	lastSeen time.Time
}

// Hub tracks the ephemeral per-workflow subscriber sets.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]map[*subscriber]struct{}
	// ttl bounds how long an idle subscriber survives between prunes.
	ttl time.Duration
}

// Subscription is a live event feed for one workflow.
type Subscription struct {
	C      <-chan models.ProgressEvent
	hub    *Hub
	id     string
	sub    *subscriber
	closed sync.Once
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[*subscriber]struct{}),
		ttl:         10 * time.Minute,
	}
}

// Subscribe registers a live viewer for one workflow's events.
func (h *Hub) Subscribe(workflowID string) *Subscription {
	sub := &subscriber{
		ch:       make(chan models.ProgressEvent, 16),
		lastSeen: time.Now(),
	}
	h.mu.Lock()
	if h.subscribers[workflowID] == nil {
		h.subscribers[workflowID] = make(map[*subscriber]struct{})
	}
	h.subscribers[workflowID][sub] = struct{}{}
	h.mu.Unlock()
	return &Subscription{C: sub.ch, hub: h, id: workflowID, sub: sub}
}

// Close removes the subscription from the hub.
func (s *Subscription) Close() {
	s.closed.Do(func() {
		s.hub.remove(s.id, s.sub)
	})
}

func (h *Hub) remove(workflowID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subscribers[workflowID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(h.subscribers, workflowID)
		}
	}
}

// Broadcast delivers an event to every live subscriber of the workflow.
// Subscribers whose buffers are full or that have expired are pruned.
func (h *Hub) Broadcast(event models.ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[event.WorkflowID]
	if !ok {
		return
	}
	now := time.Now()
	for sub := range set {
		if now.Sub(sub.lastSeen) > h.ttl {
			delete(set, sub)
			close(sub.ch)
			continue
		}
		select {
		case sub.ch <- event:
			sub.lastSeen = now
		default:
			// Delivery failure: the viewer stopped draining. Prune it.
			delete(set, sub)
			close(sub.ch)
		}
	}
	if len(set) == 0 {
		delete(h.subscribers, event.WorkflowID)
	}
}

// SubscriberCount reports the current number of live viewers of a workflow.
func (h *Hub) SubscriberCount(workflowID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers[workflowID])
}
