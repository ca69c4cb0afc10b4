// Package events implements the EventHub: a per-process, at-least-once
// fan-out of workflow/step lifecycle events to subscribers. Subscribers are
// held by weak reference, so the hub never keeps a subscription alive on the
// caller's behalf.
package events

import (
	"sync"
	"time"
	"weak"
)

// Kind identifies the shape of an event's payload. These string values are
// stable for external consumers.
type Kind string

const (
	WorkflowStart    Kind = "workflow.start"
	WorkflowComplete Kind = "workflow.complete"
	WorkflowFail     Kind = "workflow.fail"
	WorkflowPause    Kind = "workflow.pause"
	WorkflowResume   Kind = "workflow.resume"
	WorkflowCancel   Kind = "workflow.cancel"
	StepStart        Kind = "step.start"
	StepComplete     Kind = "step.complete"
	StepFail         Kind = "step.fail"
	StepRetry        Kind = "step.retry"
	StepSkip         Kind = "step.skip"
	StepCancel       Kind = "step.cancel"
)

// Event is the envelope delivered to subscribers. Payload holds kind-specific
// fields (previous/new status, attempt counts, error details, output size).
type Event struct {
	Kind        Kind
	Timestamp   time.Time
	ExecutionID string
	WorkflowID  string
	StepID      string // empty for workflow-level events
	Payload     map[string]interface{}
}

// Handler receives events. A handler that panics must not affect other
// subscribers or the engine: the hub recovers around every dispatch.
type Handler func(Event)

// Subscription is the handle returned by Subscribe. The caller must keep a
// reference to it alive for as long as it wants to keep receiving events;
// once it is garbage collected the hub's weak reference resolves to nil and
// the subscription is dropped lazily on next publish.
type Subscription struct {
	kinds   map[Kind]bool // nil means "all kinds"
	handler Handler
}

func (s *Subscription) wants(k Kind) bool {
	if s.kinds == nil {
		return true
	}
	return s.kinds[k]
}

// Hub multiplexes events to subscribers. Publish dispatches synchronously to
// every live subscriber in call order, so a single caller that serializes
// its own state transitions (as the scheduler does, per execution) gets
// FIFO delivery of that execution's events for free; there is no ordering
// guarantee across concurrently-publishing callers. A Hub is safe for
// concurrent use.
type Hub struct {
	mu   sync.Mutex
	subs []weak.Pointer[Subscription]
}

// NewHub constructs an empty event hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe attaches handler for the given kinds (nil/empty means all kinds)
// and returns a detach function. The returned Subscription must be kept
// alive by the caller; the detach function is also sufficient on its own and
// should be preferred for deterministic teardown.
func (h *Hub) Subscribe(kinds []Kind, handler Handler) (*Subscription, func()) {
	var set map[Kind]bool
	if len(kinds) > 0 {
		set = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			set[k] = true
		}
	}

	sub := &Subscription{kinds: set, handler: handler}

	h.mu.Lock()
	h.subs = append(h.subs, weak.Make(sub))
	h.mu.Unlock()

	detach := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, wp := range h.subs {
			if wp.Value() == sub {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				return
			}
		}
	}

	return sub, detach
}

// Publish delivers ev to every live subscriber interested in its kind. It
// never blocks on a slow or panicking handler for longer than that one
// dispatch, and a panicking handler never prevents delivery to the rest.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	live := make([]*Subscription, 0, len(h.subs))
	alive := h.subs[:0]
	for _, wp := range h.subs {
		if sub := wp.Value(); sub != nil {
			live = append(live, sub)
			alive = append(alive, wp)
		}
	}
	h.subs = alive
	h.mu.Unlock()

	for _, sub := range live {
		if !sub.wants(ev.Kind) {
			continue
		}
		h.dispatch(sub, ev)
	}
}

func (h *Hub) dispatch(sub *Subscription, ev Event) {
	defer func() {
		_ = recover()
	}()
	sub.handler(ev)
}

// SubscriberCount returns the number of currently-live subscriptions, for
// diagnostics/tests.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, wp := range h.subs {
		if wp.Value() != nil {
			count++
		}
	}
	return count
}
