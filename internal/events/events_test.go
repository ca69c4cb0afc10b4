package events

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishDeliversToSubscribedKinds(t *testing.T) {
	hub := NewHub()

	var got []Event
	sub, detach := hub.Subscribe([]Kind{StepComplete}, func(ev Event) {
		got = append(got, ev)
	})
	defer detach()

	hub.Publish(Event{Kind: StepStart, ExecutionID: "e1"})
	hub.Publish(Event{Kind: StepComplete, ExecutionID: "e1"})

	require.Len(t, got, 1)
	assert.Equal(t, StepComplete, got[0].Kind)
	runtime.KeepAlive(sub)
}

func TestHub_SubscribeNilKindsMeansAll(t *testing.T) {
	hub := NewHub()

	var count int
	sub, detach := hub.Subscribe(nil, func(ev Event) { count++ })
	defer detach()

	hub.Publish(Event{Kind: WorkflowStart})
	hub.Publish(Event{Kind: StepFail})

	assert.Equal(t, 2, count)
	runtime.KeepAlive(sub)
}

func TestHub_DetachStopsDelivery(t *testing.T) {
	hub := NewHub()

	var count int
	_, detach := hub.Subscribe(nil, func(ev Event) { count++ })
	detach()

	hub.Publish(Event{Kind: WorkflowStart})
	assert.Equal(t, 0, count)
}

func TestHub_PanickingHandlerDoesNotBlockOthers(t *testing.T) {
	hub := NewHub()

	sub1, detach1 := hub.Subscribe(nil, func(ev Event) { panic("boom") })
	defer detach1()

	var delivered bool
	sub2, detach2 := hub.Subscribe(nil, func(ev Event) { delivered = true })
	defer detach2()

	assert.NotPanics(t, func() {
		hub.Publish(Event{Kind: WorkflowStart})
	})
	assert.True(t, delivered)
	runtime.KeepAlive(sub1)
	runtime.KeepAlive(sub2)
}

func TestHub_PublishAfterUnreferencedSubscriberDoesNotPanic(t *testing.T) {
	hub := NewHub()

	var count int
	makeSub := func() {
		sub, _ := hub.Subscribe(nil, func(ev Event) { count++ })
		_ = sub
	}
	makeSub()

	runtime.GC()
	runtime.GC()

	hub.Publish(Event{Kind: WorkflowStart})
	// Without a live reference to the Subscription, the hub's weak pointer
	// may or may not have been collected by this point; this test only
	// asserts that publishing never panics when a subscriber has been
	// dropped, not a specific GC timing guarantee.
	_ = count
}

func TestHub_ConcurrentPublishIsSafe(t *testing.T) {
	hub := NewHub()

	var mu sync.Mutex
	var total int
	sub, detach := hub.Subscribe(nil, func(ev Event) {
		mu.Lock()
		total++
		mu.Unlock()
	})
	defer detach()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Publish(Event{Kind: StepStart, Timestamp: time.Now()})
		}()
	}
	wg.Wait()

	mu.Lock()
	assert.Equal(t, 50, total)
	mu.Unlock()
	runtime.KeepAlive(sub)
}
