package fanout

import "sync/atomic"

// subscriberRegistry tracks the number of live subscriptions under a
// monotonically-increasing internal id (spec §4.7's "Scheduling model":
// "Subscriptions are registered under a monotonically-increasing internal
// subscription id and reliably cleaned up on abort"). It exists purely for
// observability (the /health connection count); delivery itself is handled
// per-connection by streamHandler/wsHandler, each of which owns its own
// LogStore.Subscribe unsubscribe func.
type subscriberRegistry struct {
	nextID uint64
	active int64
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{}
}

// register returns a fresh subscription id and marks one more subscriber
// active; call the returned func exactly once when the subscription ends.
func (r *subscriberRegistry) register() (id uint64, release func()) {
	id = atomic.AddUint64(&r.nextID, 1)
	atomic.AddInt64(&r.active, 1)
	var released atomic.Bool
	return id, func() {
		if released.CompareAndSwap(false, true) {
			atomic.AddInt64(&r.active, -1)
		}
	}
}

func (r *subscriberRegistry) count() int64 {
	return atomic.LoadInt64(&r.active)
}
