package events

import "github.com/kelindar/event"

// SubscribeToChannel bridges callback subscriptions to a channel for SSE
// select loops. Events are dropped while ch is full.
func SubscribeToChannel[T Event](bus *Bus, ch chan<- any) func() {
	return event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case ch <- e:
		default:
		}
	})
}

// SubscribeAll subscribes ch to every worker and phase event.
// The returned function removes all subscriptions.
func SubscribeAll(bus *Bus, ch chan<- any) func() {
	unsubs := []func(){
		SubscribeToChannel[WorkerStateChangedEvent](bus, ch),
		SubscribeToChannel[WorkerExitedEvent](bus, ch),
		SubscribeToChannel[WorkerForceKilledEvent](bus, ch),
		SubscribeToChannel[WorkerLaunchFailedEvent](bus, ch),
		SubscribeToChannel[PhaseChangedEvent](bus, ch),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
