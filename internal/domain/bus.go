package domain

// EventBus carries accepted ingress events to the pass dispatcher.
type EventBus interface {
	// Publish reports whether the event was queued.
	Publish(evt MessageEvent) bool
	Subscribe() <-chan MessageEvent
	Close()
}
