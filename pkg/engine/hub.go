// Package engine fans decoded NatNet records out to the daemon's consumers.
package engine

import (
	"context"
	"sync"
	"time"

	"natnet/pkg/protocol"
)

type Kind string

const (
	KindFrame        Kind = "frame"
	KindDescriptions Kind = "descriptions"
)

// Event is one record handed from the client's receive loops to consumers.
// Frame and Descriptions are shared between consumers and must not be
// modified.
type Event struct {
	Kind         Kind
	Timestamp    time.Time
	Frame        *protocol.Frame
	Descriptions *protocol.Descriptions
}

type Hub struct {
	broadcast  chan Event
	register   chan chan Event
	unregister chan chan Event
	clients    map[chan Event]struct{}
	clientBuf  int
	now        func() time.Time

	// done is closed when Run returns so publishers and subscribers never
	// wait on a hub nobody drains.
	done     chan struct{}
	stopOnce sync.Once
}

type Option func(*Hub)

func WithBroadcastBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.broadcast = make(chan Event, size)
		}
	}
}

func WithClientBuffer(size int) Option {
	return func(h *Hub) {
		if size > 0 {
			h.clientBuf = size
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		broadcast:  make(chan Event, 256),
		register:   make(chan chan Event),
		unregister: make(chan chan Event),
		clients:    make(map[chan Event]struct{}),
		clientBuf:  100,
		now:        time.Now,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) Run(ctx context.Context) {
	defer h.stopOnce.Do(func() { close(h.done) })
	for {
		select {
		case <-ctx.Done():
			for ch := range h.clients {
				close(ch)
			}
			return
		case ch := <-h.register:
			h.clients[ch] = struct{}{}
		case ch := <-h.unregister:
			if _, ok := h.clients[ch]; ok {
				delete(h.clients, ch)
				close(ch)
			}
		case ev := <-h.broadcast:
			for ch := range h.clients {
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

func (h *Hub) Subscribe() chan Event {
	return h.SubscribeWithBuffer(h.clientBuf)
}

func (h *Hub) SubscribeWithBuffer(size int) chan Event {
	if size <= 0 {
		size = h.clientBuf
	}
	ch := make(chan Event, size)
	select {
	case h.register <- ch:
	case <-h.done:
		close(ch)
	}
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	select {
	case h.unregister <- ch:
	case <-h.done:
	}
}

// Publish blocks until the hub accepts ev. It reports false without
// blocking once Run has returned.
func (h *Hub) Publish(ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	select {
	case h.broadcast <- ev:
		return true
	case <-h.done:
		return false
	}
}

// TryPublish drops ev when the broadcast buffer is full. Receive loops use
// it so a stalled hub never delays socket reads.
func (h *Hub) TryPublish(ev Event) bool {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	select {
	case h.broadcast <- ev:
		return true
	default:
		return false
	}
}

// OnFrame lets the hub be registered directly as a client frame listener.
func (h *Hub) OnFrame(frame *protocol.Frame) {
	h.TryPublish(Event{Kind: KindFrame, Frame: frame})
}

// OnDescriptions lets the hub be registered as a description listener.
// Descriptions are rare and consumers rely on them, so this one blocks
// while the hub is running.
func (h *Hub) OnDescriptions(descs *protocol.Descriptions) {
	h.Publish(Event{Kind: KindDescriptions, Descriptions: descs})
}
