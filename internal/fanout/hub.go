package fanout

import (
	"context"
	"errors"
	"strings"
	"sync"
)

const (
	DefaultBufferSize       = 20
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidStream  = errors.New("invalid_stream_key")
)

// Hub is the in-process stream of status events per payment request. Each
// process only sees the events it emitted itself.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
}

type stream struct {
	mu     sync.Mutex
	buffer []StatusChanged
	subs   map[uint64]chan StatusChanged
	nextID uint64
}

type Subscription struct {
	hub  *Hub
	key  string
	id   uint64
	ch   chan StatusChanged
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
	}
}

func (h *Hub) Name() string { return "hub" }

func (h *Hub) Deliver(ctx context.Context, ev StatusChanged) error {
	h.Publish(ev.Key(), ev)
	return nil
}

// Publish never blocks; a subscriber that is not draining misses events.
func (h *Hub) Publish(key string, ev StatusChanged) {
	if h == nil {
		return
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	h.mu.RLock()
	s := h.streams[key]
	h.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > h.bufferSize {
		s.buffer = s.buffer[len(s.buffer)-h.bufferSize:]
	}
	subs := make([]chan StatusChanged, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe returns a live subscription plus the events already buffered
// for key.
func (h *Hub) Subscribe(key string) (*Subscription, []StatusChanged, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, nil, ErrInvalidStream
	}

	s := h.ensureStream(key)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	ch := make(chan StatusChanged, h.subscriberBuffer)
	s.subs[id] = ch
	buffer := append([]StatusChanged(nil), s.buffer...)
	s.mu.Unlock()

	return &Subscription{hub: h, key: key, id: id, ch: ch}, buffer, nil
}

func (h *Hub) ensureStream(key string) *stream {
	h.mu.RLock()
	current := h.streams[key]
	h.mu.RUnlock()
	if current != nil {
		return current
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	current = h.streams[key]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan StatusChanged)}
		h.streams[key] = current
	}
	return current
}

func (h *Hub) unsubscribe(key string, id uint64) {
	h.mu.RLock()
	s := h.streams[key]
	h.mu.RUnlock()
	if s == nil {
		return
	}

	s.mu.Lock()
	delete(s.subs, id)
	remaining := len(s.subs)
	s.mu.Unlock()
	if remaining != 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[key] != s {
		return
	}
	s.mu.Lock()
	empty := len(s.subs) == 0
	s.mu.Unlock()
	if empty {
		delete(h.streams, key)
	}
}

// Streams reports how many requests currently have subscribers.
func (h *Hub) Streams() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (s *Subscription) Events() <-chan StatusChanged {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.key, s.id)
	})
}
