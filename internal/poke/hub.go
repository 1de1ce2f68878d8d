// Package poke fans out invalidation hints to connected clients. A poke carries no data: it only
// tells watchers of a channel that they should pull.
package poke

import (
	"context"
	"strings"
	"sync"
	"time"
)

const (
	channelPrefixList = "list/"
	channelPrefixUser = "user/"

	defaultBufferSize = 16
)

// ListChannel names the channel watched by clients displaying a list.
func ListChannel(listID string) string {
	return channelPrefixList + listID
}

// UserChannel names the channel watched by every client of a user.
func UserChannel(userID string) string {
	return channelPrefixUser + userID
}

// IsUserChannel reports whether channel was built by UserChannel.
func IsUserChannel(channel string) bool {
	return strings.HasPrefix(channel, channelPrefixUser)
}

// Message is delivered to subscribers of Channel.
type Message struct {
	Channel   string
	Timestamp time.Time
}

// Hub is an in-process pub/sub keyed by channel name. Slow subscribers drop pokes rather than
// block publishers; a dropped poke only delays the next pull.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
	watchers    sync.WaitGroup
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewHub constructs an empty hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers one stream for all given channels. The subscription ends when ctx is done
// or the returned cleanup runs, whichever happens first.
func (h *Hub) Subscribe(ctx context.Context, channels ...string) (<-chan Message, func()) {
	unique := make([]string, 0, len(channels))
	seen := make(map[string]struct{}, len(channels))
	for _, channel := range channels {
		if channel == "" {
			continue
		}
		if _, ok := seen[channel]; ok {
			continue
		}
		seen[channel] = struct{}{}
		unique = append(unique, channel)
	}
	if len(unique) == 0 {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}

	sub := &subscriber{
		id:     h.nextSequence(),
		stream: make(chan Message, h.bufferSize),
	}
	h.register(unique, sub)

	done := make(chan struct{})
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			close(done)
			h.unregister(unique, sub.id)
		})
	}
	h.watchers.Add(1)
	go func() {
		defer h.watchers.Done()
		select {
		case <-ctx.Done():
			cleanup()
		case <-done:
		}
	}()
	return sub.stream, cleanup
}

// Poke notifies every subscriber of channel.
func (h *Hub) Poke(channel string) {
	if channel == "" {
		return
	}
	h.mu.RLock()
	subscribers := h.subscribers[channel]
	if len(subscribers) == 0 {
		h.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	h.mu.RUnlock()

	message := Message{Channel: channel, Timestamp: h.clock().UTC()}
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports how many streams watch channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(channels []string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range channels {
		if _, ok := h.subscribers[channel]; !ok {
			h.subscribers[channel] = make(map[int64]*subscriber)
		}
		h.subscribers[channel][sub.id] = sub
	}
}

func (h *Hub) unregister(channels []string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range channels {
		subscribers := h.subscribers[channel]
		if subscribers == nil {
			continue
		}
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(h.subscribers, channel)
		}
	}
}
