// Package events fans chat render events out to every open view of a session.
package events

import (
	"context"
	"sync"
)

const (
	TypeUser    = "user"
	TypePartial = "partial"
	TypeFinal   = "final"
	TypeError   = "error"
	// TypeReset tells other views that the tool list changed and the transcript was cleared.
	TypeReset = "reset"

	subscriberBuffer = 64
)

type ChatEvent struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
	Role      string `json:"role,omitempty"`
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
	Ts        string `json:"ts"`
	// Turn echoes the id the submitting page attached to its request.
	Turn string `json:"turn,omitempty"`
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan ChatEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan ChatEvent]struct{}{},
	}
}

// Subscribe registers a listener for sessionID until ctx is done, then closes the channel.
func (b *Broker) Subscribe(ctx context.Context, sessionID string) <-chan ChatEvent {
	ch := make(chan ChatEvent, subscriberBuffer)

	b.mu.Lock()
	if b.subscribers[sessionID] == nil {
		b.subscribers[sessionID] = map[chan ChatEvent]struct{}{}
	}
	b.subscribers[sessionID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[sessionID] != nil {
			delete(b.subscribers[sessionID], ch)
			if len(b.subscribers[sessionID]) == 0 {
				delete(b.subscribers, sessionID)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}

// Publish never blocks; a subscriber with a full buffer misses the event.
func (b *Broker) Publish(event ChatEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.SessionID] {
		select {
		case ch <- event:
		default:
		}
	}
}

func (b *Broker) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}
