package server

import (
	"encoding/json"
	"sync"

	"github.com/playperu/cityjourney/internal/completion"
	"github.com/playperu/cityjourney/internal/journey"
	"github.com/playperu/cityjourney/internal/quiz"
)

const (
	EventJourney      = "journey"
	EventJourneyGone  = "journey_not_found"
	EventLoading      = "loading"
	EventComplete     = "complete"
	EventQuiz         = "quiz"
	EventQuizComplete = "quiz_complete"
	EventCompletion   = "completion"
	EventProfile      = "profile_changed"
	EventNotice       = "notice"
)

// Event is the payload pushed to a play's stream subscribers.
type Event struct {
	Type       string           `json:"type"`
	Journey    *journey.State   `json:"journey,omitempty"`
	Loading    *bool            `json:"loading,omitempty"`
	Points     int              `json:"points,omitempty"`
	Quiz       *quiz.View       `json:"quiz,omitempty"`
	Completion *completion.View `json:"completion,omitempty"`
	Message    string           `json:"message,omitempty"`
}

// Broker is an in-process pub/sub for stream events, keyed by play.
type Broker struct {
	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subs: make(map[string]map[chan []byte]struct{}),
	}
}

// Subscribe returns a channel that receives JSON-encoded events for key.
func (b *Broker) Subscribe(key string) chan []byte {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[chan []byte]struct{})
	}
	b.subs[key][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(key string, ch chan []byte) {
	b.mu.Lock()
	delete(b.subs[key], ch)
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
	b.mu.Unlock()
}

func (b *Broker) Subscribers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}

// Publish sends an event to all subscribers of key.
func (b *Broker) Publish(key string, event Event) {
	data, _ := json.Marshal(event)
	b.mu.RLock()
	for ch := range b.subs[key] {
		select {
		case ch <- data:
		default:
			// Drop if subscriber is slow.
		}
	}
	b.mu.RUnlock()
}
