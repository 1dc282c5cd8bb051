package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmdmdm-nz/onusyncd/internal/feed"
)

// Sink republishes hardware events to an external system.
type Sink interface {
	Name() string
	Write(ctx context.Context, ev feed.Event) error
	Close() error
}

// Envelope is the JSON body every sink writes.
type Envelope struct {
	ID        string          `json:"id"`
	Event     feed.Kind       `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Received  time.Time       `json:"received"`
}

func encode(ev feed.Event) ([]byte, error) {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return json.Marshal(Envelope{
		ID:        ev.ID,
		Event:     ev.Kind,
		Payload:   payload,
		Timestamp: ev.Timestamp,
		Received:  ev.Received,
	})
}
