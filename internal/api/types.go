package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dmdmdm-nz/onusyncd/internal/feed"
	"github.com/dmdmdm-nz/onusyncd/internal/inventory"
	"github.com/dmdmdm-nz/onusyncd/internal/pending"
)

// FeedSource is the subset of the feed synchronizer the API relays.
type FeedSource interface {
	Subscribe(kind feed.Kind, fn func(feed.Event)) func()
	OnStatusChange(fn func(feed.ConnectionState)) func()
	State() feed.ConnectionState
	IsConnected() bool
}

type PendingStore interface {
	List(f inventory.Filter) []inventory.PendingONU
	Subscribe() (<-chan pending.Change, func())
}

type Refresher interface {
	Refresh(ctx context.Context, f inventory.Filter) error
	LastSuccess() time.Time
}

// Viewers tracks attached WebSocket clients. Holding a viewer makes the
// pending list visible to the poller.
type Viewers interface {
	Acquire() func()
	Count() int
}

const StatusEvent = "connection.status"

// Frame is what /ws/events writes for every hardware event and status change.
type Frame struct {
	ID        string          `json:"id,omitempty"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

type StatusPayload struct {
	State     feed.ConnectionState `json:"state"`
	Connected bool                 `json:"connected"`
}

type StatusResponse struct {
	State     feed.ConnectionState `json:"state"`
	Connected bool                 `json:"connected"`
	Viewers   int                  `json:"viewers"`
	LastPoll  *time.Time           `json:"last_poll"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
