package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/dmdmdm-nz/onusyncd/internal/feed"
	"github.com/dmdmdm-nz/onusyncd/internal/inventory"
	"github.com/dmdmdm-nz/onusyncd/internal/runtime"
)

const (
	viewerQueueLimit = 512
	writeTimeout     = 10 * time.Second
)

func accept(s *Service, w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, error) {
	patterns := s.opts.OriginPatterns
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: patterns,
	})
	if err != nil {
		return nil, nil, err
	}
	// Viewers never send anything; CloseRead notices when they go away.
	return c, c.CloseRead(r.Context()), nil
}

// StreamEvents sends the pending ONUs as onu.detected frames and the current
// connection state, then relays every live hardware event and state change.
// A viewer sees at most one onu.detected per ONU until it leaves the pending
// set.
func StreamEvents(s *Service, w http.ResponseWriter, r *http.Request) {
	f := filterFrom(r)
	c, ctx, err := accept(s, w, r)
	if err != nil {
		log.WithError(err).Warn("Failed to accept event viewer")
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "closing")

	mb := runtime.NewMailbox[Frame](viewerQueueLimit)
	defer mb.Close()

	var unsubs []func()
	for _, kind := range feed.Kinds() {
		unsubs = append(unsubs, s.feed.Subscribe(kind, func(ev feed.Event) {
			if !matchesOlt(f, ev.Payload) {
				return
			}
			mb.Push(Frame{ID: ev.ID, Event: string(ev.Kind), Payload: ev.Payload, Timestamp: ev.Timestamp})
		}))
	}
	unsubs = append(unsubs, s.feed.OnStatusChange(func(state feed.ConnectionState) {
		mb.Push(statusFrame(state))
	}))
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	onus := s.store.List(f)
	initial := make([]Frame, 0, len(onus)+1)
	initial = append(initial, statusFrame(s.feed.State()))
	for _, onu := range onus {
		initial = append(initial, detectedFrame(onu))
	}
	mb.Prepend(initial...)
	mb.Release()

	release := s.viewers.Acquire()
	defer release()

	log.WithFields(log.Fields{
		"remote":  r.RemoteAddr,
		"olt_id":  f.OltID,
		"pending": len(onus),
	}).Info("Event viewer attached")
	defer log.WithField("remote", r.RemoteAddr).Info("Event viewer detached")

	relay(ctx, c, mb.C(), make(announcedSet).admit)
}

// StreamPending sends the pending store's snapshot followed by its changes.
func StreamPending(s *Service, w http.ResponseWriter, r *http.Request) {
	f := filterFrom(r)
	c, ctx, err := accept(s, w, r)
	if err != nil {
		log.WithError(err).Warn("Failed to accept pending viewer")
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "closing")

	changes, cancel := s.store.Subscribe()
	defer cancel()

	release := s.viewers.Acquire()
	defer release()

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				c.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			if !f.Matches(change.ONU) {
				continue
			}
			if err := write(ctx, c, change); err != nil {
				log.WithField("remote", r.RemoteAddr).WithError(err).Debug("Pending viewer write failed")
				return
			}
		}
	}
}

func relay(ctx context.Context, c *websocket.Conn, frames <-chan Frame, admit func(Frame) bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if !admit(frame) {
				continue
			}
			if err := write(ctx, c, frame); err != nil {
				log.WithError(err).Debug("Event viewer write failed")
				return
			}
		}
	}
}

// announcedSet holds the serial numbers a viewer has been told are pending.
// A detected event that raced the snapshot is already in it and is skipped.
type announcedSet map[string]struct{}

func (a announcedSet) admit(f Frame) bool {
	sn := gjson.GetBytes(f.Payload, "sn").String()
	if sn == "" {
		return true
	}
	switch feed.Kind(f.Event) {
	case feed.OnuDetected:
		if _, ok := a[sn]; ok {
			return false
		}
		a[sn] = struct{}{}
	case feed.OnuAuthorized, feed.OnuRemoved:
		delete(a, sn)
	}
	return true
}

func write(ctx context.Context, c *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, c, v)
}

func statusFrame(state feed.ConnectionState) Frame {
	b, _ := json.Marshal(StatusPayload{State: state, Connected: state == feed.Connected})
	return Frame{Event: StatusEvent, Payload: b, Timestamp: time.Now().UTC()}
}

func detectedFrame(onu inventory.PendingONU) Frame {
	b, _ := json.Marshal(feed.DetectedPayload{
		SN:       onu.SN,
		OltID:    onu.OltID,
		Board:    onu.Board,
		Port:     onu.Port,
		Model:    onu.Model,
		Vendor:   onu.Vendor,
		Firmware: onu.Firmware,
	})
	return Frame{Event: string(feed.OnuDetected), Payload: b, Timestamp: onu.FirstSeen}
}

// matchesOlt reports whether an event belongs to the OLT the viewer asked
// for. Events that carry no olt_id are always relayed.
func matchesOlt(f inventory.Filter, payload []byte) bool {
	if f.OltID == "" {
		return true
	}
	olt := gjson.GetBytes(payload, "olt_id")
	return !olt.Exists() || olt.String() == f.OltID
}
