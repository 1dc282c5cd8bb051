package pending

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/onusyncd/internal/feed"
	"github.com/dmdmdm-nz/onusyncd/internal/inventory"
	"github.com/dmdmdm-nz/onusyncd/internal/runtime"
)

type ChangeType string

const (
	ONUAdded   ChangeType = "ONU_ADDED"
	ONURemoved ChangeType = "ONU_REMOVED"
)

type Change struct {
	Type ChangeType           `json:"type"`
	ONU  inventory.PendingONU `json:"onu"`
}

// EventSource is the part of the feed synchronizer the store listens to.
type EventSource interface {
	Subscribe(kind feed.Kind, fn func(feed.Event)) func()
}

const subscriberQueueLimit = 1024

// Store holds the current set of unconfigured ONUs keyed by serial number.
// Poll snapshots replace it wholesale for the filter they were fetched with;
// live feed events patch it in between.
type Store struct {
	mu     sync.Mutex
	onus   map[string]inventory.PendingONU
	subs   map[int]*runtime.Mailbox[Change]
	nextID int
	unsubs []func()
	closed bool
}

func NewStore() *Store {
	return &Store{
		onus: make(map[string]inventory.PendingONU),
		subs: make(map[int]*runtime.Mailbox[Change]),
	}
}

// Replace makes the ONUs matching f exactly onus. Entries outside f are left
// alone so an OLT-scoped poll does not wipe other OLTs.
func (s *Store) Replace(f inventory.Filter, onus []inventory.PendingONU) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	incoming := make(map[string]inventory.PendingONU, len(onus))
	for _, onu := range onus {
		if onu.SN == "" || !f.Matches(onu) {
			continue
		}
		incoming[onu.SN] = onu
	}

	var added, removed int
	for sn, old := range s.onus {
		if !f.Matches(old) {
			continue
		}
		if _, ok := incoming[sn]; !ok {
			delete(s.onus, sn)
			s.broadcastLocked(Change{Type: ONURemoved, ONU: old})
			removed++
		}
	}
	for sn, onu := range incoming {
		if old, ok := s.onus[sn]; ok && !old.FirstSeen.IsZero() && onu.FirstSeen.IsZero() {
			onu.FirstSeen = old.FirstSeen
		}
		_, existed := s.onus[sn]
		s.onus[sn] = onu
		if !existed {
			s.broadcastLocked(Change{Type: ONUAdded, ONU: onu})
			added++
		}
	}

	log.WithFields(log.Fields{
		"olt_id":  f.OltID,
		"total":   len(s.onus),
		"added":   added,
		"removed": removed,
	}).Debug("Pending ONU snapshot applied")
}

// Upsert inserts or updates one ONU. Subscribers only hear about ONUs that
// were not already pending.
func (s *Store) Upsert(onu inventory.PendingONU) bool {
	if onu.SN == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	old, existed := s.onus[onu.SN]
	if existed && !old.FirstSeen.IsZero() {
		onu.FirstSeen = old.FirstSeen
	}
	s.onus[onu.SN] = onu
	if !existed {
		s.broadcastLocked(Change{Type: ONUAdded, ONU: onu})
	}
	return !existed
}

func (s *Store) Remove(sn string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	onu, ok := s.onus[sn]
	if !ok || s.closed {
		return false
	}
	delete(s.onus, sn)
	s.broadcastLocked(Change{Type: ONURemoved, ONU: onu})
	return true
}

// List returns the ONUs matching f, oldest first.
func (s *Store) List(f inventory.Filter) []inventory.PendingONU {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(f)
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.onus)
}

func (s *Store) listLocked(f inventory.Filter) []inventory.PendingONU {
	out := make([]inventory.PendingONU, 0, len(s.onus))
	for _, onu := range s.onus {
		if f.Matches(onu) {
			out = append(out, onu)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].FirstSeen.Before(out[j].FirstSeen)
		}
		return out[i].SN < out[j].SN
	})
	return out
}

// Subscribe returns a channel that first yields an ONU_ADDED change for every
// pending ONU and then every subsequent change, with nothing missed or
// duplicated in between. The cancel function must be called on teardown.
func (s *Store) Subscribe() (<-chan Change, func()) {
	mb := runtime.NewMailbox[Change](subscriberQueueLimit)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		mb.Close()
		return mb.C(), func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = mb

	snapshot := s.listLocked(inventory.Filter{})
	changes := make([]Change, len(snapshot))
	for i, onu := range snapshot {
		changes[i] = Change{Type: ONUAdded, ONU: onu}
	}
	mb.Prepend(changes...)
	s.mu.Unlock()

	mb.Release()

	var once sync.Once
	return mb.C(), func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			mb.Close()
		})
	}
}

func (s *Store) broadcastLocked(c Change) {
	for _, mb := range s.subs {
		mb.Push(c)
	}
}

// AttachFeed keeps the store in step with live hardware events: detected ONUs
// are added, authorized or removed ONUs leave the pending set.
func (s *Store) AttachFeed(src EventSource) {
	unsubs := []func(){
		src.Subscribe(feed.OnuDetected, s.onDetected),
		src.Subscribe(feed.OnuAuthorized, s.onAuthorized),
		src.Subscribe(feed.OnuRemoved, s.onRemoved),
	}

	s.mu.Lock()
	s.unsubs = append(s.unsubs, unsubs...)
	s.mu.Unlock()
}

func (s *Store) onDetected(ev feed.Event) {
	var p feed.DetectedPayload
	if err := ev.Decode(&p); err != nil || p.SN == "" {
		log.WithField("id", ev.ID).WithError(err).Warn("Ignoring onu.detected event without a usable payload")
		return
	}
	added := s.Upsert(inventory.PendingONU{
		SN:        p.SN,
		OltID:     p.OltID,
		Board:     p.Board,
		Port:      p.Port,
		Model:     p.Model,
		Vendor:    p.Vendor,
		Firmware:  p.Firmware,
		FirstSeen: ev.Timestamp,
	})
	if added {
		log.WithFields(log.Fields{
			"sn":     p.SN,
			"olt_id": p.OltID,
		}).Info("New unconfigured ONU detected")
	}
}

func (s *Store) onAuthorized(ev feed.Event) {
	var p feed.AuthorizedPayload
	if err := ev.Decode(&p); err != nil {
		log.WithField("id", ev.ID).WithError(err).Warn("Ignoring malformed onu.authorized event")
		return
	}
	if s.Remove(p.SN) {
		log.WithField("sn", p.SN).Info("ONU authorized")
	}
}

func (s *Store) onRemoved(ev feed.Event) {
	var p feed.RemovedPayload
	if err := ev.Decode(&p); err != nil {
		log.WithField("id", ev.ID).WithError(err).Warn("Ignoring malformed onu.removed event")
		return
	}
	if s.Remove(p.SN) {
		log.WithFields(log.Fields{
			"sn":     p.SN,
			"reason": p.Reason,
		}).Info("Pending ONU removed")
	}
}

// Close detaches from the feed and closes every subscriber channel.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	subs := s.subs
	s.subs = make(map[int]*runtime.Mailbox[Change])
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, mb := range subs {
		mb.Close()
	}
	return nil
}
