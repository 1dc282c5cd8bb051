package pending

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/onusyncd/internal/feed"
	"github.com/dmdmdm-nz/onusyncd/internal/inventory"
)

type fakeSource struct {
	mu   sync.Mutex
	subs map[feed.Kind][]func(feed.Event)
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[feed.Kind][]func(feed.Event))}
}

func (f *fakeSource) Subscribe(kind feed.Kind, fn func(feed.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[kind] = append(f.subs[kind], fn)
	idx := len(f.subs[kind]) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[kind][idx] = nil
	}
}

func (f *fakeSource) emit(t *testing.T, kind feed.Kind, payload any, ts time.Time) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	fns := append([]func(feed.Event){}, f.subs[kind]...)
	f.mu.Unlock()

	ev := feed.Event{ID: "ev-1", Kind: kind, Payload: raw, Timestamp: ts, Received: ts}
	for _, fn := range fns {
		if fn != nil {
			fn(ev)
		}
	}
}

func (f *fakeSource) active(kind feed.Kind) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fn := range f.subs[kind] {
		if fn != nil {
			n++
		}
	}
	return n
}

func nextChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "change channel closed")
		return c
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for change")
	}
	return Change{}
}

func expectNoChange(t *testing.T, ch <-chan Change) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected change %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func sns(onus []inventory.PendingONU) []string {
	out := make([]string, len(onus))
	for i, onu := range onus {
		out[i] = onu.SN
	}
	return out
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStore_ReplaceDiffsAgainstCurrent(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Replace(inventory.Filter{}, []inventory.PendingONU{
		{SN: "A", OltID: "olt-1", FirstSeen: t0},
		{SN: "B", OltID: "olt-1", FirstSeen: t0.Add(time.Minute)},
	})

	ch, cancel := s.Subscribe()
	defer cancel()
	assert.Equal(t, "A", nextChange(t, ch).ONU.SN)
	assert.Equal(t, "B", nextChange(t, ch).ONU.SN)

	s.Replace(inventory.Filter{}, []inventory.PendingONU{
		{SN: "B", OltID: "olt-1", FirstSeen: t0.Add(time.Minute)},
		{SN: "C", OltID: "olt-1", FirstSeen: t0.Add(2 * time.Minute)},
	})

	got := map[string]ChangeType{}
	for i := 0; i < 2; i++ {
		c := nextChange(t, ch)
		got[c.ONU.SN] = c.Type
	}
	assert.Equal(t, map[string]ChangeType{"A": ONURemoved, "C": ONUAdded}, got)
	expectNoChange(t, ch)

	assert.Equal(t, []string{"B", "C"}, sns(s.List(inventory.Filter{})))
}

func TestStore_ReplaceIsScopedToFilter(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Replace(inventory.Filter{}, []inventory.PendingONU{
		{SN: "A", OltID: "olt-1"},
		{SN: "B", OltID: "olt-2"},
	})
	s.Replace(inventory.Filter{OltID: "olt-1"}, nil)

	assert.Equal(t, []string{"B"}, sns(s.List(inventory.Filter{})))
	assert.Empty(t, s.List(inventory.Filter{OltID: "olt-1"}))
}

func TestStore_ReplaceKeepsFirstSeen(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Upsert(inventory.PendingONU{SN: "A", OltID: "olt-1", FirstSeen: t0})
	s.Replace(inventory.Filter{}, []inventory.PendingONU{{SN: "A", OltID: "olt-1", Model: "HG8245H"}})

	onus := s.List(inventory.Filter{})
	require.Len(t, onus, 1)
	assert.Equal(t, t0, onus[0].FirstSeen)
	assert.Equal(t, "HG8245H", onus[0].Model)
}

func TestStore_UpsertAndRemove(t *testing.T) {
	s := NewStore()
	defer s.Close()

	assert.True(t, s.Upsert(inventory.PendingONU{SN: "A", FirstSeen: t0}))
	assert.False(t, s.Upsert(inventory.PendingONU{SN: "A", FirstSeen: t0.Add(time.Hour)}))
	assert.False(t, s.Upsert(inventory.PendingONU{}))
	assert.Equal(t, t0, s.List(inventory.Filter{})[0].FirstSeen)

	assert.True(t, s.Remove("A"))
	assert.False(t, s.Remove("A"))
	assert.Equal(t, 0, s.Len())
}

func TestStore_ListOrder(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Upsert(inventory.PendingONU{SN: "C", FirstSeen: t0.Add(time.Minute)})
	s.Upsert(inventory.PendingONU{SN: "B", FirstSeen: t0})
	s.Upsert(inventory.PendingONU{SN: "A", FirstSeen: t0})

	assert.Equal(t, []string{"A", "B", "C"}, sns(s.List(inventory.Filter{})))
}

func TestStore_SubscribeSnapshotThenLive(t *testing.T) {
	s := NewStore()
	defer s.Close()

	s.Upsert(inventory.PendingONU{SN: "A", FirstSeen: t0})

	ch, cancel := s.Subscribe()
	defer cancel()

	s.Upsert(inventory.PendingONU{SN: "B", FirstSeen: t0.Add(time.Minute)})
	s.Remove("A")

	want := []Change{
		{Type: ONUAdded, ONU: inventory.PendingONU{SN: "A", FirstSeen: t0}},
		{Type: ONUAdded, ONU: inventory.PendingONU{SN: "B", FirstSeen: t0.Add(time.Minute)}},
		{Type: ONURemoved, ONU: inventory.PendingONU{SN: "A", FirstSeen: t0}},
	}
	for _, w := range want {
		assert.Equal(t, w, nextChange(t, ch))
	}
	expectNoChange(t, ch)
}

func TestStore_SubscribeSnapshotLargerThanQueueLimit(t *testing.T) {
	s := NewStore()
	defer s.Close()

	total := subscriberQueueLimit + 100
	onus := make([]inventory.PendingONU, total)
	for i := range onus {
		onus[i] = inventory.PendingONU{SN: fmt.Sprintf("SN%05d", i), FirstSeen: t0}
	}
	s.Replace(inventory.Filter{}, onus)

	ch, cancel := s.Subscribe()
	defer cancel()

	time.Sleep(50 * time.Millisecond)
	s.Upsert(inventory.PendingONU{SN: "LATE0001", FirstSeen: t0.Add(time.Hour)})

	seen := map[string]bool{}
	for i := 0; i < total+1; i++ {
		seen[nextChange(t, ch).ONU.SN] = true
	}
	assert.Len(t, seen, total+1)
	assert.True(t, seen["LATE0001"])
	expectNoChange(t, ch)
}

func TestStore_SubscribeConcurrentWithWrites(t *testing.T) {
	s := NewStore()
	defer s.Close()

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			s.Upsert(inventory.PendingONU{SN: fmt.Sprintf("SN%04d", i)})
		}
	}()

	ch, cancel := s.Subscribe()
	defer cancel()
	wg.Wait()

	seen := map[string]int{}
	for i := 0; i < total; i++ {
		c := nextChange(t, ch)
		seen[c.ONU.SN]++
	}
	assert.Len(t, seen, total)
	for sn, n := range seen {
		assert.Equal(t, 1, n, "duplicate change for %s", sn)
	}
}

func TestStore_CancelClosesChannel(t *testing.T) {
	s := NewStore()
	defer s.Close()

	ch, cancel := s.Subscribe()
	cancel()
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	assert.NotPanics(t, func() { s.Upsert(inventory.PendingONU{SN: "A"}) })
}

func TestStore_AttachFeed(t *testing.T) {
	src := newFakeSource()
	s := NewStore()
	s.AttachFeed(src)

	src.emit(t, feed.OnuDetected, feed.DetectedPayload{SN: "HWTC0001", OltID: "olt-1", Board: 1, Port: 4, Model: "HG8245H"}, t0)
	onus := s.List(inventory.Filter{})
	require.Len(t, onus, 1)
	assert.Equal(t, inventory.PendingONU{SN: "HWTC0001", OltID: "olt-1", Board: 1, Port: 4, Model: "HG8245H", FirstSeen: t0}, onus[0])

	src.emit(t, feed.OnuDetected, feed.DetectedPayload{SN: "ZTEG0002", OltID: "olt-2"}, t0)
	src.emit(t, feed.OnuAuthorized, feed.AuthorizedPayload{SN: "HWTC0001", OltID: "olt-1", OnuID: 7}, t0)
	src.emit(t, feed.OnuRemoved, feed.RemovedPayload{SN: "ZTEG0002", Reason: "los"}, t0)
	assert.Equal(t, 0, s.Len())

	src.emit(t, feed.OnuDetected, map[string]any{"olt_id": "olt-1"}, t0)
	assert.Equal(t, 0, s.Len())

	require.NoError(t, s.Close())
	for _, k := range []feed.Kind{feed.OnuDetected, feed.OnuAuthorized, feed.OnuRemoved} {
		assert.Equal(t, 0, src.active(k))
	}
}

func TestStore_CloseClosesSubscribers(t *testing.T) {
	s := NewStore()
	ch, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close")
	}

	late, lateCancel := s.Subscribe()
	defer lateCancel()
	_, ok := <-late
	assert.False(t, ok)
}
