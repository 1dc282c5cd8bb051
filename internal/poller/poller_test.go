package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmdmdm-nz/onusyncd/internal/inventory"
)

type fakeFetcher struct {
	mu      sync.Mutex
	err     error
	onus    []inventory.PendingONU
	filters []inventory.Filter
	calls   chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{calls: make(chan struct{}, 100)}
}

func (f *fakeFetcher) ListPending(ctx context.Context, filter inventory.Filter) ([]inventory.PendingONU, error) {
	f.mu.Lock()
	f.filters = append(f.filters, filter)
	err, onus := f.err, f.onus
	f.mu.Unlock()
	f.calls <- struct{}{}
	return onus, err
}

func (f *fakeFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type fakeConn struct{ connected atomic.Bool }

func (c *fakeConn) IsConnected() bool { return c.connected.Load() }

func waitFetch(t *testing.T, f *fakeFetcher) {
	t.Helper()
	select {
	case <-f.calls:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fetch")
	}
}

func expectNoFetch(t *testing.T, f *fakeFetcher, d time.Duration) {
	t.Helper()
	select {
	case <-f.calls:
		t.Fatal("unexpected fetch")
	case <-time.After(d):
	}
}

func drain(f *fakeFetcher) {
	for {
		select {
		case <-f.calls:
		default:
			return
		}
	}
}

func startPoller(t *testing.T, p *Poller) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Start(context.Background()) }()
	t.Cleanup(func() {
		p.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("poller did not stop")
		}
	})
}

func TestPoller_SeedsAndPollsWhileDisconnected(t *testing.T) {
	f := newFakeFetcher()
	f.onus = []inventory.PendingONU{{SN: "HWTC0001"}}
	conn := &fakeConn{}

	var mu sync.Mutex
	var snapshots [][]inventory.PendingONU
	p := New(f, conn, nil, Config{Interval: 20 * time.Millisecond}, Handlers{
		OnSnapshot: func(_ inventory.Filter, onus []inventory.PendingONU) {
			mu.Lock()
			snapshots = append(snapshots, onus)
			mu.Unlock()
		},
	})
	startPoller(t, p)

	waitFetch(t, f)
	waitFetch(t, f)
	waitFetch(t, f)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(snapshots), 2)
	assert.Equal(t, "HWTC0001", snapshots[0][0].SN)
	assert.False(t, p.LastSuccess().IsZero())
}

func TestPoller_TicksAreNoOpsWhileConnected(t *testing.T) {
	f := newFakeFetcher()
	conn := &fakeConn{}
	p := New(f, conn, nil, Config{Interval: 20 * time.Millisecond}, Handlers{})
	startPoller(t, p)

	waitFetch(t, f)
	waitFetch(t, f)

	conn.connected.Store(true)
	time.Sleep(30 * time.Millisecond)
	drain(f)
	expectNoFetch(t, f, 100*time.Millisecond)

	conn.connected.Store(false)
	waitFetch(t, f)
}

func TestPoller_ErrorsDoNotStopSchedule(t *testing.T) {
	f := newFakeFetcher()
	f.setErr(errors.New("backend down"))

	errs := make(chan error, 100)
	p := New(f, &fakeConn{}, nil, Config{Interval: 20 * time.Millisecond}, Handlers{
		OnError: func(err error) { errs <- err },
	})
	startPoller(t, p)

	for i := 0; i < 3; i++ {
		waitFetch(t, f)
	}
	assert.GreaterOrEqual(t, len(errs), 2)
	assert.True(t, p.LastSuccess().IsZero())

	f.setErr(nil)
	require.Eventually(t, func() bool { return !p.LastSuccess().IsZero() }, time.Second, 5*time.Millisecond)
}

func TestPoller_HiddenSkipsTicksAndCatchesUpOnVisible(t *testing.T) {
	f := newFakeFetcher()
	presence := NewPresence()
	p := New(f, &fakeConn{}, presence, Config{Interval: 20 * time.Millisecond}, Handlers{})
	startPoller(t, p)

	// The initial load happens even with nobody watching.
	waitFetch(t, f)
	expectNoFetch(t, f, 100*time.Millisecond)

	release := presence.Acquire()
	waitFetch(t, f)
	waitFetch(t, f)

	release()
	time.Sleep(30 * time.Millisecond)
	drain(f)
	expectNoFetch(t, f, 100*time.Millisecond)
}

func TestPoller_NoCatchUpWhileConnected(t *testing.T) {
	f := newFakeFetcher()
	conn := &fakeConn{}
	presence := NewPresence()
	p := New(f, conn, presence, Config{Interval: time.Hour}, Handlers{})
	startPoller(t, p)
	waitFetch(t, f)

	conn.connected.Store(true)
	release := presence.Acquire()
	defer release()
	expectNoFetch(t, f, 100*time.Millisecond)
}

func TestPoller_StartReleasesListener(t *testing.T) {
	presence := NewPresence()
	p := New(newFakeFetcher(), &fakeConn{}, presence, Config{Interval: time.Hour}, Handlers{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	require.Eventually(t, func() bool {
		presence.mu.Lock()
		defer presence.mu.Unlock()
		return len(presence.listeners) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}

	presence.mu.Lock()
	defer presence.mu.Unlock()
	assert.Empty(t, presence.listeners)
}

func TestPoller_StartTwice(t *testing.T) {
	p := New(newFakeFetcher(), &fakeConn{}, nil, Config{Interval: time.Hour}, Handlers{})
	startPoller(t, p)

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.running
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, p.Start(context.Background()))
}

func TestPoller_RefreshIgnoresConnection(t *testing.T) {
	f := newFakeFetcher()
	conn := &fakeConn{}
	conn.connected.Store(true)

	var got inventory.Filter
	p := New(f, conn, nil, Config{}, Handlers{
		OnSnapshot: func(filter inventory.Filter, _ []inventory.PendingONU) { got = filter },
	})

	require.NoError(t, p.Refresh(context.Background(), inventory.Filter{OltID: "olt-3"}))
	assert.Equal(t, "olt-3", got.OltID)

	f.setErr(errors.New("boom"))
	assert.EqualError(t, p.Refresh(context.Background(), inventory.Filter{}), "boom")
}

func TestPoller_Defaults(t *testing.T) {
	p := New(newFakeFetcher(), &fakeConn{}, nil, Config{}, Handlers{})
	assert.Equal(t, DefaultInterval, p.cfg.Interval)
	assert.Equal(t, DefaultFetchTimeout, p.cfg.FetchTimeout)
	assert.True(t, p.vis.Visible())
}
