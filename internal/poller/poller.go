package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/onusyncd/internal/inventory"
)

const (
	DefaultInterval     = 30 * time.Second
	DefaultFetchTimeout = 10 * time.Second
)

type Fetcher interface {
	ListPending(ctx context.Context, f inventory.Filter) ([]inventory.PendingONU, error)
}

type ConnectionChecker interface {
	IsConnected() bool
}

// VisibilitySource reports whether anyone is looking at the pending list.
type VisibilitySource interface {
	Visible() bool
	OnVisibilityChange(fn func(visible bool)) func()
}

type Config struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	Filter       inventory.Filter
}

// Handlers receive fetch results. Either may be nil.
type Handlers struct {
	OnSnapshot func(f inventory.Filter, onus []inventory.PendingONU)
	OnError    func(err error)
}

// Poller re-fetches the pending ONU list while the live feed is down. Ticks
// that fire while the feed is connected, or while nobody is watching, do
// nothing.
type Poller struct {
	fetcher  Fetcher
	conn     ConnectionChecker
	vis      VisibilitySource
	cfg      Config
	handlers Handlers

	fetchMu     sync.Mutex
	mu          sync.Mutex
	lastSuccess time.Time
	running     bool

	stop     chan struct{}
	stopOnce sync.Once
}

func New(fetcher Fetcher, conn ConnectionChecker, vis VisibilitySource, cfg Config, handlers Handlers) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if vis == nil {
		vis = AlwaysVisible{}
	}
	return &Poller{
		fetcher:  fetcher,
		conn:     conn,
		vis:      vis,
		cfg:      cfg,
		handlers: handlers,
		stop:     make(chan struct{}),
	}
}

// Start loads the list once and then polls until ctx is done or Close is
// called. The ticker and the visibility listener are always released when
// Start returns.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("poller already started")
	}
	p.running = true
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.WithFields(log.Fields{
		"interval": p.cfg.Interval,
		"olt_id":   p.cfg.Filter.OltID,
	}).Info("Starting pending ONU poller")
	defer log.Info("Stopping pending ONU poller")

	wake := make(chan bool, 1)
	release := p.vis.OnVisibilityChange(func(visible bool) {
		select {
		case wake <- visible:
		default:
			// Keep only the latest edge.
			select {
			case <-wake:
			default:
			}
			select {
			case wake <- visible:
			default:
			}
		}
	})
	defer release()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	_ = p.fetch(ctx, p.cfg.Filter)

	visible := p.vis.Visible()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case <-ticker.C:
			p.tick(ctx)
		case v := <-wake:
			wasVisible := visible
			visible = v
			if v && !wasVisible && !p.conn.IsConnected() {
				log.Debug("Consumer became visible while feed is down, catching up")
				_ = p.fetch(ctx, p.cfg.Filter)
				ticker.Reset(p.cfg.Interval)
			}
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.conn.IsConnected() {
		log.Trace("Feed connected, skipping poll")
		return
	}
	if !p.vis.Visible() {
		log.Trace("No visible consumer, skipping poll")
		return
	}
	_ = p.fetch(ctx, p.cfg.Filter)
}

// Refresh fetches immediately regardless of the feed state. The result goes to
// the handlers as usual and the error is also returned.
func (p *Poller) Refresh(ctx context.Context, f inventory.Filter) error {
	return p.fetch(ctx, f)
}

// LastSuccess is the completion time of the most recent successful fetch, or
// the zero time.
func (p *Poller) LastSuccess() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSuccess
}

func (p *Poller) Close() error {
	p.stopOnce.Do(func() { close(p.stop) })
	return nil
}

func (p *Poller) fetch(ctx context.Context, f inventory.Filter) error {
	p.fetchMu.Lock()
	defer p.fetchMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	defer cancel()

	onus, err := p.fetcher.ListPending(ctx, f)
	if err != nil {
		log.WithField("olt_id", f.OltID).WithError(err).Warn("Failed to fetch pending ONUs")
		if p.handlers.OnError != nil {
			p.handlers.OnError(err)
		}
		return err
	}

	p.mu.Lock()
	p.lastSuccess = time.Now()
	p.mu.Unlock()

	if p.handlers.OnSnapshot != nil {
		p.handlers.OnSnapshot(f, onus)
	}
	return nil
}
