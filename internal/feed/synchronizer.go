package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const DefaultReconnectInterval = 5 * time.Second

var ErrClosed = errors.New("feed synchronizer closed")

// Synchronizer owns the single connection to the hardware event feed. It
// decodes frames, fans them out to subscribers by kind, reports connection
// state changes and reconnects on a fixed interval after any failure.
type Synchronizer struct {
	url               string
	dialer            Dialer
	reconnectInterval time.Duration

	events   *registry[Kind, Event]
	statuses *registry[struct{}, ConnectionState]

	mu      sync.Mutex
	phase   phase
	running bool

	stop     chan struct{}
	stopOnce sync.Once

	newID func() string
	now   func() time.Time
}

func NewSynchronizer(url string, dialer Dialer, reconnectInterval time.Duration) *Synchronizer {
	if reconnectInterval <= 0 {
		reconnectInterval = DefaultReconnectInterval
	}
	return &Synchronizer{
		url:               url,
		dialer:            dialer,
		reconnectInterval: reconnectInterval,
		events:            newRegistry[Kind, Event](),
		statuses:          newRegistry[struct{}, ConnectionState](),
		stop:              make(chan struct{}),
		newID:             uuid.NewString,
		now:               time.Now,
	}
}

// Subscribe registers fn for events of the given kind. The returned function
// removes exactly this registration; calling it again is a no-op. Once it
// has returned, fn is not invoked again.
func (s *Synchronizer) Subscribe(kind Kind, fn func(Event)) func() {
	return s.events.add(kind, fn)
}

// OnStatusChange registers fn for connection state transitions.
func (s *Synchronizer) OnStatusChange(fn func(ConnectionState)) func() {
	return s.statuses.add(struct{}{}, fn)
}

func (s *Synchronizer) IsConnected() bool {
	return s.State() == Connected
}

func (s *Synchronizer) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase.state()
}

// Subscribers returns the number of live registrations for kind.
func (s *Synchronizer) Subscribers(kind Kind) int {
	return s.events.count(kind)
}

// Start connects to the feed and keeps it connected until ctx is done or
// Close is called. Transport failures never end Start; they show up as a
// transition to Disconnected followed by a retry after the reconnect interval.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("feed synchronizer already started")
	}
	if s.phase == phaseStopped {
		s.mu.Unlock()
		return ErrClosed
	}
	s.running = true
	s.mu.Unlock()

	log.WithField("url", s.url).Info("Starting hardware event feed")
	defer log.Info("Stopping hardware event feed")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	defer s.setPhase(phaseStopped)

	for {
		if ctx.Err() != nil {
			return nil
		}

		s.setPhase(phaseDialing)
		conn, err := s.dialer.Dial(ctx, s.url)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithField("url", s.url).WithError(err).Warn("Failed to connect to hardware event feed")
		} else {
			s.serve(ctx, conn)
		}

		if !s.waitRetry(ctx) {
			return nil
		}
	}
}

// Close stops the synchronizer. It is safe to call more than once and before
// Start.
func (s *Synchronizer) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		s.setPhase(phaseStopped)
	}
	return nil
}

func (s *Synchronizer) serve(ctx context.Context, conn Conn) {
	defer func() {
		if err := conn.Close(); err != nil {
			log.WithError(err).Debug("Error closing hardware event feed connection")
		}
	}()

	s.setPhase(phaseOpen)
	log.WithField("url", s.url).Info("Connected to hardware event feed")

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithField("url", s.url).WithError(err).Warn("Hardware event feed connection lost")
			}
			// Closing can block on a dead peer; report the loss first.
			s.setPhase(phaseIdle)
			return
		}
		s.handleFrame(data)
	}
}

// waitRetry moves to the retry-scheduled phase and waits one reconnect
// interval. It reports false when the synchronizer should stop instead.
func (s *Synchronizer) waitRetry(ctx context.Context) bool {
	if !s.setPhase(phaseRetryScheduled) {
		return false
	}
	log.WithFields(log.Fields{
		"url":   s.url,
		"delay": s.reconnectInterval,
	}).Debug("Scheduled hardware event feed reconnect")

	timer := time.NewTimer(s.reconnectInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Synchronizer) handleFrame(data []byte) {
	ev, err := ParseFrame(data)
	if err != nil {
		log.WithField("size", len(data)).WithError(err).Warn("Dropping hardware event frame")
		return
	}

	ev.ID = s.newID()
	ev.Received = s.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = ev.Received
	}

	if !ev.Kind.Known() {
		log.WithField("kind", ev.Kind).Debug("Received unknown hardware event kind")
	}

	n := s.events.dispatch(ev.Kind, ev)
	log.WithFields(log.Fields{
		"kind":        ev.Kind,
		"id":          ev.ID,
		"subscribers": n,
	}).Trace("Dispatched hardware event")
}

// setPhase records the new phase and notifies status listeners when the
// visible ConnectionState changes. Once stopped, the phase never changes
// again and setPhase reports false.
func (s *Synchronizer) setPhase(p phase) bool {
	s.mu.Lock()
	if s.phase == phaseStopped {
		s.mu.Unlock()
		return false
	}
	prev := s.phase.state()
	s.phase = p
	next := p.state()
	s.mu.Unlock()

	if prev != next {
		log.WithFields(log.Fields{
			"url":   s.url,
			"state": next.String(),
		}).Debug("Hardware event feed state changed")
		s.statuses.dispatch(struct{}{}, next)
	}
	return true
}
