package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dmdmdm-nz/onusyncd/internal/feed"
	"github.com/dmdmdm-nz/onusyncd/internal/inventory"
)

const (
	DefaultAddress  = "127.0.0.1:60480"
	shutdownTimeout = 5 * time.Second
)

type Options struct {
	Address        string
	RefreshRate    float64
	RefreshBurst   int
	OriginPatterns []string
}

// Service is the local HTTP API that plays the role of the operator view.
type Service struct {
	opts      Options
	feed      FeedSource
	store     PendingStore
	refresher Refresher
	viewers   Viewers
	limiter   *rate.Limiter

	mu       sync.Mutex
	listener net.Listener

	stop     chan struct{}
	stopOnce sync.Once
}

func NewService(opts Options, feed FeedSource, store PendingStore, refresher Refresher, viewers Viewers) *Service {
	if opts.Address == "" {
		opts.Address = DefaultAddress
	}
	limit := rate.Inf
	if opts.RefreshRate > 0 {
		limit = rate.Limit(opts.RefreshRate)
	}
	if opts.RefreshBurst <= 0 {
		opts.RefreshBurst = 1
	}
	return &Service{
		opts:      opts,
		feed:      feed,
		store:     store,
		refresher: refresher,
		viewers:   viewers,
		limiter:   rate.NewLimiter(limit, opts.RefreshBurst),
		stop:      make(chan struct{}),
	}
}

// Start serves the API until ctx is done or Close is called.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Infof("Starting onusyncd API service at %s", ln.Addr())
	defer log.Info("Stopping onusyncd API service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.stop:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("API server did not shut down cleanly")
			return srv.Close()
		}
		return nil
	})
	return g.Wait()
}

// Addr returns the bound address once Start is listening.
func (s *Service) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Service) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			w.WriteHeader(http.StatusOK)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			if s.feed.IsConnected() || !s.refresher.LastSuccess().IsZero() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		state := s.feed.State()
		resp := StatusResponse{
			State:     state,
			Connected: state == feed.Connected,
			Viewers:   s.viewers.Count(),
		}
		if last := s.refresher.LastSuccess(); !last.IsZero() {
			resp.LastPoll = &last
		}
		writeJSON(w, http.StatusOK, resp)
	})
	mux.HandleFunc("/onus/pending", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, s.store.List(filterFrom(r)))
	})
	mux.HandleFunc("/onus/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "refresh rate limited"})
			return
		}
		f := filterFrom(r)
		if err := s.refresher.Refresh(r.Context(), f); err != nil {
			writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, s.store.List(f))
	})
	mux.HandleFunc("/ws/events", func(w http.ResponseWriter, r *http.Request) {
		StreamEvents(s, w, r)
	})
	mux.HandleFunc("/ws/pending", func(w http.ResponseWriter, r *http.Request) {
		StreamPending(s, w, r)
	})
	return mux
}

func filterFrom(r *http.Request) inventory.Filter {
	return inventory.Filter{OltID: r.URL.Query().Get("olt_id")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write API response")
	}
}
