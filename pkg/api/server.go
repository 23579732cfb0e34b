package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/rebalancer/pkg/events"
	"github.com/cuemby/rebalancer/pkg/journal"
	"github.com/cuemby/rebalancer/pkg/log"
	"github.com/cuemby/rebalancer/pkg/metrics"
	"github.com/cuemby/rebalancer/pkg/types"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// DefaultTickLimit caps /ticks when no limit is given
const DefaultTickLimit = 50

const eventsPath = "/events"

var (
	// ErrNoTick is returned by /status before the first tick finished
	ErrNoTick = errors.New("no tick has run yet")
	// ErrNoJournal is returned by /ticks when no journal is configured
	ErrNoJournal = errors.New("tick journal disabled")
	// ErrNoEvents is returned by /events when no broker is configured
	ErrNoEvents = errors.New("event stream disabled")
)

// StatusSource exposes the latest tick report
type StatusSource interface {
	Last() *types.TickReport
}

// Server serves health, metrics and tick reports over HTTP
type Server struct {
	status  StatusSource
	journal journal.Store
	broker  *events.Broker
	router  *mux.Router
	logger  zerolog.Logger

	mu     sync.Mutex
	server *http.Server
	closed bool
	done   chan struct{}
}

// NewServer builds the router. store may be nil.
func NewServer(status StatusSource, store journal.Store) *Server {
	s := &Server{
		status:  status,
		journal: store,
		router:  mux.NewRouter(),
		logger:  log.WithComponent("api"),
		done:    make(chan struct{}),
	}
	s.mount()
	return s
}

// SetBroker enables the /events stream
func (s *Server) SetBroker(b *events.Broker) {
	s.broker = b
}

func (s *Server) mount() {
	s.router.Path("/health").
		Methods(http.MethodGet).
		Name("health").
		HandlerFunc(metrics.HealthHandler())
	s.router.Path("/ready").
		Methods(http.MethodGet).
		Name("ready").
		HandlerFunc(metrics.ReadyHandler())
	s.router.Path("/metrics").
		Methods(http.MethodGet).
		Name("metrics").
		Handler(metrics.Handler())
	s.router.Path("/status").
		Methods(http.MethodGet).
		Name("status").
		HandlerFunc(wrap(s.handleStatus))

	s.router.Path("/ticks").
		Methods(http.MethodGet).
		Name("ticks_list").
		HandlerFunc(wrap(s.handleListTicks))
	s.router.Path("/ticks/{id}").
		Methods(http.MethodGet).
		Name("ticks_get").
		HandlerFunc(wrap(s.handleGetTick))
	s.router.Path(eventsPath).
		Methods(http.MethodGet).
		Name("events").
		HandlerFunc(wrap(s.handleEvents))
}

// Handler returns the HTTP handler for embedding in other servers.
// Responses are gzip compressed except the /events stream, whose writer
// must keep its deadline control.
func (s *Server) Handler() http.Handler {
	compressed := handlers.CompressHandler(s.router)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == eventsPath {
			s.router.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})
}

// Start listens on addr until Shutdown. It returns nil after a clean
// shutdown, including a Shutdown that came first.
func (s *Server) Start(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.server = server
	s.mu.Unlock()

	s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve http: %w", err)
	}
	return nil
}

// Shutdown stops the server started with Start
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) error {
	if s.status == nil {
		return notFound(ErrNoTick)
	}
	last := s.status.Last()
	if last == nil {
		return notFound(ErrNoTick)
	}
	return writeJSON(w, http.StatusOK, last)
}

func (s *Server) handleListTicks(w http.ResponseWriter, r *http.Request) error {
	if s.journal == nil {
		return notFound(ErrNoJournal)
	}

	limit := DefaultTickLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return badRequest(fmt.Errorf("invalid limit %q", v))
		}
		limit = n
	}

	reports, err := s.journal.List(limit)
	if err != nil {
		return fmt.Errorf("failed to list ticks: %w", err)
	}
	if reports == nil {
		reports = []*types.TickReport{}
	}
	return writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleGetTick(w http.ResponseWriter, r *http.Request) error {
	if s.journal == nil {
		return notFound(ErrNoJournal)
	}

	id := mux.Vars(r)["id"]
	report, err := s.journal.Get(id)
	if errors.Is(err, journal.ErrNotFound) {
		return notFound(err)
	}
	if err != nil {
		return fmt.Errorf("failed to get tick %s: %w", id, err)
	}
	return writeJSON(w, http.StatusOK, report)
}

// handleEvents streams broker events as server-sent events until the
// client leaves or the server shuts down
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) error {
	if s.broker == nil {
		return notFound(ErrNoEvents)
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming not supported")
	}

	// the stream outlives the server write timeout
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear write deadline: %w", err)
	}

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-s.done:
			return nil
		case event, ok := <-sub:
			if !ok {
				return nil
			}
			data, err := json.Marshal(event)
			if err != nil {
				s.logger.Warn().Err(err).Str("event", event.ID).Msg("Failed to encode event")
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data); err != nil {
				return nil
			}
			flusher.Flush()
		}
	}
}
