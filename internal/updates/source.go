package updates

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sablecrm/telebridge/internal/flood"
	"github.com/sablecrm/telebridge/internal/wire"
)

const outBuffer = 256

// Mode names a session's active discovery mode.
type Mode string

const (
	ModeNone    Mode = ""
	ModePolling Mode = "polling"
	ModeEvents  Mode = "events"
)

// PeerLookup resolves a chat identifier to an addressable peer for one
// session. The peer resolver provides this; the source never resolves on
// its own.
type PeerLookup func(ctx context.Context, identifier string) (wire.Peer, error)

// Source owns the single outbound update stream and enforces that each
// session has at most one active producer. Switching modes stops the old
// producer before the new one starts.
type Source struct {
	logger   *slog.Logger
	governor *flood.Governor
	interval time.Duration
	window   int

	mu       sync.Mutex
	sessions map[string]*producer
	out      chan Update
	closed   bool
}

type producer struct {
	mode   Mode
	cancel context.CancelFunc
	done   chan struct{}
	poller *Poller
}

// NewSource builds a source. interval and window govern the polling mode;
// the event mode ignores both.
func NewSource(logger *slog.Logger, governor *flood.Governor, interval time.Duration, window int) *Source {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if window <= 0 {
		window = 20
	}
	return &Source{
		logger:   logger.With("component", "updates"),
		governor: governor,
		interval: interval,
		window:   window,
		sessions: make(map[string]*producer),
		out:      make(chan Update, outBuffer),
	}
}

// Updates is the merged stream across all sessions. Consumed by the fanout
// bridge; closed by Close.
func (s *Source) Updates() <-chan Update { return s.out }

// SetPolling adjusts the polling cadence at runtime. Running pollers pick
// the new interval up on their next tick and the new window on their next
// fetch. Non-positive values keep the current setting.
func (s *Source) SetPolling(interval time.Duration, window int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if interval > 0 {
		s.interval = interval
	}
	if window > 0 {
		s.window = window
	}
}

func (s *Source) pollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Source) pollWindow() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

// StartPolling activates the polling producer for a session, replacing any
// previous producer. The returned poller accepts chat tracking changes while
// the loop runs.
func (s *Source) StartPolling(sessionID string, client wire.Client, lookup PeerLookup) (*Poller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("update source closed")
	}
	s.stopLocked(sessionID)

	p := newPoller(s, sessionID, client, lookup)
	ctx, cancel := context.WithCancel(context.Background())
	pr := &producer{mode: ModePolling, cancel: cancel, done: make(chan struct{}), poller: p}
	s.sessions[sessionID] = pr
	go func() {
		defer close(pr.done)
		p.run(ctx)
	}()
	s.logger.Info("polling producer started", "session_id", sessionID, "interval", s.interval)
	return p, nil
}

// StartEvents activates the push-event producer for a session, replacing any
// previous producer. Fails with wire.ErrEventsUnsupported when the session's
// generation cannot push.
func (s *Source) StartEvents(sessionID string, client wire.Client) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("update source closed")
	}
	s.stopLocked(sessionID)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := client.SubscribeEvents(ctx)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// The subscribe ran unlocked; another Start may have slipped in.
	s.stopLocked(sessionID)
	if s.closed {
		cancel()
		return fmt.Errorf("update source closed")
	}
	pr := &producer{mode: ModeEvents, cancel: cancel, done: make(chan struct{})}
	s.sessions[sessionID] = pr
	go func() {
		defer close(pr.done)
		s.runEvents(ctx, sessionID, ch)
	}()
	s.logger.Info("event producer started", "session_id", sessionID)
	return nil
}

// Stop tears down the session's producer, if any.
func (s *Source) Stop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(sessionID)
}

// stopLocked cancels and waits for the producer goroutine so two producers
// never overlap for one session. The lock is released while waiting, which
// lets a concurrent Start register a fresh producer; the loop re-checks the
// map after every wait and keeps stopping until none remains.
func (s *Source) stopLocked(sessionID string) {
	for {
		pr, ok := s.sessions[sessionID]
		if !ok {
			return
		}
		delete(s.sessions, sessionID)
		pr.cancel()
		s.mu.Unlock()
		<-pr.done
		s.mu.Lock()
		s.logger.Info("producer stopped", "session_id", sessionID, "mode", pr.mode)
	}
}

// ModeFor reports the session's active mode.
func (s *Source) ModeFor(sessionID string) Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pr, ok := s.sessions[sessionID]; ok {
		return pr.mode
	}
	return ModeNone
}

// PollerFor returns the session's poller when polling is its active mode.
func (s *Source) PollerFor(sessionID string) (*Poller, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pr, ok := s.sessions[sessionID]
	if !ok || pr.mode != ModePolling {
		return nil, false
	}
	return pr.poller, true
}

// Emit injects an update originated outside either producer, such as an
// outbound send acknowledgment or a completed file upload.
func (s *Source) Emit(u Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.emitLocked(u)
}

func (s *Source) emitLocked(u Update) {
	select {
	case s.out <- u:
	default:
		s.logger.Warn("update stream full, dropping",
			"session_id", u.SessionID, "chat_id", u.ChatID, "message_id", u.MessageID)
	}
}

// Close stops every producer and closes the stream.
func (s *Source) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.stopLocked(id)
	}
	close(s.out)
	s.mu.Unlock()
}
