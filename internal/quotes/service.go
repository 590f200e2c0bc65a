package quotes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/eddiefleurent/candlebot/internal/metrics"
	"github.com/eddiefleurent/candlebot/internal/models"
	"github.com/eddiefleurent/candlebot/internal/util"
	"github.com/sirupsen/logrus"
)

// DefaultQueueSize bounds queues registered with maxsize <= 0.
const DefaultQueueSize = 64

// Listener receives the changed quotes of one poll that pass its filter.
// It runs on the polling goroutine and must not block.
type Listener func(updates []models.OptionQuote)

type listener struct {
	fn   Listener
	keys map[string]struct{} // nil accepts every contract
}

func keySet(keys []string) map[string]struct{} {
	if keys == nil {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// Service polls a Provider and maintains the latest quote per contract key.
type Service struct {
	provider Provider
	symbol   string
	logger   logrus.FieldLogger

	mu         sync.RWMutex
	expiration string
	interval   time.Duration
	quotes     map[string]models.OptionQuote
	listeners  map[int]*listener
	nextID     int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a stopped service for one symbol and YYYYMMDD expiration.
func NewService(provider Provider, symbol, expiration string, interval time.Duration, logger logrus.FieldLogger) *Service {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Service{
		provider:   provider,
		symbol:     strings.ToUpper(symbol),
		expiration: expiration,
		interval:   interval,
		quotes:     map[string]models.OptionQuote{},
		listeners:  map[int]*listener{},
		logger:     logger.WithField("component", "quotes"),
	}
}

// Symbol returns the underlying symbol.
func (s *Service) Symbol() string { return s.symbol }

// Expiration returns the current expiration.
func (s *Service) Expiration() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiration
}

// SetExpiration switches the polled expiration. Changing it drops the whole
// snapshot so contracts of the old expiration cannot leak into the new one.
func (s *Service) SetExpiration(expiration string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expiration != s.expiration {
		s.quotes = map[string]models.OptionQuote{}
	}
	s.expiration = expiration
}

// SetPollInterval changes the delay between polls, effective after the current wait.
func (s *Service) SetPollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

func (s *Service) pollInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interval
}

// RegisterListener adds a callback. A nil keys slice receives every update;
// a non-nil slice, even empty, receives only the listed contract keys.
func (s *Service) RegisterListener(fn Listener, keys []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.listeners[s.nextID] = &listener{fn: fn, keys: keySet(keys)}
	return s.nextID
}

// RegisterQueue returns a bounded channel of update batches. When the
// consumer falls behind the oldest batch is dropped.
func (s *Service) RegisterQueue(maxsize int, keys []string) (int, <-chan []models.OptionQuote) {
	if maxsize <= 0 {
		maxsize = DefaultQueueSize
	}
	ch := make(chan []models.OptionQuote, maxsize)
	id := s.RegisterListener(func(updates []models.OptionQuote) {
		util.OfferLatest(ch, append([]models.OptionQuote(nil), updates...))
	}, keys)
	return id, ch
}

// UpdateListenerContracts replaces a listener's filter; nil is treated as an
// empty allow-list. Unknown ids are ignored.
func (s *Service) UpdateListenerContracts(id int, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.listeners[id]; ok {
		if keys == nil {
			keys = []string{}
		}
		l.keys = keySet(keys)
	}
}

// RemoveListener unsubscribes. Removing twice is a no-op.
func (s *Service) RemoveListener(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.listeners, id)
}

// GetQuote returns the latest quote for a contract key.
func (s *Service) GetQuote(key string) (models.OptionQuote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.quotes[key]
	return q, ok
}

// Snapshot returns a copy of every stored quote.
func (s *Service) Snapshot() map[string]models.OptionQuote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.OptionQuote, len(s.quotes))
	for k, q := range s.quotes {
		out[k] = q
	}
	return out
}

// Quotes returns the snapshot as a slice ordered by contract key.
func (s *Service) Quotes() []models.OptionQuote {
	snap := s.Snapshot()
	out := make([]models.OptionQuote, 0, len(snap))
	for _, q := range snap {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract.Key() < out[j].Contract.Key() })
	return out
}

// PollOnce fetches the chain, stores changed or new quotes and dispatches
// them. It returns the provider error unchanged.
func (s *Service) PollOnce(ctx context.Context) error {
	exp := s.Expiration()
	fetched, err := s.provider.FetchQuotes(ctx, s.symbol, exp)
	var rl *broker.RateLimitError
	metrics.RecordQuotePoll(err, errors.As(err, &rl))
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.expiration != exp {
		// expiration switched while fetching; these quotes are stale
		s.mu.Unlock()
		return nil
	}
	var updates []models.OptionQuote
	for _, q := range fetched {
		key := q.Contract.Key()
		if old, ok := s.quotes[key]; ok && old.SameMarket(q) {
			continue
		}
		s.quotes[key] = q
		updates = append(updates, q)
	}
	targets := make([]listener, 0, len(s.listeners))
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		targets = append(targets, *s.listeners[id])
	}
	s.mu.Unlock()

	if len(updates) == 0 {
		return nil
	}
	metrics.QuoteUpdates.Add(float64(len(updates)))
	for _, l := range targets {
		batch := updates
		if l.keys != nil {
			batch = nil
			for _, q := range updates {
				if _, ok := l.keys[q.Contract.Key()]; ok {
					batch = append(batch, q)
				}
			}
		}
		if len(batch) > 0 {
			s.dispatch(l.fn, batch)
		}
	}
	return nil
}

func (s *Service) dispatch(fn Listener, batch []models.OptionQuote) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerErrors.WithLabelValues("quotes").Inc()
			s.logger.WithField("panic", fmt.Sprint(r)).Error("quote listener panicked")
		}
	}()
	fn(batch)
}

// Start launches the polling loop. Calling Start while running is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	s.logger.WithFields(logrus.Fields{"symbol": s.symbol, "expiration": s.Expiration()}).Info("quote service started")
}

// Stop cancels the loop and waits for it to exit. Safe before Start and
// safe to call twice.
func (s *Service) Stop() {
	s.runMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("quote service stopped")
}

// Run polls until ctx is cancelled, for use under an errgroup.
func (s *Service) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		wait := s.pollInterval()
		if err := s.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			var rl *broker.RateLimitError
			if errors.As(err, &rl) {
				wait = rl.RetryAfter
				s.logger.WithField("retry_after", rl.RetryAfter).Warn("quote source rate limited")
			} else {
				s.logger.WithError(err).Warn("quote poll failed")
			}
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}
