package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const defaultSweepInterval = 1 * time.Minute

// SessionSweeper periodically drops sessions idle for longer than ttl.
type SessionSweeper struct {
	store    TranscriptStore
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
	stopChan chan struct{}
	done     chan struct{}
}

func NewSessionSweeper(store TranscriptStore, ttl time.Duration) *SessionSweeper {
	interval := defaultSweepInterval
	if ttl > 0 && ttl/2 < interval {
		interval = ttl / 2
	}
	return &SessionSweeper{
		store:    store,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// Start is a no-op when ttl is not positive.
func (s *SessionSweeper) Start() {
	if s.store == nil || s.ttl <= 0 || s.done != nil {
		return
	}

	s.done = make(chan struct{})
	go s.loop()
	log.Info().Dur("ttl", s.ttl).Dur("interval", s.interval).Msg("Session sweeper started")
}

// Stop ends the loop and waits for an in-progress sweep to finish. Start and
// Stop are called from the same goroutine.
func (s *SessionSweeper) Stop() {
	select {
	case <-s.stopChan:
	default:
		close(s.stopChan)
	}
	if s.done != nil {
		<-s.done
	}
}

func (s *SessionSweeper) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep prunes once and returns how many sessions were removed.
func (s *SessionSweeper) Sweep(ctx context.Context) int {
	cutoff := s.now().Add(-s.ttl)
	n, err := s.store.PruneIdle(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("session sweep failed")
		return 0
	}
	if n > 0 {
		log.Info().Int("pruned", n).Time("cutoff", cutoff).Msg("pruned idle sessions")
	}
	return n
}
