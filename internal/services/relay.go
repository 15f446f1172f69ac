package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"chatrelay-backend/internal/metrics"
	"chatrelay-backend/internal/models"
)

const (
	FallbackTransport = "Sorry, an error occurred while contacting the AI service."
	FallbackUpstream  = "Sorry, the AI service returned an error."
	FallbackNoReply   = "Sorry, the AI did not provide a reply."
	FallbackInternal  = "Sorry, an internal error occurred."
)

type RelayStatus string

const (
	StatusOK             RelayStatus = "ok"
	StatusTransportError RelayStatus = "transport_error"
	StatusUpstreamError  RelayStatus = "upstream_error"
	StatusNoReply        RelayStatus = "no_reply"
	StatusInternalError  RelayStatus = "internal_error"
)

// defaultQueueTimeout caps how long a cycle waits for its session and for an
// upstream slot before giving up.
const defaultQueueTimeout = 30 * time.Second

type RelayResult struct {
	Reply     string
	Status    RelayStatus
	SessionID string
}

type TranscriptStore interface {
	Append(ctx context.Context, sessionID string, turn models.Turn) error
	Turns(ctx context.Context, sessionID string) ([]models.Turn, error)
	Reset(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]models.SessionInfo, error)
	PruneIdle(ctx context.Context, before time.Time) (int, error)
}

// TurnPublisher is notified of every turn appended by the relay.
type TurnPublisher interface {
	PublishTurn(ctx context.Context, sessionID string, turn models.Turn)
}

type RelayOptions struct {
	SystemPrompt          string
	RecordFallbackReplies bool
	ConcurrentRequests    int
	QueueTimeout          time.Duration
	UpstreamTimeout       time.Duration
	Metrics               *metrics.Metrics
	Publisher             TurnPublisher
}

// RelayService runs the conversation relay: record the user turn, send the
// whole transcript upstream once, record and return the reply.
type RelayService struct {
	store          TranscriptStore
	upstream       Upstream
	publisher      TurnPublisher
	metrics        *metrics.Metrics
	systemPrompt   string
	recordFallback bool
	queueTimeout   time.Duration
	callTimeout    time.Duration
	rateChan       chan struct{} // Token bucket
	locks          *sessionLocks
	now            func() time.Time
}

func NewRelayService(store TranscriptStore, upstream Upstream, opts RelayOptions) *RelayService {
	concurrentReqs := opts.ConcurrentRequests
	if concurrentReqs <= 0 {
		concurrentReqs = 1
	}
	rateChan := make(chan struct{}, concurrentReqs)
	for i := 0; i < concurrentReqs; i++ {
		rateChan <- struct{}{}
	}
	queueTimeout := opts.QueueTimeout
	if queueTimeout <= 0 {
		queueTimeout = defaultQueueTimeout
	}

	return &RelayService{
		store:          store,
		upstream:       upstream,
		publisher:      opts.Publisher,
		metrics:        opts.Metrics,
		systemPrompt:   opts.SystemPrompt,
		recordFallback: opts.RecordFallbackReplies,
		queueTimeout:   queueTimeout,
		callTimeout:    opts.UpstreamTimeout,
		rateChan:       rateChan,
		locks:          newSessionLocks(),
		now:            time.Now,
	}
}

// acquireRate blocks until an upstream slot is available or ctx is done.
func (s *RelayService) acquireRate(ctx context.Context) error {
	select {
	case <-s.rateChan:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for upstream rate slot: %w", ctx.Err())
	}
}

func (s *RelayService) releaseRate() {
	s.rateChan <- struct{}{}
}

// Relay runs one cycle for sessionID. It never returns an error: every failure
// is turned into a fallback reply and a non-ok status.
func (s *RelayService) Relay(ctx context.Context, sessionID, userText string) (res RelayResult) {
	if sessionID == "" {
		sessionID = models.DefaultSessionID
	}
	res.SessionID = sessionID

	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("session_id", sessionID).Interface("panic", r).Msg("relay panicked")
			res.Reply, res.Status = FallbackInternal, StatusInternalError
		}
		s.metrics.ObserveRelay(string(res.Status))
	}()

	// One deadline covers the wait for the session and for an upstream slot.
	waitCtx, cancelWait := context.WithTimeout(ctx, s.queueTimeout)
	defer cancelWait()

	unlock, err := s.locks.lock(waitCtx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("session busy, cycle not started")
		res.Reply, res.Status = FallbackTransport, StatusTransportError
		return res
	}
	defer unlock()

	if err := s.appendTurn(ctx, sessionID, models.RoleUser, userText); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to record user turn")
		res.Reply, res.Status = FallbackInternal, StatusInternalError
		return res
	}

	turns, err := s.store.Turns(ctx, sessionID)
	if err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to read transcript")
		res.Reply, res.Status = FallbackInternal, StatusInternalError
		return res
	}

	reply, err := s.generate(ctx, waitCtx, Prompt{System: s.systemPrompt, Turns: turns})
	if err != nil {
		res.Reply, res.Status = s.fallbackFor(sessionID, err)
		if res.Status == StatusNoReply && s.recordFallback {
			if aerr := s.appendTurn(ctx, sessionID, models.RoleAssistant, res.Reply); aerr != nil {
				log.Error().Err(aerr).Str("session_id", sessionID).Msg("failed to record fallback reply")
			}
		}
		return res
	}

	// The reply was produced; a failed append is logged but does not hide it.
	if err := s.appendTurn(ctx, sessionID, models.RoleAssistant, reply); err != nil {
		log.Error().Err(err).Str("session_id", sessionID).Msg("failed to record assistant turn")
	}

	res.Reply, res.Status = reply, StatusOK
	return res
}

func (s *RelayService) generate(ctx, waitCtx context.Context, p Prompt) (string, error) {
	if err := s.acquireRate(waitCtx); err != nil {
		return "", transportError(s.upstream.Name(), err)
	}
	defer s.releaseRate()

	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	start := time.Now()
	reply, err := s.upstream.Generate(ctx, p)
	s.metrics.ObserveUpstream(s.upstream.Name(), upstreamOutcome(err), time.Since(start))
	return reply, err
}

func upstreamOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var uerr *UpstreamError
	if errors.As(err, &uerr) {
		return string(uerr.Kind)
	}
	return "error"
}

func (s *RelayService) fallbackFor(sessionID string, err error) (string, RelayStatus) {
	var uerr *UpstreamError
	if !errors.As(err, &uerr) {
		log.Error().Err(err).Str("session_id", sessionID).Msg("relay failed")
		return FallbackInternal, StatusInternalError
	}

	switch uerr.Kind {
	case KindTransport:
		log.Warn().Err(uerr.Err).Str("provider", uerr.Provider).Str("session_id", sessionID).
			Msg("upstream request failed")
		return FallbackTransport, StatusTransportError
	case KindStatus:
		log.Warn().Str("provider", uerr.Provider).Str("session_id", sessionID).
			Int("status_code", uerr.StatusCode).Str("body", uerr.Body).
			Msg("upstream returned an error status")
		return FallbackUpstream, StatusUpstreamError
	}

	// Unparseable bodies are internal failures and are never recorded.
	var derr *DecodeError
	if errors.As(uerr, &derr) && derr.Reason == ReasonMalformedBody {
		log.Error().Str("provider", uerr.Provider).Str("session_id", sessionID).
			Str("detail", derr.Detail).Msg("upstream response could not be parsed")
		return FallbackInternal, StatusInternalError
	}

	ev := log.Warn().Str("provider", uerr.Provider).Str("session_id", sessionID)
	if derr != nil {
		ev = ev.Str("reason", string(derr.Reason)).Str("detail", derr.Detail)
	}
	ev.Msg("upstream response carried no reply")
	return FallbackNoReply, StatusNoReply
}

func (s *RelayService) appendTurn(ctx context.Context, sessionID string, role models.Role, text string) error {
	turn := models.Turn{Role: role, Text: text, CreatedAt: s.now().UTC()}
	if err := s.store.Append(ctx, sessionID, turn); err != nil {
		return err
	}
	if s.publisher != nil {
		s.publisher.PublishTurn(ctx, sessionID, turn)
	}
	return nil
}

func (s *RelayService) Transcript(ctx context.Context, sessionID string) ([]models.Turn, error) {
	return s.store.Turns(ctx, sessionID)
}

// Reset waits for any in-flight cycle on the session before clearing it.
func (s *RelayService) Reset(ctx context.Context, sessionID string) error {
	unlock, err := s.locks.lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	return s.store.Reset(ctx, sessionID)
}

func (s *RelayService) Sessions(ctx context.Context) ([]models.SessionInfo, error) {
	return s.store.Sessions(ctx)
}

// sessionLocks hands out one lock per session and forgets it once no
// caller holds or waits for it.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	held chan struct{}
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// lock waits for the session until ctx is done.
func (l *sessionLocks) lock(ctx context.Context, id string) (func(), error) {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &sessionLock{held: make(chan struct{}, 1)}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	select {
	case sl.held <- struct{}{}:
		return func() {
			<-sl.held
			l.release(id, sl)
		}, nil
	case <-ctx.Done():
		l.release(id, sl)
		return nil, fmt.Errorf("timeout waiting for session %q: %w", id, ctx.Err())
	}
}

func (l *sessionLocks) release(id string, sl *sessionLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, id)
	}
}

func (l *sessionLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
