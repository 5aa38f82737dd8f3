// Package admission implements the process-wide admission control that bounds
// concurrent captures and enforces a per-requester cooldown between job starts.
package admission

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/gated-doc-capture/internal/capture"
	"github.com/JakeFAU/gated-doc-capture/internal/metrics"
)

// Reason explains a denied admission.
type Reason string

// Denial reasons.
const (
	ReasonCapacity Reason = "capacity"
	ReasonCooldown Reason = "cooldown"
)

// Config holds scheduler configuration.
type Config struct {
	// MaxConcurrent bounds admitted, unreleased jobs.
	MaxConcurrent int
	// Cooldown is the minimum interval between two job starts by one requester.
	Cooldown time.Duration
	// CapacityRetryAfter is the retry hint returned when the ceiling is reached.
	CapacityRetryAfter time.Duration
	// IdleTTL is how long an idle requester's limiter is kept before Sweep evicts it.
	IdleTTL time.Duration
}

// Decision is the outcome of TryAdmit. Denials carry KindRateLimited.
type Decision struct {
	Admitted   bool
	Kind       capture.Kind
	Reason     Reason
	RetryAfter time.Duration
}

// Err returns nil for an admitted request and a RateLimited error otherwise.
func (d Decision) Err() error {
	if d.Admitted {
		return nil
	}
	return capture.Errorf(capture.KindRateLimited, "admit", "%s, retry after %s", d.Reason, d.RetryAfter)
}

// Stats is a point-in-time view of scheduler state.
type Stats struct {
	InFlight   int
	Requesters int
	Admitted   uint64
	Denied     uint64
}

type requester struct {
	limiter  *rate.Limiter
	active   int
	lastSeen time.Time
}

// Scheduler admits or denies new capture jobs. One mutex guards the in-flight
// counter and the requester map so check-and-increment is atomic.
type Scheduler struct {
	mu         sync.Mutex
	cfg        Config
	inFlight   int
	requesters map[string]*requester
	admitted   uint64
	denied     uint64
	now        func() time.Time
	logger     *zap.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Scheduler.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CapacityRetryAfter <= 0 {
		cfg.CapacityRetryAfter = 30 * time.Second
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		cfg:        cfg,
		requesters: make(map[string]*requester),
		now:        time.Now,
		logger:     logger.Named("admission"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) limit() rate.Limit {
	if s.cfg.Cooldown <= 0 {
		return rate.Inf
	}
	return rate.Every(s.cfg.Cooldown)
}

// TryAdmit decides whether requesterID may start a job now. An admitted job
// must be matched by exactly one Release. A denied request consumes neither
// capacity nor the requester's cooldown.
func (s *Scheduler) TryAdmit(requesterID string) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	r, ok := s.requesters[requesterID]
	if !ok {
		r = &requester{limiter: rate.NewLimiter(s.limit(), 1)}
		s.requesters[requesterID] = r
	}
	r.lastSeen = now

	res := r.limiter.ReserveN(now, 1)
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return s.deny(requesterID, ReasonCooldown, wait)
	}
	if s.inFlight >= s.cfg.MaxConcurrent {
		res.CancelAt(now)
		return s.deny(requesterID, ReasonCapacity, s.cfg.CapacityRetryAfter)
	}

	s.inFlight++
	r.active++
	s.admitted++
	metrics.ObserveAdmission("admitted", s.inFlight)
	s.logger.Debug("admitted",
		zap.String("requester_id", requesterID),
		zap.Int("in_flight", s.inFlight),
	)
	return Decision{Admitted: true}
}

func (s *Scheduler) deny(requesterID string, reason Reason, retryAfter time.Duration) Decision {
	s.denied++
	metrics.ObserveAdmission(string(reason), s.inFlight)
	s.logger.Info("admission denied",
		zap.String("requester_id", requesterID),
		zap.String("reason", string(reason)),
		zap.Duration("retry_after", retryAfter),
	)
	return Decision{Kind: capture.KindRateLimited, Reason: reason, RetryAfter: retryAfter}
}

// Release returns the capacity held by one admitted job of requesterID.
// Releases without a matching admission are ignored.
func (s *Scheduler) Release(requesterID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requesters[requesterID]
	if !ok || r.active == 0 || s.inFlight == 0 {
		s.logger.Warn("ignoring release without admission", zap.String("requester_id", requesterID))
		return
	}
	r.active--
	r.lastSeen = s.now()
	s.inFlight--
	metrics.SetInFlight(s.inFlight)
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		InFlight:   s.inFlight,
		Requesters: len(s.requesters),
		Admitted:   s.admitted,
		Denied:     s.denied,
	}
}

// Sweep evicts limiters of requesters that have no active job, have been idle
// for IdleTTL, and whose cooldown has elapsed. It returns the number evicted.
func (s *Scheduler) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	evicted := 0
	for id, r := range s.requesters {
		if r.active > 0 || now.Sub(r.lastSeen) < s.cfg.IdleTTL {
			continue
		}
		if r.limiter.TokensAt(now) < 1 {
			continue
		}
		delete(s.requesters, id)
		evicted++
	}
	if evicted > 0 {
		s.logger.Debug("swept idle requesters", zap.Int("evicted", evicted))
	}
	return evicted
}
