package ratelimit

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const defaultShards = 32

// Clock returns the current time. Tests substitute a virtual clock.
type Clock func() time.Time

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(c Clock) Option {
	return func(l *Limiter) { l.now = c }
}

// WithSleep replaces the context-aware timer used by graceful waits.
func WithSleep(s SleepFunc) Option {
	return func(l *Limiter) { l.sleep = s }
}

// WithShards sets the number of client map shards.
func WithShards(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.nshards = n
		}
	}
}

// WithName labels the limiter in status reports, usually with its endpoint.
func WithName(name string) Option {
	return func(l *Limiter) { l.name = name }
}

// Decision is the outcome of Acquire.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	Waited     time.Duration
	Config     Config
}

// Status is the administrative view of one client's bucket.
type Status struct {
	ClientID           string  `json:"client_id"`
	Endpoint           string  `json:"endpoint"`
	Limit              float64 `json:"limit"`
	Remaining          int     `json:"remaining"`
	BurstSize          int     `json:"burst_size"`
	Policy             Policy  `json:"policy"`
	RequestsThisWindow int64   `json:"requests_this_window"`
}

type shard struct {
	mu        sync.RWMutex
	buckets   map[string]*bucket
	overrides map[string]Config
}

// Limiter owns the buckets of every client seen under one configuration.
// Buckets are created on first use and removed only by Reset.
type Limiter struct {
	name    string
	cfg     Config
	now     Clock
	sleep   SleepFunc
	nshards int
	shards  []*shard
}

// New creates a limiter whose buckets default to cfg.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		name:    "default",
		cfg:     cfg.WithDefaults(),
		now:     time.Now,
		sleep:   sleepContext,
		nshards: defaultShards,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.shards = make([]*shard, l.nshards)
	for i := range l.shards {
		l.shards[i] = &shard{
			buckets:   make(map[string]*bucket),
			overrides: make(map[string]Config),
		}
	}
	return l
}

// Name returns the limiter's label.
func (l *Limiter) Name() string { return l.name }

// Config returns the default bucket configuration.
func (l *Limiter) Config() Config { return l.cfg }

func (l *Limiter) shardFor(clientID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(clientID))
	return l.shards[h.Sum32()%uint32(len(l.shards))]
}

func (l *Limiter) bucket(clientID string) *bucket {
	s := l.shardFor(clientID)

	s.mu.RLock()
	b, ok := s.buckets[clientID]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[clientID]; ok {
		return b
	}
	cfg := l.cfg
	if o, has := s.overrides[clientID]; has {
		cfg = o
	}
	b = newBucket(cfg, l.now())
	s.buckets[clientID] = b
	return b
}

// TryAcquire deducts n tokens from clientID's bucket if they are available.
// Otherwise it returns false and the time until n tokens will be present.
func (l *Limiter) TryAcquire(clientID string, n int) (bool, time.Duration) {
	ok, wait, _ := l.bucket(clientID).take(l.now(), n)
	return ok, wait
}

// Acquire applies the bucket's policy. Strict and adaptive buckets answer
// immediately. Graceful buckets wait for a shortfall of at most MaxWait and
// retry once; the only error returned is ctx's.
func (l *Limiter) Acquire(ctx context.Context, clientID string, n int) (Decision, error) {
	b := l.bucket(clientID)
	ok, wait, remaining := b.take(l.now(), n)
	d := Decision{Allowed: ok, Remaining: int(remaining), RetryAfter: wait, Config: b.cfg}
	if ok || n <= 0 || b.cfg.Policy != PolicyGraceful || wait > b.cfg.MaxWait {
		return d, nil
	}

	if err := l.sleep(ctx, wait); err != nil {
		return d, err
	}
	d.Waited = wait
	d.Allowed, d.RetryAfter, remaining = b.take(l.now(), n)
	d.Remaining = int(remaining)
	return d, nil
}

// SetClientConfig gives clientID its own configuration. Any existing bucket
// is replaced by a full one under the new configuration.
func (l *Limiter) SetClientConfig(clientID string, cfg Config) {
	cfg = cfg.WithDefaults()
	s := l.shardFor(clientID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[clientID] = cfg
	s.buckets[clientID] = newBucket(cfg, l.now())
}

// Reset drops clientID's bucket; the next request starts from a full bucket.
func (l *Limiter) Reset(clientID string) {
	s := l.shardFor(clientID)
	s.mu.Lock()
	delete(s.buckets, clientID)
	s.mu.Unlock()
}

// ResetAll drops every bucket. Client overrides are kept.
func (l *Limiter) ResetAll() {
	for _, s := range l.shards {
		s.mu.Lock()
		s.buckets = make(map[string]*bucket)
		s.mu.Unlock()
	}
}

// Status reports clientID's bucket. ok is false for clients never seen.
func (l *Limiter) Status(clientID string) (Status, bool) {
	s := l.shardFor(clientID)
	s.mu.RLock()
	b, ok := s.buckets[clientID]
	s.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return l.status(clientID, b), true
}

func (l *Limiter) status(clientID string, b *bucket) Status {
	tokens, window := b.snapshot(l.now())
	return Status{
		ClientID:           clientID,
		Endpoint:           l.name,
		Limit:              b.cfg.RequestsPerSecond,
		Remaining:          int(tokens),
		BurstSize:          b.cfg.BurstSize,
		Policy:             b.cfg.Policy,
		RequestsThisWindow: window,
	}
}

// AllStatus reports every known client, sorted by client id.
func (l *Limiter) AllStatus() []Status {
	var out []Status
	for _, s := range l.shards {
		s.mu.RLock()
		for id, b := range s.buckets {
			out = append(out, l.status(id, b))
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Clients returns the number of buckets currently held.
func (l *Limiter) Clients() int {
	n := 0
	for _, s := range l.shards {
		s.mu.RLock()
		n += len(s.buckets)
		s.mu.RUnlock()
	}
	return n
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
