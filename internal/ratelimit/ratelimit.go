package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keithlinneman/catalogweb/internal/httpmw"
	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

var (
	// ErrStoreUnavailable wraps store failures. The request is allowed when it is returned.
	ErrStoreUnavailable = errors.New("ratelimit: store unavailable")
	ErrInvalidPolicy    = errors.New("ratelimit: invalid policy")
)

// Policy bounds one action to Limit requests per Window for each client.
type Policy struct {
	Action string
	Limit  int
	Window time.Duration
}

func (p Policy) Validate() error {
	var errs []error
	if p.Action == "" {
		errs = append(errs, fmt.Errorf("%w: action is required", ErrInvalidPolicy))
	}
	if p.Limit < 1 {
		errs = append(errs, fmt.Errorf("%w: %s limit must be >= 1, got %d", ErrInvalidPolicy, p.Action, p.Limit))
	}
	if p.Window <= 0 {
		errs = append(errs, fmt.Errorf("%w: %s window must be > 0, got %s", ErrInvalidPolicy, p.Action, p.Window))
	}
	return errors.Join(errs...)
}

// Key is the store key for a client under an action.
func Key(action, clientID string) string { return action + ":" + clientID }

// Result is the outcome of one Check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter applies fixed-window policies against a Store.
type Limiter struct {
	// mu serializes the read-modify-write on the store so two requests for the
	// same key in this process can't both take the last slot
	mu    sync.Mutex
	store Store
	now   func() time.Time

	capacity      int
	sweepInterval time.Duration

	onDenied     func(action, clientID string)
	onEvict      func(n int)
	onCapacity   func(n int)
	onStoreError func(err error)
}

type Option func(*Limiter)

// WithStore replaces the default MemoryStore.
func WithStore(s Store) Option {
	return func(l *Limiter) { l.store = s }
}

// WithCapacity sets the default MemoryStore's key cap. Ignored with WithStore.
func WithCapacity(n int) Option {
	return func(l *Limiter) { l.capacity = n }
}

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithSweepInterval controls how often expired entries are purged. 0 disables the sweep.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweepInterval = d }
}

// WithOnDenied is called on every rejected request, used for metrics and throttled logs.
func WithOnDenied(fn func(action, clientID string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnEvict is called after a sweep removed n > 0 expired entries.
func WithOnEvict(fn func(n int)) Option {
	return func(l *Limiter) { l.onEvict = fn }
}

// WithOnCapacity is called when a full MemoryStore drops live entries to admit a new key.
func WithOnCapacity(fn func(n int)) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

// WithOnStoreError is called for every store failure, including sweep failures.
func WithOnStoreError(fn func(err error)) Option {
	return func(l *Limiter) { l.onStoreError = fn }
}

// New builds a Limiter and starts the background sweep, which stops when ctx is cancelled.
func New(ctx context.Context, opts ...Option) *Limiter {
	l := &Limiter{
		now:           time.Now,
		sweepInterval: time.Minute,
	}
	for _, o := range opts {
		o(l)
	}
	if l.store == nil {
		ms := NewMemoryStore(l.capacity, l.now)
		ms.OnCapacity = l.onCapacity
		l.store = ms
	}
	if l.sweepInterval > 0 {
		go l.sweep(ctx)
	}
	return l
}

// Store returns the backing store.
func (l *Limiter) Store() Store { return l.store }

// Check counts one request by clientID against p.
//
// A store failure allows the request with Remaining = p.Limit and returns an
// error wrapping ErrStoreUnavailable for the caller to log.
func (l *Limiter) Check(ctx context.Context, clientID string, p Policy) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{Allowed: true, Remaining: max(p.Limit, 0)}, err
	}
	key := Key(p.Action, clientID)

	l.mu.Lock()
	now := l.now()
	res, err := l.checkLocked(ctx, key, now, p)
	l.mu.Unlock()

	if err != nil {
		if l.onStoreError != nil {
			l.onStoreError(err)
		}
		return Result{Allowed: true, Remaining: p.Limit, ResetAt: now.Add(p.Window)}, err
	}
	if !res.Allowed && l.onDenied != nil {
		l.onDenied(p.Action, clientID)
	}
	return res, nil
}

func (l *Limiter) checkLocked(ctx context.Context, key string, now time.Time, p Policy) (Result, error) {
	e, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("%w: get %q: %w", ErrStoreUnavailable, key, err)
	}

	if !ok || e.expired(now) {
		e = Entry{Count: 1, ResetAt: now.Add(p.Window)}
		if err := l.store.Set(ctx, key, e); err != nil {
			return Result{}, fmt.Errorf("%w: set %q: %w", ErrStoreUnavailable, key, err)
		}
		return Result{Allowed: true, Remaining: p.Limit - 1, ResetAt: e.ResetAt}, nil
	}

	if e.Count >= p.Limit {
		return Result{Allowed: false, Remaining: 0, ResetAt: e.ResetAt}, nil
	}

	e.Count++
	if err := l.store.Set(ctx, key, e); err != nil {
		return Result{}, fmt.Errorf("%w: set %q: %w", ErrStoreUnavailable, key, err)
	}
	return Result{Allowed: true, Remaining: p.Limit - e.Count, ResetAt: e.ResetAt}, nil
}

// Allow derives the client id from the forwarding headers and checks it against p.
func (l *Limiter) Allow(ctx context.Context, f httpmw.Forwarded, p Policy) (Result, error) {
	return l.Check(ctx, f.ClientID(), p)
}

// Sweep purges expired entries once. The background loop calls it every sweep interval.
func (l *Limiter) Sweep(ctx context.Context) (int, error) {
	n, err := l.store.Evict(ctx, l.now())
	if err != nil {
		err = xerrors.Wrap(fmt.Errorf("%w: %w", ErrStoreUnavailable, err), "sweep")
		if l.onStoreError != nil {
			l.onStoreError(err)
		}
		return 0, err
	}
	if n > 0 && l.onEvict != nil {
		l.onEvict(n)
	}
	return n, nil
}

func (l *Limiter) sweep(ctx context.Context) {
	ticker := time.NewTicker(l.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = l.Sweep(ctx)
		}
	}
}
