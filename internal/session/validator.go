package session

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang-tick-hub/internal/broker"
)

// StatusService is the session status collaborator
type StatusService interface {
	SessionStatus(ctx context.Context, accessToken string) (*broker.SessionStatus, error)
}

// TokenValidator is the deep token validation collaborator
type TokenValidator interface {
	ValidateToken(ctx context.Context, accessToken string) (*broker.TokenValidation, error)
}

// Options tune the two check cadences
type Options struct {
	// RoutineInterval is the debounce window for routine checks
	RoutineInterval time.Duration
	// CriticalInterval is how long a passed critical check may be reused
	CriticalInterval time.Duration
	// CheckFrequency is the period of the background routine sweep
	CheckFrequency time.Duration
	// CheckTimeout bounds every collaborator call
	CheckTimeout time.Duration
}

// DefaultOptions returns the standard cadences
func DefaultOptions() Options {
	return Options{
		RoutineInterval:  30 * time.Second,
		CriticalInterval: 30 * time.Second,
		CheckFrequency:   5 * time.Minute,
		CheckTimeout:     10 * time.Second,
	}
}

// Validator gates actions on session freshness with routine and critical checks.
// All checks fail closed: any collaborator error, including CheckTimeout
// expiring, invalidates the session. A check abandoned because the caller's
// context ended returns false and leaves the session untouched.
type Validator struct {
	opts   Options
	status StatusService
	deep   TokenValidator
	cache  StatusCache
	store  *Store
	now    func() time.Time

	listenersMutex sync.RWMutex
	listeners      []func(*Session)

	routineChecks   int64
	routineCached   int64
	criticalChecks  int64
	criticalReused  int64
	invalidations   int64
	collaboratorErr int64
}

// NewValidator creates a validator. cache may be nil.
func NewValidator(opts Options, status StatusService, deep TokenValidator, cache StatusCache, store *Store) *Validator {
	defaults := DefaultOptions()
	if opts.RoutineInterval <= 0 {
		opts.RoutineInterval = defaults.RoutineInterval
	}
	if opts.CriticalInterval <= 0 {
		opts.CriticalInterval = defaults.CriticalInterval
	}
	if opts.CheckFrequency <= 0 {
		opts.CheckFrequency = defaults.CheckFrequency
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaults.CheckTimeout
	}

	log.Printf("✅ Session validator initialized (routine=%v, critical=%v, sweep=%v)",
		opts.RoutineInterval, opts.CriticalInterval, opts.CheckFrequency)

	return &Validator{
		opts:   opts,
		status: status,
		deep:   deep,
		cache:  cache,
		store:  store,
		now:    time.Now,
	}
}

// OnInvalidate registers a listener fired once per invalidated session
func (v *Validator) OnInvalidate(fn func(*Session)) {
	v.listenersMutex.Lock()
	v.listeners = append(v.listeners, fn)
	v.listenersMutex.Unlock()
}

// CheckRoutine returns the debounced authentication state of s.
// Within RoutineInterval of the last check the cached result is returned
// unless force is set; otherwise the shared cache and then the status service
// are consulted.
func (v *Validator) CheckRoutine(ctx context.Context, s *Session, force bool) bool {
	now := v.now()

	s.mutex.Lock()
	if s.invalidated {
		s.mutex.Unlock()
		return false
	}
	if !force && !s.lastChecked.IsZero() && now.Sub(s.lastChecked) < v.opts.RoutineInterval {
		ok := s.authenticated && s.tokenValid
		s.mutex.Unlock()
		return ok
	}
	s.mutex.Unlock()

	key := CacheKey(s.AccessToken)
	if !force && v.cache != nil {
		cached, err := v.cache.Get(ctx, key)
		if err != nil {
			log.Printf("⚠️ Session status cache read failed: %v", err)
		} else if cached != nil && cached.Authenticated && cached.TokenValid {
			atomic.AddInt64(&v.routineCached, 1)
			s.apply(true, true, cached.CheckedAt)
			return true
		}
	}

	atomic.AddInt64(&v.routineChecks, 1)

	checkCtx, cancel := context.WithTimeout(ctx, v.opts.CheckTimeout)
	defer cancel()

	status, err := v.status.SessionStatus(checkCtx, s.AccessToken)
	if err != nil && ctx.Err() != nil {
		// The caller went away; that is not a verdict on the session
		log.Printf("⚠️ Routine session check for %s abandoned: %v", s.ID, ctx.Err())
		return false
	}
	if err != nil {
		atomic.AddInt64(&v.collaboratorErr, 1)
		log.Printf("❌ Routine session check failed for %s: %v", s.ID, err)
		v.Invalidate(s, "routine check error")
		return false
	}

	s.apply(status.Authenticated, status.TokenValid, now)
	if !status.Authenticated || !status.TokenValid {
		v.Invalidate(s, "routine check rejected")
		return false
	}

	if v.cache != nil {
		entry := CachedStatus{Authenticated: true, TokenValid: true, CheckedAt: now}
		if err := v.cache.Put(ctx, key, entry, v.opts.RoutineInterval); err != nil {
			log.Printf("⚠️ Session status cache write failed: %v", err)
		}
	}
	return true
}

// CheckCritical gates write-like actions with a deep token validation.
// A pass within CriticalInterval is reused unless requireFresh is set,
// which callers use for the first action after a (re)connect.
func (v *Validator) CheckCritical(ctx context.Context, s *Session, requireFresh bool) bool {
	now := v.now()

	s.mutex.Lock()
	if s.invalidated {
		s.mutex.Unlock()
		return false
	}
	if !requireFresh && s.criticalPassed && now.Sub(s.lastCriticalCheck) < v.opts.CriticalInterval {
		s.mutex.Unlock()
		atomic.AddInt64(&v.criticalReused, 1)
		return true
	}
	s.mutex.Unlock()

	atomic.AddInt64(&v.criticalChecks, 1)

	checkCtx, cancel := context.WithTimeout(ctx, v.opts.CheckTimeout)
	defer cancel()

	validation, err := v.deep.ValidateToken(checkCtx, s.AccessToken)
	if err != nil && ctx.Err() != nil {
		log.Printf("⚠️ Critical session check for %s abandoned: %v", s.ID, ctx.Err())
		return false
	}
	if err != nil {
		atomic.AddInt64(&v.collaboratorErr, 1)
		log.Printf("❌ Critical session check failed for %s: %v", s.ID, err)
		v.Invalidate(s, "critical check error")
		return false
	}
	if !validation.Valid {
		v.Invalidate(s, "critical check rejected")
		return false
	}

	s.passCritical(now)
	return true
}

// Invalidate makes the session terminal, drops it from the store and cache,
// and notifies listeners. Repeated calls are no-ops.
func (v *Validator) Invalidate(s *Session, reason string) {
	if !s.invalidate() {
		return
	}
	atomic.AddInt64(&v.invalidations, 1)

	if v.store != nil {
		v.store.Remove(s.ID)
	}
	if v.cache != nil {
		if err := v.cache.Delete(context.Background(), CacheKey(s.AccessToken)); err != nil {
			log.Printf("⚠️ Failed to evict session status cache entry: %v", err)
		}
	}

	log.Printf("🔒 Session %s invalidated (%s, token %s)", s.ID, reason, MaskToken(s.AccessToken))

	v.listenersMutex.RLock()
	listeners := append([]func(*Session){}, v.listeners...)
	v.listenersMutex.RUnlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// Monitor runs routine checks for every stored session each CheckFrequency
// until ctx is cancelled
func (v *Validator) Monitor(ctx context.Context) {
	ticker := time.NewTicker(v.opts.CheckFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.sweep(ctx)
		}
	}
}

func (v *Validator) sweep(ctx context.Context) {
	if v.store == nil {
		return
	}

	sessions := v.store.All()
	failed := 0
	for _, s := range sessions {
		if ctx.Err() != nil {
			return
		}
		if !v.CheckRoutine(ctx, s, false) {
			failed++
		}
	}

	if sweeper, ok := v.cache.(interface{ Sweep() int }); ok {
		sweeper.Sweep()
	}

	if len(sessions) > 0 {
		log.Printf("📊 Routine session sweep: %d checked, %d invalidated", len(sessions), failed)
	}
}

// GetStats returns validator statistics
func (v *Validator) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"routine_checks":      atomic.LoadInt64(&v.routineChecks),
		"routine_cache_hits":  atomic.LoadInt64(&v.routineCached),
		"critical_checks":     atomic.LoadInt64(&v.criticalChecks),
		"critical_reused":     atomic.LoadInt64(&v.criticalReused),
		"invalidations":       atomic.LoadInt64(&v.invalidations),
		"collaborator_errors": atomic.LoadInt64(&v.collaboratorErr),
		"routine_interval":    v.opts.RoutineInterval.String(),
		"critical_interval":   v.opts.CriticalInterval.String(),
	}
	if v.store != nil {
		stats["sessions"] = v.store.Len()
	}
	return stats
}
