package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"
)

type Config struct {
	RPS   float64
	Burst int

	// Cap on simultaneously open live sessions per principal.
	MaxConcurrentSessions int

	// Operational bounds for the in-memory map (single-process only).
	MaxEntries int
	EntryTTL   time.Duration
}

// Decision is the outcome of an acquire. When a Permit is returned it must be
// released once the request or session completes.
type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

type Permit struct {
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.release()
	p.release = nil
}

// Limiter tracks per-principal request buckets and live-session slots.
type Limiter struct {
	cfg Config

	mu     sync.Mutex
	states map[string]*principalState
}

type principalState struct {
	mu       sync.Mutex
	tokens   float64
	filledAt time.Time
	primed   bool

	sessions chan struct{}
	lastSeen time.Time
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Limiter{
		cfg:    cfg,
		states: make(map[string]*principalState),
	}
}

// PrincipalKeyFromAPIKey fingerprints an API key so raw credentials never sit
// in the limiter map.
func PrincipalKeyFromAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return "k_" + hex.EncodeToString(sum[:16])
}

// AcquireRequest applies the per-principal RPS/burst bucket to one HTTP
// request. With RPS or Burst unset the limiter admits everything.
func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	st := l.stateFor(principal, now)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if retryAfter, ok := st.takeToken(now, l.cfg.RPS, l.cfg.Burst); !ok {
			return Decision{Allowed: false, RetryAfter: retryAfter}
		}
	}
	return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
}

// AcquireSession reserves a live-session slot. The permit must be released
// when the websocket closes.
func (l *Limiter) AcquireSession(principal string, now time.Time) Decision {
	st := l.stateFor(principal, now)

	if l.cfg.MaxConcurrentSessions <= 0 {
		return Decision{Allowed: true, Permit: &Permit{release: func() {}}}
	}
	select {
	case st.sessions <- struct{}{}:
		return Decision{
			Allowed: true,
			Permit:  &Permit{release: func() { <-st.sessions }},
		}
	default:
		return Decision{Allowed: false, RetryAfter: 1}
	}
}

func (l *Limiter) stateFor(principal string, now time.Time) *principalState {
	if principal == "" {
		principal = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.states) >= l.cfg.MaxEntries {
		for key, st := range l.states {
			if now.Sub(st.lastSeen) > l.cfg.EntryTTL {
				delete(l.states, key)
			}
		}
		// Still full after expiry: evict an arbitrary entry to keep memory
		// bounded.
		if len(l.states) >= l.cfg.MaxEntries {
			for key := range l.states {
				delete(l.states, key)
				break
			}
		}
	}

	st, ok := l.states[principal]
	if !ok {
		slots := l.cfg.MaxConcurrentSessions
		if slots < 1 {
			slots = 1
		}
		st = &principalState{sessions: make(chan struct{}, slots)}
		l.states[principal] = st
	}
	st.lastSeen = now
	return st
}

// takeToken is a standard token bucket: refill at rps up to burst, spend one
// token per request, and report whole seconds until the next token when dry.
func (st *principalState) takeToken(now time.Time, rps float64, burst int) (retryAfter int, ok bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	capacity := float64(burst)
	if !st.primed {
		st.tokens = capacity
		st.filledAt = now
		st.primed = true
	}

	if elapsed := now.Sub(st.filledAt).Seconds(); elapsed > 0 {
		st.tokens = math.Min(capacity, st.tokens+elapsed*rps)
		st.filledAt = now
	}

	if st.tokens >= 1.0 {
		st.tokens -= 1.0
		return 0, true
	}

	wait := int(math.Ceil((1.0 - st.tokens) / rps))
	if wait < 1 {
		wait = 1
	}
	return wait, false
}
