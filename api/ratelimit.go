package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/chatguard/internal/util"
)

// backoffLimits configure a backoffLimiter.
type backoffLimits struct {
	// maxFailures is the number of consecutive failures before lockout.
	maxFailures int
	baseLockout time.Duration
	maxLockout  time.Duration
	// expiry is how long after the last failure a record is forgotten.
	expiry time.Duration
}

var (
	accountLimits = backoffLimits{
		maxFailures: 5,
		baseLockout: 1 * time.Minute,
		maxLockout:  15 * time.Minute,
		expiry:      1 * time.Hour,
	}
	ipLimits = backoffLimits{
		maxFailures: 20,
		baseLockout: 1 * time.Minute,
		maxLockout:  30 * time.Minute,
		expiry:      1 * time.Hour,
	}
	// Every registration counts, not just failures: each one encrypts and
	// calls upstream twice.
	registrationIPLimits = backoffLimits{
		maxFailures: 5,
		baseLockout: 5 * time.Minute,
		maxLockout:  1 * time.Hour,
		expiry:      1 * time.Hour,
	}
)

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

// backoffLimiter locks a key out with exponential backoff once it
// accumulates maxFailures.
type backoffLimiter struct {
	limits   backoffLimits
	now      func() time.Time
	mu       sync.Mutex
	attempts map[string]*attemptRecord
}

func newBackoffLimiter(limits backoffLimits) *backoffLimiter {
	return &backoffLimiter{
		limits:   limits,
		now:      time.Now,
		attempts: make(map[string]*attemptRecord),
	}
}

// check reports whether key is locked out and for how long.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > rl.limits.expiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure counts a failure and extends the lockout:
// baseLockout * 2^(failures - maxFailures), capped at maxLockout.
func (rl *backoffLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.limits.maxFailures {
		lockout := rl.limits.baseLockout
		for range rec.failures - rl.limits.maxFailures {
			lockout *= 2
			if lockout >= rl.limits.maxLockout {
				lockout = rl.limits.maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

func (rl *backoffLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep drops expired records.
func (rl *backoffLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > rl.limits.expiry {
			delete(rl.attempts, key)
		}
	}
}

// windowLimits configure a windowLimiter.
type windowLimits struct {
	window  time.Duration
	max     int
	lockout time.Duration
}

var (
	globalLimits       = windowLimits{window: 1 * time.Minute, max: 100, lockout: 5 * time.Minute}
	registrationLimits = windowLimits{window: 1 * time.Minute, max: 50, lockout: 5 * time.Minute}
)

// windowLimiter locks everyone out for a while once max events land within
// a sliding window.
type windowLimiter struct {
	limits      windowLimits
	now         func() time.Time
	mu          sync.Mutex
	events      []time.Time
	lockedUntil time.Time
}

func newWindowLimiter(limits windowLimits) *windowLimiter {
	return &windowLimiter{limits: limits, now: time.Now}
}

func (rl *windowLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *windowLimiter) record() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.events = trimWindow(append(rl.events, now), now, rl.limits.window)
	if len(rl.events) >= rl.limits.max {
		rl.lockedUntil = now.Add(rl.limits.lockout)
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "Too many attempts. Please try again later.")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// accountKey is the rate-limit and audit identifier for an email address: a
// SHA-256 of its normalized form, so limiter state never holds addresses.
func accountKey(email string) string {
	email = util.NormalizeEmail(email)
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:16])
}

func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Forwarding headers are honored only when RemoteAddr falls within one of
// trustedProxies; with none configured RemoteAddr is always used. Priority:
// X-Forwarded-For, then Forwarded "for=", then X-Real-IP.
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(r.RemoteAddr)
	if !peerTrusted(remoteIP, trustedProxies) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		for part := range strings.SplitSeq(xff, ",") {
			if ip, ok := parseIPCandidate(part); ok {
				return ip
			}
		}
	}
	if fwd := strings.TrimSpace(r.Header.Get("Forwarded")); fwd != "" {
		for elem := range strings.SplitSeq(fwd, ",") {
			for param := range strings.SplitSeq(elem, ";") {
				param = strings.TrimSpace(param)
				if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
					continue
				}
				if ip, ok := parseIPCandidate(param[4:]); ok {
					return ip
				}
			}
		}
	}
	if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
		return ip
	}
	return remoteIP
}

func peerTrusted(remoteIP string, trustedProxies []netip.Prefix) bool {
	if len(trustedProxies) == 0 || remoteIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.Unmap().String(), true
	}
	return "", false
}

// SweepRateLimits drops expired limiter records every interval until ctx
// ends.
func (a *API) SweepRateLimits(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.accountLimiter.sweep()
			a.ipLimiter.sweep()
			a.regIPLimiter.sweep()
		}
	}
}
