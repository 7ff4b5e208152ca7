package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gcdistribution/portal/internal/config"
	"github.com/gcdistribution/portal/internal/logging"
)

const maxLoginBlock = 24 * time.Hour

// loginAttempts is the throttle state of one login name from one address.
type loginAttempts struct {
	recent       []time.Time // admitted attempts inside the window, oldest first
	failures     int         // wrong passwords since the last block or success
	blocks       int         // blocks imposed since the last success
	blockedUntil time.Time
}

// loginThrottle limits password guessing. Each login name is throttled per
// client address, so a user locked out on one machine can still sign in from
// another, and guesses against one account do not lock out the rest of the
// office behind the same NAT.
type loginThrottle struct {
	limits config.LoginRateLimit
	now    func() time.Time
	log    *logging.Logger

	mu       sync.Mutex
	accounts map[string]*loginAttempts
}

// loginDecision is the outcome of admitting one login attempt.
type loginDecision struct {
	allowed    bool
	blocked    bool // refused because of repeated wrong passwords
	retryAfter time.Duration
}

// retryAfterSeconds rounds the wait up to whole seconds for the Retry-After
// header.
func (d loginDecision) retryAfterSeconds() int {
	secs := int((d.retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func newLoginThrottle(limits config.LoginRateLimit, log *logging.Logger) *loginThrottle {
	defaults := config.DefaultLoginRateLimit()
	if limits.MaxAttempts <= 0 {
		limits.MaxAttempts = defaults.MaxAttempts
	}
	if limits.Window <= 0 {
		limits.Window = defaults.Window
	}
	if limits.BlockAfter <= 0 {
		limits.BlockAfter = defaults.BlockAfter
	}
	if limits.BlockTime <= 0 {
		limits.BlockTime = defaults.BlockTime
	}
	if log == nil {
		log = logging.Discard()
	}
	return &loginThrottle{
		limits:   limits,
		now:      time.Now,
		log:      log,
		accounts: make(map[string]*loginAttempts),
	}
}

// throttleKey pairs a case-folded login name with the client address.
func throttleKey(login, ip string) string {
	return strings.ToLower(strings.TrimSpace(login)) + "|" + ip
}

// admit decides whether an attempt for key may check a password, and counts
// it when it may.
func (t *loginThrottle) admit(key string) loginDecision {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	a := t.accounts[key]
	if a == nil {
		a = &loginAttempts{}
		t.accounts[key] = a
	}

	if now.Before(a.blockedUntil) {
		return loginDecision{blocked: true, retryAfter: a.blockedUntil.Sub(now)}
	}

	a.recent = trimBefore(a.recent, now.Add(-t.limits.Window))
	if len(a.recent) >= t.limits.MaxAttempts {
		return loginDecision{retryAfter: a.recent[0].Add(t.limits.Window).Sub(now)}
	}

	a.recent = append(a.recent, now)
	return loginDecision{allowed: true}
}

// failed counts a wrong password for key, blocking it once BlockAfter
// failures accumulate. Each block doubles the previous one, capped at a day.
func (t *loginThrottle) failed(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	a := t.accounts[key]
	if a == nil {
		a = &loginAttempts{}
		t.accounts[key] = a
	}
	a.failures++
	if a.failures < t.limits.BlockAfter {
		return
	}

	a.failures = 0
	a.blocks++
	d := t.limits.BlockTime
	for i := 1; i < a.blocks && d < maxLoginBlock; i++ {
		d *= 2
	}
	if d > maxLoginBlock {
		d = maxLoginBlock
	}
	a.blockedUntil = t.now().Add(d)
	t.log.Warn("login blocked", "key", key, "blocks", a.blocks, "duration", d)
}

// succeeded forgets the failure history of key. The attempt window is kept,
// so a correct password does not reset the attempt budget.
func (t *loginThrottle) succeeded(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if a := t.accounts[key]; a != nil {
		a.failures = 0
		a.blocks = 0
		a.blockedUntil = time.Time{}
	}
}

// prune drops state that no longer affects any decision.
func (t *loginThrottle) prune() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, a := range t.accounts {
		a.recent = trimBefore(a.recent, now.Add(-t.limits.Window))
		if len(a.recent) == 0 && a.failures == 0 && !now.Before(a.blockedUntil) {
			delete(t.accounts, key)
		}
	}
}

// size reports how many login/address pairs are tracked.
func (t *loginThrottle) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.accounts)
}

// trimBefore drops the timestamps not after cutoff from the sorted slice ts.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

// extractIP returns the client address, preferring the first hop of
// X-Forwarded-For, then X-Real-IP, then the connection's remote address.
func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		client, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(client)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
