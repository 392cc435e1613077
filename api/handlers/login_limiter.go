package handlers

import (
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kkwann/midoproject2/api/metrics"
	"golang.org/x/time/rate"
)

var ErrTooManyAttempts = errors.New("too many login attempts")

type LoginLimiterConfig struct {
	// Rate is how fast a client earns new attempts.
	Rate rate.Limit
	// Burst is how many attempts a client may make back to back.
	Burst int
	// IdleTTL is how long a client is remembered after its last attempt.
	IdleTTL time.Duration
	Clock   clockwork.Clock
}

func (cfg *LoginLimiterConfig) Validate() error {
	if cfg.Rate == 0 {
		cfg.Rate = rate.Every(time.Minute / 10)
	}
	if cfg.Rate < 0 {
		return errors.New("rate must not be negative")
	}
	if cfg.Burst == 0 {
		cfg.Burst = 5
	}
	if cfg.Burst < 0 {
		return errors.New("burst must not be negative")
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// LoginLimiter throttles login attempts per client IP. Idle clients are
// forgotten on a later attempt once IdleTTL has passed.
type LoginLimiter struct {
	cfg LoginLimiterConfig

	mu        sync.Mutex
	clients   map[string]*loginClient
	lastSweep time.Time
}

type loginClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewLoginLimiter(cfg LoginLimiterConfig) (*LoginLimiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate login limiter config: %w", err)
	}
	return &LoginLimiter{
		cfg:       cfg,
		clients:   make(map[string]*loginClient),
		lastSweep: cfg.Clock.Now(),
	}, nil
}

// Attempt takes one login attempt for ip. When none is left it returns
// false and how long until the next one.
func (l *LoginLimiter) Attempt(ip string) (bool, time.Duration) {
	now := l.cfg.Clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= l.cfg.IdleTTL {
		for key, c := range l.clients {
			if now.Sub(c.lastSeen) >= l.cfg.IdleTTL {
				delete(l.clients, key)
			}
		}
		l.lastSweep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &loginClient{limiter: rate.NewLimiter(l.cfg.Rate, l.cfg.Burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now

	res := c.limiter.ReserveN(now, 1)
	if !res.OK() {
		return false, l.cfg.IdleTTL
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Len reports how many clients are remembered.
func (l *LoginLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// limitLogin rejects login requests from clients that ran out of attempts.
func (s *Server) limitLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := s.cfg.LoginLimiter.Attempt(clientIP(r))
		if !ok {
			metrics.RecordLogin("throttled")
			seconds := int(math.Ceil(retryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
			s.writeError(w, r, ErrTooManyAttempts)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP returns the client address without its port. Behind chi's
// RealIP middleware this is the forwarded client address.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
