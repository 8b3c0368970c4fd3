package bot

import (
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

func (b *Bot) withRecovery(handler func()) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.IncPanic()
			b.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic in update handler")
		}
	}()
	handler()
}

type userLimit struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userLimiter allows each user `messages` updates per `window` with bursts of
// the same size.
type userLimiter struct {
	mu        sync.Mutex
	users     map[int64]*userLimit
	limit     rate.Limit
	burst     int
	window    time.Duration
	lastPrune time.Time
	now       func() time.Time
}

func newUserLimiter(messages int, window time.Duration) *userLimiter {
	if messages <= 0 || window <= 0 {
		return nil
	}
	return &userLimiter{
		users:  make(map[int64]*userLimit),
		limit:  rate.Every(window / time.Duration(messages)),
		burst:  messages,
		window: window,
		now:    time.Now,
	}
}

// Allow reports whether userID may send one more update. A nil limiter allows everything.
func (l *userLimiter) Allow(userID int64) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastPrune) > l.window {
		l.prune(now)
	}

	u, ok := l.users[userID]
	if !ok {
		u = &userLimit{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.users[userID] = u
	}
	u.lastSeen = now
	return u.limiter.AllowN(now, 1)
}

// prune drops users idle for two windows; their buckets are full again by then.
func (l *userLimiter) prune(now time.Time) {
	for id, u := range l.users {
		if now.Sub(u.lastSeen) > 2*l.window {
			delete(l.users, id)
		}
	}
	l.lastPrune = now
}

func (l *userLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
