package store

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// backoff bounds retries of writes that hit lock contention. The recorder
// writes on every frontier tick while `cw frontiers` may read the same file;
// busy_timeout absorbs most SQLITE_BUSY, the rest land here.
type backoff struct {
	attempts int
	base     time.Duration
	max      time.Duration
}

var writeBackoff = backoff{
	attempts: 3,
	base:     50 * time.Millisecond,
	max:      500 * time.Millisecond,
}

// contention lists message fragments of lock errors that reach us without
// a typed sqlite error, e.g. after a driver wraps them in a string.
var contention = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"IOERR_SHORT_READ",
	"database is locked",
	"database table is locked",
	"(5)",
	"(6)",
	"(522)",
}

// isContention reports whether retrying err may succeed.
func isContention(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		if code == sqlite3.SQLITE_IOERR_SHORT_READ || code&0xff == sqlite3.SQLITE_BUSY || code&0xff == sqlite3.SQLITE_LOCKED {
			return true
		}
	}
	msg := err.Error()
	for _, frag := range contention {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}

// retryOp runs fn until it succeeds, fails with a non-contention error,
// runs out of attempts, or ctx ends.
func retryOp(ctx context.Context, b backoff, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isContention(err) || attempt == b.attempts {
			return err
		}
		t := time.NewTimer(b.delay(attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return err
		}
	}
}

// delay is base*2^attempt capped at max, plus up to base of jitter.
func (b backoff) delay(attempt int) time.Duration {
	d := min(b.base<<uint(attempt), b.max)
	return d + time.Duration(rand.Int64N(int64(b.base)))
}
