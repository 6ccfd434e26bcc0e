package ghclient

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	intobs "github.com/fairyhunter13/repowatch/internal/observability"
)

// redisMirror publishes the client's quota view to Redis so a second
// process (e.g. a concurrently-running worker) can read the last-known
// remaining/reset for a class without issuing a wasted call of its own.
// This is read-only convenience state, not a source of truth: a fresh
// Client always trusts the next response's headers over whatever is in
// Redis. Grounded on the teacher's
// internal/service/ratelimiter.RedisLuaLimiter, which mirrors its local
// token-bucket state to Postgres on every Allow() so a cold-started
// process can rehydrate instead of starting blind — the same idea,
// applied to this client's simpler remaining/reset pair instead of a
// token bucket, and to Redis instead of Postgres since there is no
// Postgres-side table for it in §6's schema.
type redisMirror struct {
	rdb *redis.Client
}

const redisMirrorKeyPrefix = "repowatch:ghclient:quota:"

func newRedisMirror(addr string) *redisMirror {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		// Fall back to treating the value as a bare host:port; invalid
		// values surface as connection errors on first use instead of at
		// startup, matching the "fails open" posture of the mirror it's
		// grounded on.
		opts = &redis.Options{Addr: addr}
	}
	return &redisMirror{rdb: redis.NewClient(opts)}
}

// store best-effort mirrors one class's quota view. Errors are logged, not
// returned: the mirror is an optimization, never a dependency for
// correctness (RateClient's own in-memory trackers remain authoritative).
func (m *redisMirror) store(cl string, remaining int, reset time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := m.rdb.HSet(ctx, redisMirrorKeyPrefix+cl,
		"remaining", strconv.Itoa(remaining),
		"reset", strconv.FormatInt(reset.Unix(), 10),
	).Err()
	if err != nil {
		intobs.LoggerFromContext(ctx).Warn("ghclient: redis quota mirror write failed",
			slog.String("class", cl), slog.String("error", err.Error()))
	}
}

// peek reads the last-mirrored quota view for a class, used only by tests
// and diagnostics; RateClient itself never reads it back into its own
// trackers (§9: local counters are authoritative for the pre-call guard).
func (m *redisMirror) peek(ctx context.Context, cl string) (remaining int, reset time.Time, ok bool) {
	res, err := m.rdb.HGetAll(ctx, redisMirrorKeyPrefix+cl).Result()
	if err != nil || len(res) == 0 {
		return 0, time.Time{}, false
	}
	r, err := strconv.Atoi(res["remaining"])
	if err != nil {
		return 0, time.Time{}, false
	}
	epoch, err := strconv.ParseInt(res["reset"], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	return r, time.Unix(epoch, 0), true
}

func (m *redisMirror) close() error {
	return m.rdb.Close()
}
