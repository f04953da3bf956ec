package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keithlinneman/catalogweb/internal/xerrors"
)

// DefaultPingTimeout bounds a ping so a hung backend cannot stall the probe request.
const DefaultPingTimeout = 500 * time.Millisecond

// Redis is the shared rate limit store as a readiness dependency. It fails
// when PING errors or takes longer than timeout.
func Redis(rdb redis.Cmdable, timeout time.Duration) Dependency {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	return Dependency{Name: "redis", Probe: CheckFunc(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return xerrors.Wrap(err, "ping")
		}
		return nil
	})}
}
