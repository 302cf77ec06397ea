package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SubscribeQueueEvents acquires a dedicated connection, LISTENs on the queue
// channel and streams notification payloads (job ids) until the context is
// cancelled. Dispatchers use this to wake without polling; the channel is
// advisory, a missed notification only delays work to the next poll tick.
func SubscribeQueueEvents(ctx context.Context, pool *pgxpool.Pool, channel string) (<-chan string, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=queue.listen: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgxIdent(channel)); err != nil {
		conn.Release()
		return nil, fmt.Errorf("op=queue.listen: %w", err)
	}

	ch := make(chan string, 16)
	go func() {
		defer close(ch)
		defer conn.Release()
		defer func() {
			_, _ = conn.Exec(context.Background(), "UNLISTEN "+pgxIdent(channel))
		}()
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.WarnContext(ctx, "queue notification wait failed", "error", err)
				continue
			}
			select {
			case ch <- n.Payload:
			default:
				// Dispatcher is draining already; dropping is safe.
			}
		}
	}()
	return ch, nil
}

// pgxIdent quotes a channel name as a SQL identifier. LISTEN takes an
// identifier, not a bind parameter.
func pgxIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
