package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/pouchlab/pouchpulse/internal/domain"
)

const changeChannel = "pouchpulse:changes"

// ChangeFeed replicates session change hints across devices via Redis
// Pub/Sub. Messages are hints only; subscribers re-read the ledger, so
// a dropped message costs nothing but reconciliation latency.
type ChangeFeed struct {
	rdb *goredis.Client
}

func NewChangeFeed(rdb *goredis.Client) *ChangeFeed {
	return &ChangeFeed{rdb: rdb}
}

func (f *ChangeFeed) Publish(ctx context.Context, c domain.Change) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := f.rdb.Publish(ctx, changeChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Subscribe starts a goroutine that decodes incoming changes until ctx
// is cancelled. Slow receivers drop messages rather than block the
// Pub/Sub reader.
func (f *ChangeFeed) Subscribe(ctx context.Context) (<-chan domain.Change, error) {
	sub := f.rdb.Subscribe(ctx, changeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to change channel: %w", err)
	}

	ch := make(chan domain.Change, 16)
	go func() {
		defer close(ch)
		defer func() { _ = sub.Close() }()

		msgCh := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var change domain.Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					slog.Warn("Failed to unmarshal change message", "error", err)
					continue
				}
				select {
				case ch <- change:
				default:
					// Drop if receiver is slow
				}
			}
		}
	}()

	return ch, nil
}
