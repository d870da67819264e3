package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pouchlab/pouchpulse/internal/adapter/metrics"
	"github.com/pouchlab/pouchpulse/internal/domain"
)

const (
	alertQueueKey  = "pouchpulse:alerts:queue"
	alertKeyPrefix = "pouchpulse:alert:"

	// Payloads outlive the queue entry slightly so a dispatcher crash
	// between ZREM and delivery cannot strand an unreadable entry.
	alertPayloadTTL = 24 * time.Hour
)

func alertKey(id uuid.UUID) string {
	return alertKeyPrefix + id.String()
}

// Notifier keeps pending threshold alerts in a Redis sorted set scored
// by fire time. Scheduling the same alert ID again moves it rather
// than duplicating it, which is what replanning relies on.
type Notifier struct {
	rdb *goredis.Client
}

func NewNotifier(rdb *goredis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

func (n *Notifier) Schedule(ctx context.Context, alert domain.Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	pipe := n.rdb.TxPipeline()
	pipe.Set(ctx, alertKey(alert.ID), payload, alertPayloadTTL)
	pipe.ZAdd(ctx, alertQueueKey, goredis.Z{
		Score:  float64(alert.FireAt.UnixMilli()),
		Member: alert.ID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule alert: %w", err)
	}
	return nil
}

func (n *Notifier) Cancel(ctx context.Context, id uuid.UUID) error {
	pipe := n.rdb.TxPipeline()
	pipe.ZRem(ctx, alertQueueKey, id.String())
	pipe.Del(ctx, alertKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cancel alert: %w", err)
	}
	return nil
}

// due pops every alert whose fire time has passed and returns its
// payload. Entries with missing payloads are discarded.
func (n *Notifier) due(ctx context.Context, now time.Time) ([]domain.Alert, error) {
	ids, err := n.rdb.ZRangeByScore(ctx, alertQueueKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due alerts: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	var alerts []domain.Alert
	for _, id := range ids {
		// Remove first so two dispatchers cannot both deliver.
		removed, err := n.rdb.ZRem(ctx, alertQueueKey, id).Result()
		if err != nil {
			return alerts, fmt.Errorf("failed to pop alert: %w", err)
		}
		if removed == 0 {
			continue
		}

		payload, err := n.rdb.GetDel(ctx, alertKeyPrefix+id).Result()
		if err == goredis.Nil {
			continue
		}
		if err != nil {
			return alerts, fmt.Errorf("failed to read alert payload: %w", err)
		}

		var alert domain.Alert
		if err := json.Unmarshal([]byte(payload), &alert); err != nil {
			slog.Warn("Discarding undecodable alert payload", "alert_id", id, "error", err)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}

// AlertSink receives alerts when they reach their fire time.
type AlertSink interface {
	Notify(ctx context.Context, alert domain.Alert)
}

// Dispatcher polls the alert queue and hands due alerts to the sink.
type Dispatcher struct {
	notifier *Notifier
	sink     AlertSink
	clock    clockwork.Clock
	interval time.Duration
}

func NewDispatcher(notifier *Notifier, sink AlertSink, clock clockwork.Clock, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Dispatcher{notifier: notifier, sink: sink, clock: clock, interval: interval}
}

// Run polls until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := d.clock.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			d.dispatchDue(ctx)
		}
	}
}

func (d *Dispatcher) dispatchDue(ctx context.Context) {
	alerts, err := d.notifier.due(ctx, d.clock.Now())
	if err != nil {
		slog.Warn("Alert dispatch poll failed", "error", err)
		return
	}
	for _, alert := range alerts {
		d.sink.Notify(ctx, alert)
		metrics.AlertsDelivered.Inc()
	}
}
