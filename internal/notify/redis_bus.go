package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/noetl/noetl/internal/domain"
	"github.com/noetl/noetl/internal/platform/envutil"
	"github.com/noetl/noetl/internal/platform/logger"
)

type redisBus struct {
	log        *logger.Logger
	rdb        *goredis.Client
	eventCh    string
	evaluateCh string
}

// NewRedisBus connects to NOETL_REDIS_ADDR and fans signals out over two
// pub/sub channels, one for events and one for evaluation wake-ups.
func NewRedisBus(log *logger.Logger) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(envutil.String("NOETL_REDIS_ADDR", ""))
	if addr == "" {
		return nil, fmt.Errorf("missing NOETL_REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBus{
		log:        log.With("service", "RedisBus"),
		rdb:        rdb,
		eventCh:    envutil.String("NOETL_REDIS_EVENT_CHANNEL", "noetl.events"),
		evaluateCh: envutil.String("NOETL_REDIS_EVALUATE_CHANNEL", "noetl.evaluate"),
	}, nil
}

func (b *redisBus) PublishEvent(ctx context.Context, ev *domain.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		b.log.Warn("event marshal failed", "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, b.eventCh, raw).Err(); err != nil {
		b.log.Warn("event publish failed", "error", err)
	}
}

func (b *redisBus) RequestEvaluate(ctx context.Context, executionID uuid.UUID) {
	if err := b.rdb.Publish(ctx, b.evaluateCh, executionID.String()).Err(); err != nil {
		b.log.Warn("evaluate publish failed", "execution_id", executionID, "error", err)
	}
}

func (b *redisBus) StartEventForwarder(ctx context.Context, onEvent func(ev *domain.Event)) error {
	if onEvent == nil {
		return fmt.Errorf("onEvent callback required")
	}
	return b.forward(ctx, b.eventCh, func(payload string) {
		var ev domain.Event
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			b.log.Warn("bad event payload", "error", err)
			return
		}
		onEvent(&ev)
	})
}

func (b *redisBus) StartEvaluateForwarder(ctx context.Context, onEvaluate func(executionID uuid.UUID)) error {
	if onEvaluate == nil {
		return fmt.Errorf("onEvaluate callback required")
	}
	return b.forward(ctx, b.evaluateCh, func(payload string) {
		id, err := uuid.Parse(payload)
		if err != nil {
			b.log.Warn("bad evaluate payload", "payload", payload)
			return
		}
		onEvaluate(id)
	})
}

func (b *redisBus) forward(ctx context.Context, channel string, deliver func(payload string)) error {
	sub := b.rdb.Subscribe(ctx, channel)

	// ensures subscription actually started
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				deliver(m.Payload)
			}
		}
	}()
	return nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
