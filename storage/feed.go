package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"opsboard/domain"
)

// Feed delivers store change notifications to per-session handlers via the
// per-owner redis channel the Store publishes on.
type Feed struct {
	redis  *redis.Client
	logger *log.Logger
}

// NewFeed creates a Feed over the given redis client.
func NewFeed(rc *redis.Client, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Feed{redis: rc, logger: logger}
}

// SubscribeChanges blocks delivering ownerID's change events to handler in
// arrival order until ctx is cancelled. Events arrive with no ordering
// guarantee relative to this client's own in-flight writes; malformed
// payloads are logged and skipped. The subscription reconnects if the
// pub/sub channel closes underneath it.
func (f *Feed) SubscribeChanges(ctx context.Context, ownerID string, handler func(domain.ChangeEvent)) error {
	for {
		sub := f.redis.Subscribe(ctx, changeChannel(ownerID))
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return nil
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				ev, err := domain.DecodeChangeEvent([]byte(msg.Payload))
				if err != nil {
					f.logger.Errorf("unable to parse change event: %v", err)
					continue
				}
				handler(ev)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return nil
		}
		f.logger.Error("change channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
