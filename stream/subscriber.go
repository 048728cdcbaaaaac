package stream

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"prism-board/events"
)

// SubscribeBoards listens on every boards.* channel and hands each message to
// deliver until ctx is cancelled. A closed subscription is reopened after
// retryDelay.
func SubscribeBoards(ctx context.Context, logger *log.Logger, rc *redis.Client, retryDelay time.Duration, deliver func([]byte) error) {
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	for {
		sub := rc.PSubscribe(ctx, events.ChannelPrefix+"*")
		consume(ctx, logger, sub.Channel(), deliver)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

func consume(ctx context.Context, logger *log.Logger, ch <-chan *redis.Message, deliver func([]byte) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if err := deliver([]byte(msg.Payload)); err != nil {
				logger.WithError(err).WithField("channel", msg.Channel).Warn("unable to route board event")
			}
		}
	}
}
