// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Limbogate Contributors

package coordinator

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/limbogate/limbogate/internal/auth"
)

// revokeChannel carries cross-instance revocation notices.
const revokeChannel = "limbogate:revocations"

// RedisNotifier publishes and subscribes to revocation notices over Redis
// pub/sub. Payload format: "<identity> <instance-id>".
type RedisNotifier struct {
	client redis.UniversalClient
}

var _ Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier wraps an existing Redis client.
func NewRedisNotifier(client redis.UniversalClient) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// PublishRevoke implements Notifier.
func (n *RedisNotifier) PublishRevoke(ctx context.Context, identity auth.Identity, newInstance string) error {
	payload := identity.String() + " " + newInstance
	if err := n.client.Publish(ctx, revokeChannel, payload).Err(); err != nil {
		return oops.Code("COORD_NOTIFY_FAILED").
			With("identity", identity.String()).
			Wrap(err)
	}
	return nil
}

// Notices implements Notifier. Malformed payloads are dropped.
func (n *RedisNotifier) Notices(ctx context.Context) (<-chan RevokeNotice, error) {
	sub := n.client.Subscribe(ctx, revokeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, oops.Code("COORD_SUBSCRIBE_FAILED").Wrap(err)
	}

	out := make(chan RevokeNotice)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				notice, ok := parseNotice(msg.Payload)
				if !ok {
					continue
				}
				select {
				case out <- notice:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func parseNotice(payload string) (RevokeNotice, bool) {
	raw, instance, ok := strings.Cut(payload, " ")
	if !ok || instance == "" {
		return RevokeNotice{}, false
	}
	identity, err := auth.ParseIdentity(raw)
	if err != nil {
		return RevokeNotice{}, false
	}
	return RevokeNotice{Identity: identity, NewInstance: instance}, true
}
