package ws

import (
	"context"

	valkey "github.com/valkey-io/valkey-go"
)

// ChannelPrefix namespaces session channels on the shared server.
const ChannelPrefix = "framerate:session:"

// ValkeyRelay is a Relay over Valkey pub/sub. The client multiplexes every
// subscription onto its single pub/sub connection.
type ValkeyRelay struct {
	c valkey.Client
}

// NewValkeyRelay wraps c, usually the same client as the store.
func NewValkeyRelay(c valkey.Client) *ValkeyRelay {
	return &ValkeyRelay{c: c}
}

func (r *ValkeyRelay) Publish(ctx context.Context, code string, payload []byte) error {
	return r.c.Do(ctx, r.c.B().Publish().Channel(ChannelPrefix+code).Message(string(payload)).Build()).Error()
}

// Listen subscribes to code's channel until ctx is done, then unsubscribes.
func (r *ValkeyRelay) Listen(ctx context.Context, code string, deliver func(payload []byte)) error {
	channel := ChannelPrefix + code
	err := r.c.Receive(ctx, r.c.B().Subscribe().Channel(channel).Build(), func(msg valkey.PubSubMessage) {
		deliver([]byte(msg.Message))
	})
	if ctx.Err() != nil {
		_ = r.c.Do(context.Background(), r.c.B().Unsubscribe().Channel(channel).Build()).Error()
		return ctx.Err()
	}
	return err
}
