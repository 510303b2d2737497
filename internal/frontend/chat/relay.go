package chat

import (
	"context"

	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/notify"
	"github.com/Aidin1998/crossqueue/internal/queue"
)

// Sender delivers replies on a chat platform.
type Sender interface {
	Send(ctx context.Context, out Outgoing) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, out Outgoing) error

func (f SenderFunc) Send(ctx context.Context, out Outgoing) error { return f(ctx, out) }

// Async reports whether a notice type is delivered by the relay. The other
// types are answered directly by the command that caused them.
func Async(t queue.NoticeType) bool {
	switch t {
	case queue.NoticeDispatched, queue.NoticeCompleted, queue.NoticeFailed,
		queue.NoticeEvicted, queue.NoticeExpired, queue.NoticeCleared:
		return true
	default:
		return false
	}
}

// Relay forwards asynchronous notices from sub to the channel each request
// came from, until ctx is done or the subscription closes.
func (i *Interpreter) Relay(ctx context.Context, sub *notify.Subscription, sender Sender) {
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-sub.C():
			if !ok {
				return
			}
			if !Async(n.Type) || n.Island != i.cfg.Island {
				continue
			}
			out := Outgoing{Dest: ToChannel, Channel: n.Origin.Channel, Text: i.sanitize(n.Text)}
			if err := sender.Send(ctx, out); err != nil {
				i.logger.Warn("failed to relay notice",
					zap.String("notice_id", n.ID),
					zap.String("channel", n.Origin.Channel),
					zap.Error(err))
			}
		}
	}
}
