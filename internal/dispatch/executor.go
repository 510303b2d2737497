package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/Aidin1998/crossqueue/internal/queue"
)

// Executor performs the work of one dispatched request on the resource. The
// returned text is delivered to the request's origin. Executors are called
// from a single goroutine per instance and never concurrently for the same
// island.
type Executor interface {
	Execute(ctx context.Context, req *queue.Request) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req *queue.Request) (string, error)

func (f ExecutorFunc) Execute(ctx context.Context, req *queue.Request) (string, error) {
	return f(ctx, req)
}

// EchoExecutor completes every request immediately without touching a
// console. It backs dry-run deployments and tests.
type EchoExecutor struct{}

func (EchoExecutor) Execute(_ context.Context, req *queue.Request) (string, error) {
	return DefaultCompletionText(req), nil
}

// DefaultCompletionText is used when an executor succeeds without text.
func DefaultCompletionText(req *queue.Request) string {
	switch req.Kind {
	case queue.KindInjection:
		p := req.Injection
		name := p.DisplayName
		if name == "" {
			name = p.Identity
		}
		return fmt.Sprintf("%s has been injected by @%s at Index %d.", name, req.Origin.Name(), p.Slot)
	default:
		what := "your order"
		if req.Order != nil && len(req.Order.Items) > 0 {
			what = strings.Join(req.Order.Items, ", ")
		}
		return fmt.Sprintf("@%s - %s has been delivered. Thanks for waiting!", req.Origin.Name(), what)
	}
}
