package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/internal/queue"
	"github.com/Aidin1998/crossqueue/pkg/errors"
	"github.com/Aidin1998/crossqueue/pkg/metrics"
)

var tracer = otel.Tracer("dispatch")

// Run consumes the island's queues until ctx is done or Close is called.
// Each cycle dispatches one pending injection if there is one, otherwise
// the head of the trade queue. At most one request is dispatched at a time.
func (in *Instance) Run(ctx context.Context) error {
	if !in.running.CompareAndSwap(false, true) {
		return errors.Invalid.Explain("island %d is already dispatching", in.cfg.Island)
	}
	defer in.running.Store(false)

	in.logger.Info("dispatch loop started")
	defer in.logger.Info("dispatch loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		select {
		case <-in.closed:
			return nil
		default:
		}

		if req, ok := in.next(); ok {
			in.dispatch(ctx, req)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-in.closed:
			return nil
		case <-in.injections.Ready():
		case <-in.trades.Ready():
		}
	}
}

// Start runs the dispatch loop and the waiting-list sweeper in the
// background until ctx is done or Close is called.
func (in *Instance) Start(ctx context.Context) {
	in.wg.Add(2)
	go func() {
		defer in.wg.Done()
		if err := in.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			in.logger.Error("dispatch loop exited", zap.Error(err))
		}
	}()
	go func() {
		defer in.wg.Done()
		in.sweep(ctx)
	}()
}

// Close stops the background goroutines and waits for them. A request that
// is being executed is allowed to finish.
func (in *Instance) Close() {
	in.closeOnce.Do(func() {
		close(in.closed)
	})
	in.wg.Wait()
}

func (in *Instance) next() (*queue.Request, bool) {
	if req, ok := in.injections.Dequeue(); ok {
		return req, true
	}
	return in.trades.Dequeue()
}

func (in *Instance) sweep(ctx context.Context) {
	ticker := time.NewTicker(in.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-in.closed:
			return
		case <-ticker.C:
			if expired := in.waiting.Expire(); len(expired) > 0 {
				in.logger.Info("expired stale waiting entries", zap.Int("count", len(expired)))
			}
		}
	}
}

func (in *Instance) dispatch(ctx context.Context, req *queue.Request) {
	ctx, span := tracer.Start(ctx, "dispatch.Execute", trace.WithAttributes(
		attribute.Int("island", in.cfg.Island),
		attribute.String("kind", string(req.Kind)),
		attribute.String("request.id", req.ID.String()),
	))
	defer span.End()

	in.active.Store(req)
	defer in.active.Store(nil)

	in.notifier.Notify(queue.NewNotice(in.cfg.Island, req, queue.NoticeDispatched, dispatchText(req), in.clock.Now()))

	start := time.Now()
	text, err := in.execute(ctx, req)
	elapsed := time.Since(start)
	metrics.DispatchLatency.WithLabelValues(in.label, string(req.Kind)).Observe(elapsed.Seconds())

	in.statsMu.Lock()
	in.stats.busy += elapsed
	if err != nil {
		in.stats.failed++
	} else {
		in.stats.completed++
	}
	in.statsMu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errors.Message(err))
		text = fmt.Sprintf("@%s - %s", req.Origin.Name(), errors.Message(err))
		if req.Fail(text) {
			in.notifier.Notify(queue.NewNotice(in.cfg.Island, req, queue.NoticeFailed, text, in.clock.Now()))
		}
		in.logger.Warn("request failed",
			zap.Stringer("request", req.ID),
			zap.String("kind", string(req.Kind)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return
	}

	if text == "" {
		text = DefaultCompletionText(req)
	}
	if req.Complete(text) {
		in.notifier.Notify(queue.NewNotice(in.cfg.Island, req, queue.NoticeCompleted, text, in.clock.Now()))
	}
	in.logger.Info("request completed",
		zap.Stringer("request", req.ID),
		zap.String("kind", string(req.Kind)),
		zap.Duration("elapsed", elapsed))
}

// execute runs the executor under the per-request timeout. Panics are
// converted to ExecutionFailure so the loop survives.
func (in *Instance) execute(ctx context.Context, req *queue.Request) (text string, err error) {
	ctx, cancel := context.WithTimeout(ctx, in.cfg.ExecTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			in.logger.Error("executor panicked", zap.Stringer("request", req.ID), zap.Any("panic", r), zap.Stack("stack"))
			text, err = "", errors.ExecutionFailure.Explain("the bot ran into an internal error, please try again")
		}
	}()

	text, err = in.executor.Execute(ctx, req)
	if err != nil && errors.KindOf(err) == "" {
		err = errors.ExecutionFailure.Explain("%s", err.Error()).Wrap(err)
	}
	return text, err
}

func dispatchText(req *queue.Request) string {
	if req.Kind == queue.KindInjection {
		p := req.Injection
		name := p.DisplayName
		if name == "" {
			name = p.Identity
		}
		return fmt.Sprintf("Injecting %s at Index %d.", name, p.Slot)
	}
	return fmt.Sprintf("@%s - your order is being prepared now.", req.Origin.Name())
}
