package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/njoerd114/remotesync/internal/model"
)

// Hooks are instrumentation listeners. Every field is optional. Listeners are
// called synchronously; a panicking listener is logged and otherwise ignored.
type Hooks struct {
	BeforeFetch       func(ctx context.Context, collection string, req model.FetchRequest)
	AfterFetch        func(ctx context.Context, collection string, count int)
	WatermarkAdvanced func(ctx context.Context, collection string, scope model.Scope, t time.Time)
}

type notifier struct {
	hooks []Hooks
	log   *slog.Logger
}

func (n *notifier) beforeFetch(ctx context.Context, collection string, req model.FetchRequest) {
	for _, h := range n.hooks {
		if h.BeforeFetch != nil {
			n.safely("before_fetch", func() { h.BeforeFetch(ctx, collection, req) })
		}
	}
}

func (n *notifier) afterFetch(ctx context.Context, collection string, count int) {
	for _, h := range n.hooks {
		if h.AfterFetch != nil {
			n.safely("after_fetch", func() { h.AfterFetch(ctx, collection, count) })
		}
	}
}

func (n *notifier) watermarkAdvanced(ctx context.Context, collection string, scope model.Scope, t time.Time) {
	for _, h := range n.hooks {
		if h.WatermarkAdvanced != nil {
			n.safely("watermark_advanced", func() { h.WatermarkAdvanced(ctx, collection, scope, t) })
		}
	}
}

func (n *notifier) safely(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("sync hook panicked", "event", event, "panic", r)
		}
	}()
	fn()
}
