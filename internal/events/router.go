// Package events routes decoded frames to domain handlers with two-tier
// O(1) dispatch: exact type match first, then the substring before the
// first dot against a prefix table.
package events

import (
	"context"
	"log/slog"
	"strings"

	"github.com/basket/streamsync/internal/otel"
)

// Handler processes one routed frame.
type Handler func(Frame)

// Router dispatches frames. Diagnostic frame shapes are logged and dropped
// before table lookup; unmatched frames fall to the default handler.
type Router struct {
	exact    map[string]Handler
	prefix   map[string]Handler
	fallback Handler
	logger   *slog.Logger
	metrics  *otel.Metrics
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger, metrics *otel.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		exact:   make(map[string]Handler),
		prefix:  make(map[string]Handler),
		logger:  logger,
		metrics: metrics,
	}
	r.fallback = func(f Frame) {
		r.logger.Debug("unrouted frame", "type", f.Type)
	}
	return r
}

// RegisterExact binds a handler to a full frame type.
func (r *Router) RegisterExact(frameType string, fn Handler) {
	r.exact[frameType] = fn
}

// RegisterPrefix binds a handler to the namespace before the first dot.
func (r *Router) RegisterPrefix(prefix string, fn Handler) {
	r.prefix[prefix] = fn
}

// SetDefault replaces the fallback handler.
func (r *Router) SetDefault(fn Handler) {
	r.fallback = fn
}

// Dispatch routes one frame.
func (r *Router) Dispatch(f Frame) {
	if f.Entity == "ServiceMetrics" {
		r.logger.Debug("service metrics frame dropped", "type", f.Type)
		r.dropped()
		return
	}
	if f.RepoName != "" {
		r.logger.Debug("preview frame dropped", "type", f.Type, "repo_name", f.RepoName)
		r.dropped()
		return
	}

	// AGENT_RESPONSE wrapper frames carry the dotted name in their payload;
	// EventName falls back to the frame type for flat frames.
	name := f.EventName()
	if fn, ok := r.exact[name]; ok {
		fn(f)
		r.routed()
		return
	}
	if dot := strings.IndexByte(name, '.'); dot > 0 {
		if fn, ok := r.prefix[name[:dot]]; ok {
			fn(f)
			r.routed()
			return
		}
	}
	r.fallback(f)
	r.dropped()
}

func (r *Router) routed() {
	if r.metrics != nil {
		r.metrics.EventsRouted.Add(context.Background(), 1)
	}
}

func (r *Router) dropped() {
	if r.metrics != nil {
		r.metrics.EventsDropped.Add(context.Background(), 1)
	}
}
