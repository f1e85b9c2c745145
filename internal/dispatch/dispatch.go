// Package dispatch resolves a logical model to a route, invokes the
// matching connector, and wraps that invocation with billing and capability
// enforcement.
package dispatch

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/xjp-router/xjp-gateway/internal/apperr"
	"github.com/xjp-router/xjp-gateway/internal/billing"
	"github.com/xjp-router/xjp-gateway/internal/connector"
	"github.com/xjp-router/xjp-gateway/internal/metrics"
	"github.com/xjp-router/xjp-gateway/internal/model"
	"github.com/xjp-router/xjp-gateway/internal/registry"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

// Dispatcher is the one place that knows how to turn a UnifiedRequest
// into an upstream call, with billing and metrics wired around it.
type Dispatcher struct {
	registry   *registry.Registry
	connectors map[registry.ProviderKind]connector.Connector
	interceptor *billing.Interceptor
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New builds a Dispatcher. connectors must contain one entry per
// registry.ProviderKind the registry can route to.
func New(reg *registry.Registry, connectors map[registry.ProviderKind]connector.Connector, interceptor *billing.Interceptor, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, connectors: connectors, interceptor: interceptor, metrics: m, logger: logger}
}

// Invoke resolves req.LogicalModel and calls the matching connector,
// without any billing or auth context. Used for the (currently none)
// unauthenticated paths and directly by tests.
func (d *Dispatcher) Invoke(ctx context.Context, req model.UnifiedRequest) (connector.Response, registry.EgressRoute, error) {
	route, err := d.registry.Resolve(req.LogicalModel)
	if err != nil {
		return connector.Response{}, registry.EgressRoute{}, apperr.Wrap(apperr.KindInvalid, "resolving model", err)
	}

	conn, ok := d.connectors[route.Provider]
	if !ok {
		return connector.Response{}, route, apperr.New(apperr.KindInternal, "no connector configured for provider "+string(route.Provider))
	}

	if err := checkCapabilities(conn.Capabilities(), req); err != nil {
		return connector.Response{}, route, err
	}

	resp, err := conn.Invoke(ctx, route, req)
	return resp, route, err
}

func checkCapabilities(caps connector.Capabilities, req model.UnifiedRequest) error {
	if req.Stream && !caps.Stream {
		return apperr.New(apperr.KindInvalid, "selected provider does not support streaming")
	}
	if len(req.Tools) > 0 && !caps.Tools {
		return apperr.New(apperr.KindInvalid, "selected provider does not support tools")
	}
	for _, m := range req.Messages {
		for _, c := range m.Content {
			switch c.Type {
			case model.ContentImageURL, model.ContentImageB64:
				if !caps.Vision {
					return apperr.New(apperr.KindInvalid, "selected provider does not support vision input")
				}
			case model.ContentVideoURL:
				if !caps.Video {
					return apperr.New(apperr.KindInvalid, "selected provider does not support video input")
				}
			}
		}
	}
	return nil
}

// InvokeWithBilling wraps Invoke with a billing.Context captured up
// front and an After() call fired once the response (streaming or not)
// is fully known, on an independent goroutine that never blocks the
// caller's own return.
func (d *Dispatcher) InvokeWithBilling(ctx context.Context, keyInfo *store.KeyInfo, req model.UnifiedRequest) (connector.Response, error) {
	route, err := d.registry.Resolve(req.LogicalModel)
	if err != nil {
		return connector.Response{}, apperr.Wrap(apperr.KindInvalid, "resolving model", err)
	}

	bc := billing.NewContext(keyInfo.TenantID, keyInfo.ID, req.LogicalModel, route)
	started := time.Now()

	resp, _, err := d.Invoke(ctx, req)
	if err != nil {
		status := http.StatusInternalServerError
		if ae, ok := err.(*apperr.Error); ok {
			status = ae.Status()
		}
		d.observe(bc.Provider, bc.LogicalModel, status, started, nil)
		go d.interceptor.After(context.WithoutCancel(ctx), bc, status, err.Error(), nil)
		return connector.Response{}, err
	}

	if resp.Chunk != nil {
		d.observe(bc.Provider, bc.LogicalModel, http.StatusOK, started, resp.Chunk.ProviderEvents)
		go d.interceptor.After(context.WithoutCancel(ctx), bc, http.StatusOK, "", resp.Chunk.ProviderEvents)
		return resp, nil
	}

	// Streaming: tee the upstream channel so the client still sees every
	// item in order, while we track the last non-nil provider_events
	// payload to bill from once the stream closes.
	if d.metrics != nil {
		d.metrics.ActiveConnections.Inc()
	}
	out := make(chan connector.StreamItem)
	go func() {
		defer close(out)
		if d.metrics != nil {
			defer d.metrics.ActiveConnections.Dec()
		}
		var lastEvents []byte
		status := http.StatusOK
		var errMsg string
	stream:
		for item := range resp.Stream {
			if item.Err != nil {
				if ae, ok := item.Err.(*apperr.Error); ok {
					status = ae.Status()
				} else {
					status = http.StatusInternalServerError
				}
				errMsg = item.Err.Error()
			}
			if item.Chunk.ProviderEvents != nil {
				lastEvents = item.Chunk.ProviderEvents
			}
			select {
			case out <- item:
			case <-ctx.Done():
				break stream
			}
		}
		d.observe(bc.Provider, bc.LogicalModel, status, started, lastEvents)
		d.interceptor.After(context.WithoutCancel(ctx), bc, status, errMsg, lastEvents)
	}()

	return connector.Response{Stream: out}, nil
}

// observe records the requests_total/request_duration_seconds/tokens_total
// collectors for one completed (or failed) call. No-op if d.metrics is nil,
// which keeps tests that don't care about metrics simple.
func (d *Dispatcher) observe(provider, logicalModel string, status int, started time.Time, providerEvents []byte) {
	if d.metrics == nil {
		return
	}
	d.metrics.RequestsTotal.WithLabelValues(provider, logicalModel, strconv.Itoa(status)).Inc()
	d.metrics.RequestDuration.WithLabelValues(provider, logicalModel).Observe(time.Since(started).Seconds())

	usage := billing.ExtractUsage(providerEvents)
	d.metrics.TokensTotal.WithLabelValues(provider, logicalModel, "prompt").Add(float64(usage.PromptTokens))
	d.metrics.TokensTotal.WithLabelValues(provider, logicalModel, "completion").Add(float64(usage.CompletionTokens))
}

// shutdownGrace bounds how long in-flight billing goroutines are given
// to finish when the process is shutting down. Not currently wired into
// a signal handler; kept here as the single source of truth for callers
// that do wire one up.
const shutdownGrace = 5 * time.Second
