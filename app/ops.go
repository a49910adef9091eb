package app

import (
	"bytes"
	"context"

	"github.com/searchktools/rawserve/config"
	"github.com/searchktools/rawserve/core"
	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/observability"
)

// PoolsPath is the route serving engine pool statistics.
const PoolsPath = "debug/pools"

// registerOps adds the metrics and pool statistics routes.
func registerOps(cfg *config.Config, e *core.Engine, metrics *observability.Metrics) {
	if cfg.MetricsPath != "" {
		e.GET(cfg.MetricsPath, MetricsHandler(metrics))
	}
	e.GET(PoolsPath, func(context.Context, *http.Request) (http.Response, error) {
		return http.NewRawResponse([]byte(e.PoolStatsJSON()), 200, http.Header{
			"Content-Type": {"application/json"},
		}), nil
	})
}

// MetricsHandler serves the collectors in the Prometheus text format.
func MetricsHandler(metrics *observability.Metrics) func(context.Context, *http.Request) (http.Response, error) {
	return func(context.Context, *http.Request) (http.Response, error) {
		var buf bytes.Buffer
		if err := metrics.WriteText(&buf); err != nil {
			return nil, err
		}
		return http.NewRawResponse(buf.Bytes(), 200, http.Header{
			"Content-Type": {string(observability.TextFormat)},
		}), nil
	}
}
