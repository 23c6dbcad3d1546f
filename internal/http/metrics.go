package http

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/fixloop/internal/logging"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/fixloop/internal/http"

// unmatchedRoute labels requests no route matched, keeping scanner noise
// out of the route attribute.
const unmatchedRoute = "unmatched"

// requestMetrics instruments the status server.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// newRequestMetrics creates the instruments on meter, or on the global
// meter provider when meter is nil. Instruments that fail to register are
// left nil and skipped.
func newRequestMetrics(meter metric.Meter, logger *logging.Logger) *requestMetrics {
	if meter == nil {
		meter = otel.Meter(httpInstrumentationName)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	m := &requestMetrics{}
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn(context.Background(), "failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	var err error
	m.requests, err = meter.Int64Counter(
		"fixloop.http.requests",
		metric.WithDescription("Status server requests by method, route and status class"),
		metric.WithUnit("{request}"),
	)
	warn("requests", err)

	m.duration, err = meter.Float64Histogram(
		"fixloop.http.request.duration",
		metric.WithDescription("Status server request duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
	)
	warn("request.duration", err)

	m.inFlight, err = meter.Int64UpDownCounter(
		"fixloop.http.requests.in_flight",
		metric.WithDescription("Status server requests being served"),
		metric.WithUnit("{request}"),
	)
	warn("requests.in_flight", err)

	return m
}

// middleware records every request once it has been handled.
func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			status := c.Response().Status
			var he *echo.HTTPError
			if errors.As(err, &he) && !c.Response().Committed {
				status = he.Code
			}
			route := c.Path()
			if route == "" || errors.Is(err, echo.ErrNotFound) {
				route = unmatchedRoute
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.String("status_class", statusClass(status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// statusClass maps 404 to "4xx" and so on.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return fmt.Sprintf("%dxx", status/100)
}
