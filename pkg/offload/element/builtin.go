package element

import (
	"context"

	"github.com/pocket-bench/pocket/pkg/logging"
	"github.com/pocket-bench/pocket/pkg/metrics"
	"go.uber.org/zap"
)

// LoggingElement logs every dispatch at debug level and failures at warn level.
type LoggingElement struct{}

func (LoggingElement) Name() string { return "logging" }

func (LoggingElement) ProcessRequest(_ context.Context, req *Request) (*Request, error) {
	logging.Debug("Dispatching",
		zap.String("op", req.Op),
		zap.Uint64("seq", req.Seq),
		zap.Int("operands", len(req.Operands)))
	return req, nil
}

func (LoggingElement) ProcessResponse(_ context.Context, resp *Response) (*Response, error) {
	if resp.Error != nil {
		logging.Warn("Dispatch failed",
			zap.String("op", resp.Op),
			zap.Uint64("seq", resp.Seq),
			zap.String("kind", resp.Kind),
			zap.Duration("elapsed", resp.Elapsed),
			zap.Error(resp.Error))
		return resp, nil
	}
	logging.Debug("Dispatch completed",
		zap.String("op", resp.Op),
		zap.Uint64("seq", resp.Seq),
		zap.Duration("elapsed", resp.Elapsed))
	return resp, nil
}

// MetricsElement records dispatch latency and error counts.
type MetricsElement struct{}

func (MetricsElement) Name() string { return "metrics" }

func (MetricsElement) ProcessRequest(_ context.Context, req *Request) (*Request, error) {
	return req, nil
}

func (MetricsElement) ProcessResponse(_ context.Context, resp *Response) (*Response, error) {
	if resp.Error != nil {
		metrics.DispatchErrors.WithLabelValues(resp.Op, resp.Kind).Inc()
		return resp, nil
	}
	metrics.DispatchDuration.WithLabelValues(resp.Op).Observe(resp.Elapsed.Seconds())
	return resp, nil
}
