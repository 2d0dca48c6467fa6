// Package requestctx carries the per-request logger and trace metadata.
package requestctx

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"
)

type loggerKey struct{}

type traceKey struct{}

var nop = zap.NewNop()

// TraceInfo identifies the span serving a request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// Resource is the Cloud Logging trace field value, empty without a project.
func (t TraceInfo) Resource() string {
	if t.ProjectID == "" || t.TraceID == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/traces/%s", t.ProjectID, t.TraceID)
}

// CloudTraceHeader renders X-Cloud-Trace-Context. The span id is decimal.
func (t TraceInfo) CloudTraceHeader() string {
	if t.TraceID == "" || t.SpanID == "" {
		return ""
	}
	span, err := strconv.ParseUint(t.SpanID, 16, 64)
	if err != nil {
		return ""
	}
	sampled := 0
	if t.Sampled {
		sampled = 1
	}
	return fmt.Sprintf("%s/%d;o=%d", t.TraceID, span, sampled)
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger never returns nil.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return nop
}

// NoopLogger is what Logger returns when nothing was stored.
func NoopLogger() *zap.Logger { return nop }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(ctx, traceKey{}, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey{}).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}
