// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// Log keys added by the pipeline handler when the context carries them.
const (
	LogTraceID = "trace_id"
	LogSpanID  = "span_id"
	LogNodeID  = "node_id"
	LogWorkID  = "work_id"
)

type nodeCtxKey struct{}

type nodeIDs struct {
	nodeID string
	workID string
}

// WithNode tags ctx with the node and work unit being processed. Loggers built by
// ConfigureSlog and the audit hooks read the tags back. workID may be empty.
func WithNode(ctx context.Context, nodeID, workID string) context.Context {
	return context.WithValue(ctx, nodeCtxKey{}, nodeIDs{nodeID: nodeID, workID: workID})
}

// NodeFromContext returns the node and work ids set by WithNode.
func NodeFromContext(ctx context.Context) (nodeID, workID string) {
	if ctx == nil {
		return "", ""
	}
	ids, _ := ctx.Value(nodeCtxKey{}).(nodeIDs)
	return ids.nodeID, ids.workID
}

// ConfigureSlog installs and returns the default logger. Records logged with a context
// gain trace_id, span_id, node_id and work_id unless the call already set them.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := slog.New(NewHandler(output, level, format))
	slog.SetDefault(logger)
	return logger
}

// NewHandler returns the pipeline handler over a text or json slog handler.
func NewHandler(output io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return &pipelineHandler{next: slog.NewJSONHandler(output, opts)}
	}
	return &pipelineHandler{next: slog.NewTextHandler(output, opts)}
}

type pipelineHandler struct {
	next slog.Handler
}

func (h *pipelineHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *pipelineHandler) Handle(ctx context.Context, record slog.Record) error {
	present := make(map[string]bool, 4)
	record.Attrs(func(a slog.Attr) bool {
		present[a.Key] = true
		return true
	})
	add := func(key, val string) {
		if val != "" && !present[key] {
			record.AddAttrs(slog.String(key, val))
		}
	}

	if ctx != nil {
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			add(LogTraceID, sc.TraceID().String())
			add(LogSpanID, sc.SpanID().String())
		}
		nodeID, workID := NodeFromContext(ctx)
		add(LogNodeID, nodeID)
		add(LogWorkID, workID)
	}
	return h.next.Handle(ctx, record)
}

func (h *pipelineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &pipelineHandler{next: h.next.WithAttrs(attrs)}
}

func (h *pipelineHandler) WithGroup(name string) slog.Handler {
	return &pipelineHandler{next: h.next.WithGroup(name)}
}

// parseLogLevel accepts slog level names ("debug", "WARN", "info+2") plus "warning".
// Anything else is info.
func parseLogLevel(level string) slog.Level {
	s := strings.TrimSpace(level)
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
