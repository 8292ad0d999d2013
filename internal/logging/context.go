package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type tenantCtxKey struct{}
type workspaceCtxKey struct{}
type taskCtxKey struct{}

// WithTenant attaches a tenant ID to the context for log correlation.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantCtxKey{}, tenantID)
}

// WithWorkspace attaches a workspace ID to the context.
func WithWorkspace(ctx context.Context, workspaceID string) context.Context {
	if workspaceID == "" {
		return ctx
	}
	return context.WithValue(ctx, workspaceCtxKey{}, workspaceID)
}

// WithTask attaches a task ID to the context.
func WithTask(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskCtxKey{}, taskID)
}

// TenantFromContext returns the tenant ID carried in ctx, or "".
func TenantFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tenantCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WorkspaceFromContext returns the workspace ID carried in ctx, or "".
func WorkspaceFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(workspaceCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// TaskFromContext returns the task ID carried in ctx, or "".
func TaskFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(taskCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if tenant := TenantFromContext(ctx); tenant != "" {
		fields = append(fields, zap.String("tenant_id", tenant))
	}
	if ws := WorkspaceFromContext(ctx); ws != "" {
		fields = append(fields, zap.String("workspace_id", ws))
	}
	if task := TaskFromContext(ctx); task != "" {
		fields = append(fields, zap.String("task_id", task))
	}

	return fields
}
