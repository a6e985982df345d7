// Package kit carries request-scoped values across groundkeeper layers and
// adapts plain endpoints onto MCP tools.
package kit

import "context"

type contextKey string

const (
	ConnectionIDKey contextKey = "kit_connection_id"
	ActorKey        contextKey = "kit_actor"
	TransportKey    contextKey = "kit_transport" // "http", "mcp", "cli"
	RequestIDKey    contextKey = "kit_request_id"
	WorkerIDKey     contextKey = "kit_worker_id"
)

// WithConnectionID tags ctx with the tenant the work belongs to. Usage
// accounting reads it back.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, id)
}

func GetConnectionID(ctx context.Context) string {
	v, _ := ctx.Value(ConnectionIDKey).(string)
	return v
}

// WithActor records who triggered the operation (reviewer, operator, worker).
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

func GetActor(ctx context.Context) string {
	v, _ := ctx.Value(ActorKey).(string)
	return v
}

func WithTransport(ctx context.Context, t string) context.Context {
	return context.WithValue(ctx, TransportKey, t)
}

func GetTransport(ctx context.Context) string {
	if v, ok := ctx.Value(TransportKey).(string); ok {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

func WithWorkerID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, WorkerIDKey, id)
}

func GetWorkerID(ctx context.Context) string {
	v, _ := ctx.Value(WorkerIDKey).(string)
	return v
}
