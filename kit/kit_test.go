package kit

import (
	"context"
	"testing"
)

func TestContext_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if GetConnectionID(ctx) != "" || GetActor(ctx) != "" || GetWorkerID(ctx) != "" {
		t.Fatal("empty context should yield empty values")
	}
	if GetTransport(ctx) != "http" {
		t.Fatalf("default transport = %q", GetTransport(ctx))
	}

	ctx = WithConnectionID(ctx, "conn_1")
	ctx = WithActor(ctx, "alice")
	ctx = WithTransport(ctx, "mcp")
	ctx = WithRequestID(ctx, "req_9")
	ctx = WithWorkerID(ctx, "w-3")

	if got := GetConnectionID(ctx); got != "conn_1" {
		t.Errorf("connection = %q", got)
	}
	if got := GetActor(ctx); got != "alice" {
		t.Errorf("actor = %q", got)
	}
	if got := GetTransport(ctx); got != "mcp" {
		t.Errorf("transport = %q", got)
	}
	if got := GetRequestID(ctx); got != "req_9" {
		t.Errorf("request id = %q", got)
	}
	if got := GetWorkerID(ctx); got != "w-3" {
		t.Errorf("worker = %q", got)
	}
}
