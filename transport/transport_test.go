package transport

import (
	"context"
	"testing"

	"github.com/ggoodman/mcp-streamable-go/internal/jsonrpc"
)

func TestRelatedRequest(t *testing.T) {
	ctx := context.Background()
	if RelatedRequest(ctx) != nil {
		t.Fatalf("expected no related request on empty context")
	}

	id := jsonrpc.NewRequestID(7)
	got := RelatedRequest(WithRelatedRequest(ctx, id))
	if got == nil || got.Key() != id.Key() {
		t.Fatalf("want related request %v, got %v", id, got)
	}

	if RelatedRequest(WithRelatedRequest(ctx, nil)) != nil {
		t.Fatalf("nil id must read back as no related request")
	}
}

func TestMessageCloseSSEStream(t *testing.T) {
	var closed int
	m := NewMessage(nil, &jsonrpc.AnyMessage{}, func() { closed++ })
	if m.Context() == nil {
		t.Fatalf("Context must never be nil")
	}
	m.CloseSSEStream()
	if closed != 1 {
		t.Fatalf("want close callback invoked once, got %d", closed)
	}

	// Messages without a stream tolerate the call.
	NewMessage(context.Background(), &jsonrpc.AnyMessage{}, nil).CloseSSEStream()
}
