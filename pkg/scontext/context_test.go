package scontext

import (
	"context"
	"testing"
)

func TestTraceIDIsNotOverwritten(t *testing.T) {
	ctx := WithTraceID(context.Background(), "first")
	ctx = WithTraceID(ctx, "second")

	if got := GetTraceID(ctx); got != "first" {
		t.Errorf("Expected trace ID 'first', got %q", got)
	}
	if got := GetTraceID(context.Background()); got != "" {
		t.Errorf("Expected empty trace ID, got %q", got)
	}
}

func TestClientIPAndRouteTemplate(t *testing.T) {
	ctx := WithClientIP(context.Background(), "192.0.2.1")
	ctx = WithRouteTemplate(ctx, "/books/{id}")

	ip, ok := GetClientIP(ctx)
	if !ok || ip != "192.0.2.1" {
		t.Errorf("Expected client IP 192.0.2.1, got %q (ok: %v)", ip, ok)
	}
	tmpl, ok := GetRouteTemplate(ctx)
	if !ok || tmpl != "/books/{id}" {
		t.Errorf("Expected route template /books/{id}, got %q (ok: %v)", tmpl, ok)
	}
	if _, ok := GetClientIP(context.Background()); ok {
		t.Error("Expected no client IP on an empty context")
	}
	if _, ok := GetRouteTemplate(context.Background()); ok {
		t.Error("Expected no route template on an empty context")
	}
}

func TestSingleHolderPerContextChain(t *testing.T) {
	ctx := WithTraceID(context.Background(), "t")
	rc1, _ := GetSEngineContext(ctx)
	ctx2 := WithClientIP(ctx, "203.0.113.9")
	rc2, _ := GetSEngineContext(ctx2)

	if rc1 != rc2 {
		t.Error("Expected the holder to be reused instead of wrapping the context again")
	}
	if ctx2 != ctx {
		t.Error("Expected the same context to be returned when a holder already exists")
	}
}

func TestFlags(t *testing.T) {
	ctx := WithFlag(context.Background(), "beta", true)
	if v, ok := GetFlag(ctx, "beta"); !ok || !v {
		t.Errorf("Expected flag beta=true, got %v (ok: %v)", v, ok)
	}
	if _, ok := GetFlag(ctx, "missing"); ok {
		t.Error("Expected missing flag to be absent")
	}
	if _, ok := GetFlag(context.Background(), "beta"); ok {
		t.Error("Expected no flags on an empty context")
	}
}

func TestCopy(t *testing.T) {
	src := WithTraceID(context.Background(), "trace-1")
	src = WithClientIP(src, "10.1.1.1")
	src = WithFlag(src, "shared", true)

	copied := Copy(context.Background(), src)
	if GetTraceID(copied) != "trace-1" {
		t.Errorf("Expected copied trace ID, got %q", GetTraceID(copied))
	}

	// Changes on either side stay on that side.
	WithFlag(src, "shared", false)
	WithFlag(copied, "copied-only", true)

	if v, _ := GetFlag(copied, "shared"); !v {
		t.Error("Expected copied flag to keep its original value")
	}
	if _, ok := GetFlag(src, "copied-only"); ok {
		t.Error("Copied-only flag should not exist in source context")
	}
}

func TestCopyWithoutSource(t *testing.T) {
	dst := context.Background()
	if got := Copy(dst, context.Background()); got != dst {
		t.Error("Expected destination context to be returned unchanged when source has no holder")
	}
}
