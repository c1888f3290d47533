package aspace

import (
	"testing"

	"silicium/frame"
	"silicium/vmem"
)

func newTestMapper(t *testing.T) *vmem.Mapper {
	t.Helper()
	fa := frame.New(2048, 16, 64)
	fa.MarkAvailable(0, 2048)
	fa.Finalize()
	m, err := vmem.NewMapper(fa)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	return m
}

func TestCreateStartsAtRefcountOne(t *testing.T) {
	m := newTestMapper(t)
	ctx, err := Create(m)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if ctx.refcount != 1 {
		t.Fatalf("expected refcount 1, got %d", ctx.refcount)
	}
}

func TestUseDropBalances(t *testing.T) {
	m := newTestMapper(t)
	kernelCtx, err := Create(m)
	if err != nil {
		t.Fatalf("create kernel: %v", err)
	}
	SetKernelDefault(kernelCtx)
	Set(kernelCtx)

	ctx, err := Create(m)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ctx.Use()
	if ctx.refcount != 2 {
		t.Fatalf("expected refcount 2 after Use, got %d", ctx.refcount)
	}
	ctx.Drop()
	if ctx.refcount != 1 {
		t.Fatalf("expected refcount 1 after one Drop, got %d", ctx.refcount)
	}

	Set(ctx)
	ctx.Drop()
	if Current() != kernelCtx {
		t.Fatalf("expected Drop to zero to fall back to the kernel default context")
	}
}

func TestDropToZeroWhileNotCurrentIsFatal(t *testing.T) {
	m := newTestMapper(t)
	kernelCtx, err := Create(m)
	if err != nil {
		t.Fatalf("create kernel: %v", err)
	}
	SetKernelDefault(kernelCtx)
	Set(kernelCtx)

	ctx, err := Create(m)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("expected a fatal panic dropping a non-current context to zero")
		}
	}()
	ctx.Drop()
}

func TestCloneSharesRefcountIndependently(t *testing.T) {
	m := newTestMapper(t)
	src, err := Create(m)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dst, err := Clone(src)
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	if dst.refcount != 1 {
		t.Fatalf("expected clone to start at refcount 1, got %d", dst.refcount)
	}
	if dst.as == src.as {
		t.Fatalf("expected clone to produce a distinct address space")
	}
}
