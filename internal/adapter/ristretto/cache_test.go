package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/tenantgate/internal/adapter/ristretto"
)

func newCache(t *testing.T) *ristretto.Cache {
	t.Helper()
	c, err := ristretto.New(1, 10*time.Second)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCache_SetGetDelete(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	if err := c.Set(ctx, "tenant:org:acme", []byte("t1"), time.Minute); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	val, ok, err := c.Get(ctx, "tenant:org:acme")
	if err != nil || !ok || string(val) != "t1" {
		t.Fatalf("Get = %q, %v, %v", val, ok, err)
	}

	if err := c.Delete(ctx, "tenant:org:acme"); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	if _, ok, _ := c.Get(ctx, "tenant:org:acme"); ok {
		t.Fatal("expected miss after Delete")
	}
}

func TestCache_DefaultTTLApplied(t *testing.T) {
	c, err := ristretto.New(1, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "k", []byte("v"), 0)
	c.Wait()

	// ristretto expires on a ticker; allow a generous margin.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok, _ := c.Get(ctx, "k"); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("entry set without TTL never expired")
}

func TestCache_Clear(t *testing.T) {
	c := newCache(t)
	ctx := context.Background()

	_ = c.Set(ctx, "a", []byte("1"), time.Minute)
	_ = c.Set(ctx, "b", []byte("2"), time.Minute)
	c.Wait()
	c.Clear()

	for _, k := range []string{"a", "b"} {
		if _, ok, _ := c.Get(ctx, k); ok {
			t.Errorf("expected %s cleared", k)
		}
	}
}
