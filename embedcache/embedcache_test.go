package embedcache

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/groundkeeper/capability/fake"
)

func openTestCache(t *testing.T, inner *fake.Capability, opts ...Option) *Cache {
	t.Helper()
	db, err := Open("", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, inner, opts...)
}

func TestEmbed_HitSkipsInner(t *testing.T) {
	inner := &fake.Capability{Dim: 16}
	c := openTestCache(t, inner)
	ctx := context.Background()

	first, err := c.Embed(ctx, "what are your opening hours")
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Embed(ctx, "what are your opening hours")
	if err != nil {
		t.Fatal(err)
	}

	if inner.EmbedCalls() != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.EmbedCalls())
	}
	for i := range first.Vector {
		if first.Vector[i] != second.Vector[i] {
			t.Fatal("cached vector differs")
		}
	}
	if hits, misses := c.Stats(); hits != 1 || misses != 1 {
		t.Fatalf("stats = %d/%d, want 1/1", hits, misses)
	}
}

func TestEmbed_NamespacesDoNotCollide(t *testing.T) {
	inner := &fake.Capability{Dim: 8}
	db, err := Open("", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	a := New(db, inner, WithNamespace("model-a"))
	b := New(db, inner, WithNamespace("model-b"))
	a.Embed(context.Background(), "same text")
	b.Embed(context.Background(), "same text")
	if inner.EmbedCalls() != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.EmbedCalls())
	}
}

func TestEmbed_ErrorsNotCached(t *testing.T) {
	boom := errors.New("backend down")
	inner := &fake.Capability{EmbedErr: boom}
	c := openTestCache(t, inner)

	for i := 0; i < 2; i++ {
		if _, err := c.Embed(context.Background(), "q"); !errors.Is(err, boom) {
			t.Fatalf("err = %v, want boom", err)
		}
	}
	if inner.EmbedCalls() != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.EmbedCalls())
	}
}
