package persistence

import (
	"context"
	"testing"
	"time"

	"annotation_server/core/domain"
)

func TestMemoryStore_AnnotationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	got, err := store.FindByResultID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("empty store returned an annotation")
	}

	ann := &domain.Annotation{
		ID:           100,
		ResultID:     1,
		DomainType:   domain.DomainNews,
		FactualScore: 0.9,
		ModelVersion: "m/v2",
		CreatedAt:    time.Now(),
	}
	if err := store.Create(ctx, ann); err != nil {
		t.Fatal(err)
	}

	// First write wins, like the database adapter's conflict clause.
	dup := *ann
	dup.ID = 200
	dup.DomainType = domain.DomainBlog
	if err := store.Create(ctx, &dup); err != nil {
		t.Fatal(err)
	}

	got, err = store.FindByResultID(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != 100 || got.DomainType != domain.DomainNews {
		t.Fatalf("duplicate create overwrote: %+v", got)
	}
	if store.Count() != 1 {
		t.Fatalf("count = %d, want 1", store.Count())
	}

	// Returned values are copies.
	got.FactualScore = 0
	again, _ := store.FindByResultID(ctx, 1)
	if again.FactualScore != 0.9 {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestMemoryStore_QueryText(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if _, err := store.FindQueryText(ctx, 7); err == nil {
		t.Fatal("unknown query should error")
	}

	store.SeedQuery(7, "benchmark query")
	text, err := store.FindQueryText(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if text != "benchmark query" {
		t.Errorf("text = %q", text)
	}
}
