package anchorstore

import (
	"context"
	"testing"
)

func TestMemoryStorePutGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ref, err := store.Put(ctx, "anchors/acme/000000000010-abc.json", []byte(`{"seq":10}`), "application/json")
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ref != "mem://anchors/acme/000000000010-abc.json" {
		t.Errorf("unexpected ref: %s", ref)
	}

	data, err := store.Get(ctx, "anchors/acme/000000000010-abc.json")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != `{"seq":10}` {
		t.Errorf("unexpected payload: %s", data)
	}
}

func TestMemoryStoreGetMissing(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Get(context.Background(), "anchors/none"); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestMemoryStoreCopiesData(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	payload := []byte("original")
	if _, err := store.Put(ctx, "k", payload, "text/plain"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	payload[0] = 'X'

	data, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "original" {
		t.Errorf("stored data was mutated through caller slice: %s", data)
	}
}

func TestMemoryStoreKeys(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Put(ctx, "b", []byte("2"), "")
	store.Put(ctx, "a", []byte("1"), "")

	keys := store.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("unexpected keys: %v", keys)
	}
}
