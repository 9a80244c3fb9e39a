package storage

import (
	"bytes"
	"context"
	"testing"
)

func TestFileStoreWriteReadRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "/images")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	url, err := store.Write(context.Background(), "gen-1/0.png", []byte{0x89, 'P', 'N', 'G'})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if url != "/images/gen-1/0.png" {
		t.Fatalf("url = %q", url)
	}

	key, ok := store.KeyForURL(url)
	if !ok || key != "gen-1/0.png" {
		t.Fatalf("KeyForURL(%q) = %q, %v", url, key, ok)
	}

	data, err := store.Read(context.Background(), key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(data, []byte{0x89, 'P', 'N', 'G'}) {
		t.Fatalf("data = %v", data)
	}
}

func TestFileStoreRejectsTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "/images")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := store.Write(context.Background(), "../escape.png", []byte{1}); err == nil {
		t.Fatalf("expected traversal key to be rejected")
	}
	if _, err := store.Read(context.Background(), ""); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
}

func TestKeyForURLForeignHost(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), "/images")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, ok := store.KeyForURL("https://cdn.example.com/a.png"); ok {
		t.Fatalf("foreign url should not resolve to a key")
	}
}
