package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"nanolab/internal/blob/core"
)

func TestStore_RoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	md := map[string]string{"sample": "CHIP1A"}
	info, err := s.Put(ctx, "CHIP1A/2024-11-29/VVg_1.csv", bytes.NewReader([]byte("a,b\n1,2\n")), core.PutOptions{ContentType: "text/csv", Metadata: md})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != 8 || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	md["sample"] = "mutated"

	got, rc, err := s.Get(ctx, "CHIP1A/2024-11-29/VVg_1.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "a,b\n1,2\n" {
		t.Fatalf("unexpected body %q", body)
	}
	if got.Metadata["sample"] != "CHIP1A" {
		t.Fatalf("metadata aliased caller map: %+v", got.Metadata)
	}
	if got.ContentType != "text/csv" {
		t.Fatalf("content type lost: %+v", got)
	}
}

func TestStore_CreateOnlyUnlessOverwrite(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, err := s.Put(ctx, "k", bytes.NewReader([]byte("one")), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	_, err := s.Put(ctx, "k", bytes.NewReader([]byte("two")), core.PutOptions{})
	if !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := s.Put(ctx, "k", bytes.NewReader([]byte("three")), core.PutOptions{Overwrite: true}); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	b, err := core.ReadAll(ctx, s, "k")
	if err != nil || string(b) != "three" {
		t.Fatalf("read after overwrite: %q %v", b, err)
	}
}

func TestStore_MissingKeys(t *testing.T) {
	s := New()
	ctx := context.Background()
	if _, _, err := s.Get(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Head(ctx, "nope"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: expected ErrNotFound, got %v", err)
	}
	if ok, err := s.Delete(ctx, "nope"); ok || err != nil {
		t.Fatalf("delete missing: %v %v", ok, err)
	}
	if _, err := s.PresignURL(ctx, "nope", core.SignedURLOptions{}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("presign: expected ErrUnsupported, got %v", err)
	}
	if s.Driver() != core.DriverMemory {
		t.Fatalf("driver %s", s.Driver())
	}
}

func TestStore_ListByPrefixSorted(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, k := range []string{"CHIP1B/x.csv", "CHIP1A/b.csv", "CHIP1A/a.csv"} {
		if _, err := s.Put(ctx, k, bytes.NewReader(nil), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := s.List(ctx, "CHIP1A/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].Key != "CHIP1A/a.csv" || list[1].Key != "CHIP1A/b.csv" {
		t.Fatalf("unexpected listing %+v", list)
	}
	all, _ := s.List(ctx, "")
	if len(all) != 3 {
		t.Fatalf("expected 3 blobs, got %d", len(all))
	}
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := New()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Put(ctx, "shared", bytes.NewReader([]byte{byte(i)}), core.PutOptions{Overwrite: true})
		}()
	}
	wg.Wait()
	if _, err := s.Head(ctx, "shared"); err != nil {
		t.Fatalf("head: %v", err)
	}
}

func TestStore_CancelledPut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Put(ctx, "k", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
