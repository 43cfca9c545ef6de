package container

import (
	"sync"
	"testing"

	"github.com/ValentinKolb/nKV/lib/codec"
	"github.com/ValentinKolb/nKV/lib/kv"
)

func newTestStore(t *testing.T, capacity int64) *Store {
	t.Helper()
	s, err := NewStore(kv.Container{ID: 1, Name: "c1", UUID: "c1-uuid"}, capacity)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := newTestStore(t, 0)
	key := kv.Key("k")

	if r := s.Put(key, []byte("v1"), kv.StoreOption{}, 0); r != kv.ResultSuccess {
		t.Fatalf("put failed: %s", r)
	}
	v, _, r := s.Get(key, kv.RetrieveOption{})
	if r != kv.ResultSuccess || string(v) != "v1" {
		t.Fatalf("unexpected get: %q / %s", v, r)
	}

	if r := s.Delete(key); r != kv.ResultSuccess {
		t.Fatalf("delete failed: %s", r)
	}
	if r := s.Delete(key); r != kv.ResultNotFound {
		t.Fatalf("second delete should report not found, got %s", r)
	}
	if _, _, r := s.Get(key, kv.RetrieveOption{}); r != kv.ResultNotFound {
		t.Fatalf("get after delete should report not found, got %s", r)
	}
	if s.Used() != 0 {
		t.Fatalf("used bytes should be 0, got %d", s.Used())
	}
}

func TestStorePreconditions(t *testing.T) {
	s := newTestStore(t, 0)
	key := kv.Key("k")

	if r := s.Put(key, []byte("x"), kv.StoreOption{UpdateOnly: true}, 0); r != kv.ResultConflict {
		t.Errorf("update_only on a missing key should conflict, got %s", r)
	}
	if s.Len() != 0 {
		t.Error("failed update_only must not create the key")
	}

	if r := s.Put(key, []byte("first"), kv.StoreOption{NoOverwrite: true}, 0); r != kv.ResultSuccess {
		t.Errorf("no_overwrite on a missing key should succeed, got %s", r)
	}
	if r := s.Put(key, []byte("second"), kv.StoreOption{NoOverwrite: true}, 0); r != kv.ResultConflict {
		t.Errorf("no_overwrite on an existing key should conflict, got %s", r)
	}
	if r := s.Put(key, []byte("third"), kv.StoreOption{UpdateOnly: true, Atomic: true}, 0); r != kv.ResultSuccess {
		t.Errorf("update_only on an existing key should succeed, got %s", r)
	}

	v, _, _ := s.Get(key, kv.RetrieveOption{})
	if string(v) != "third" {
		t.Errorf("expected third, got %q", v)
	}

	if r := s.Put(key, []byte("x"), kv.StoreOption{UpdateOnly: true, NoOverwrite: true}, 0); r != kv.ResultInvalidArgument {
		t.Errorf("exclusive options should be rejected, got %s", r)
	}
}

func TestAppendAndChecksum(t *testing.T) {
	s := newTestStore(t, 0)
	key := kv.Key("log")

	first := []byte("abc")
	if r := s.Put(key, first, kv.StoreOption{CRCInMeta: true}, codec.Checksum(first)); r != kv.ResultSuccess {
		t.Fatalf("put failed: %s", r)
	}
	if r := s.Put(key, []byte("def"), kv.StoreOption{Append: true}, 0); r != kv.ResultSuccess {
		t.Fatalf("append failed: %s", r)
	}

	v, crc, r := s.Get(key, kv.RetrieveOption{CompareCRC: true})
	if r != kv.ResultSuccess || string(v) != "abcdef" {
		t.Fatalf("unexpected value %q / %s", v, r)
	}
	if crc != codec.Checksum([]byte("abcdef")) {
		t.Fatal("append should refresh the stored checksum")
	}

	if r := s.Put(key, []byte("zzz"), kv.StoreOption{CRCInMeta: true}, 1234); r != kv.ResultChecksumMismatch {
		t.Fatalf("a wrong checksum should be rejected, got %s", r)
	}
}

func TestGetAndDelete(t *testing.T) {
	s := newTestStore(t, 0)
	key := kv.Key("once")
	s.Put(key, []byte("v"), kv.StoreOption{}, 0)

	v, _, r := s.Get(key, kv.RetrieveOption{Delete: true})
	if r != kv.ResultSuccess || string(v) != "v" {
		t.Fatalf("unexpected get: %q / %s", v, r)
	}
	if _, _, r := s.Get(key, kv.RetrieveOption{}); r != kv.ResultNotFound {
		t.Fatalf("key should be gone, got %s", r)
	}
}

func TestCapacity(t *testing.T) {
	s := newTestStore(t, 100)

	if r := s.Put(kv.Key("a"), make([]byte, 49), kv.StoreOption{}, 0); r != kv.ResultSuccess {
		t.Fatalf("put failed: %s", r)
	}
	if perc := s.Info().SpaceAvailablePerc; perc != 50 {
		t.Fatalf("expected 50%% free, got %d", perc)
	}
	if r := s.Put(kv.Key("b"), make([]byte, 60), kv.StoreOption{}, 0); r != kv.ResultInternalError {
		t.Fatalf("put beyond capacity should fail, got %s", r)
	}
	if s.Len() != 1 {
		t.Fatalf("failed put must not create the key, have %d keys", s.Len())
	}
}

func TestConcurrentNoOverwrite(t *testing.T) {
	s := newTestStore(t, 0)

	const n = 32
	var wg sync.WaitGroup
	results := make(chan kv.Result, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			results <- s.Put(kv.Key("race"), []byte{byte(i)}, kv.StoreOption{NoOverwrite: true}, 0)
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for r := range results {
		if r == kv.ResultSuccess {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one successful no_overwrite put, got %d", wins)
	}
}
