package progcache

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/fortiblox/sealevel/pkg/sealevel/loader"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "programs.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestContentKey derives stable, input-sensitive keys.
func TestContentKey(t *testing.T) {
	a := ContentKey([]byte("image a"))
	if a != ContentKey([]byte("image a")) {
		t.Error("key not deterministic")
	}
	if a == ContentKey([]byte("image b")) {
		t.Error("distinct images share a key")
	}
}

// TestCacheRoundTrip stores an executable and reads it back intact.
func TestCacheRoundTrip(t *testing.T) {
	c := openTestCache(t)

	exec := &loader.Executable{
		Text:      []uint64{0xb7, 0x95},
		RO:        []byte{1, 2, 3},
		Entry:     1,
		Functions: map[uint32]uint64{0xdeadbeef: 0},
		Externs:   map[uint32]string{0x12345678: "sol_log_"},
	}
	key := ContentKey([]byte("some elf"))
	if err := c.Put(key, exec); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, ok, err := c.Get(key)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if !ok {
		t.Fatal("Get() missed a stored key")
	}
	if !reflect.DeepEqual(got, exec) {
		t.Errorf("Get() = %+v, want %+v", got, exec)
	}

	if n, err := c.Len(); err != nil || n != 1 {
		t.Errorf("Len() = %d, %v; want 1", n, err)
	}
}

// TestCacheMiss returns not-found without error.
func TestCacheMiss(t *testing.T) {
	c := openTestCache(t)

	exec, ok, err := c.Get(ContentKey([]byte("never stored")))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if ok || exec != nil {
		t.Errorf("Get() = %+v, %v; want miss", exec, ok)
	}
}

// TestCacheOverwrite replaces an entry under the same key.
func TestCacheOverwrite(t *testing.T) {
	c := openTestCache(t)

	key := ContentKey([]byte("elf"))
	if err := c.Put(key, &loader.Executable{Text: []uint64{1}}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := c.Put(key, &loader.Executable{Text: []uint64{2}}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	got, ok, err := c.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if len(got.Text) != 1 || got.Text[0] != 2 {
		t.Errorf("Text = %v, want [2]", got.Text)
	}
	if n, _ := c.Len(); n != 1 {
		t.Errorf("Len() = %d, want 1", n)
	}
}

// TestCachePersistsAcrossOpens reopens the file and still finds the entry.
func TestCachePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "programs.db")
	key := ContentKey([]byte("persistent"))

	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := c.Put(key, &loader.Executable{Text: []uint64{0x95}, Entry: 0}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer c2.Close()
	if _, ok, err := c2.Get(key); err != nil || !ok {
		t.Errorf("Get() after reopen = %v, %v", ok, err)
	}
}
