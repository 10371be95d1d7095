package storage

import (
	"errors"
	"testing"
)

// The node's component namespaces.
var (
	nsIdentity = []byte("id/")
	nsFeed     = []byte("feed/")
	nsP2P      = []byte("p2p/")
)

func TestPrefixDB_Namespaces(t *testing.T) {
	inner := NewMemory()
	ids := NewPrefixDB(inner, nsIdentity)
	feeds := NewPrefixDB(inner, nsFeed)

	// Same relative key in two components.
	key := []byte("0xalice")
	if err := ids.Put(key, []byte("user")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := feeds.Put(key, []byte("entry")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	tests := []struct {
		name string
		db   DB
		key  string
		want string
	}{
		{"identity view", ids, "0xalice", "user"},
		{"feed view", feeds, "0xalice", "entry"},
		{"inner identity", inner, "id/0xalice", "user"},
		{"inner feed", inner, "feed/0xalice", "entry"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.db.Get([]byte(tt.key))
			if err != nil {
				t.Fatalf("Get(%q): %v", tt.key, err)
			}
			if string(got) != tt.want {
				t.Errorf("Get(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}

	if err := ids.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ok, _ := ids.Has(key); ok {
		t.Error("identity record still present after Delete")
	}
	if ok, _ := feeds.Has(key); !ok {
		t.Error("Delete in one namespace removed the other's record")
	}
	if _, err := ids.Get(key); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after Delete err = %v, want ErrNotFound", err)
	}
}

func TestPrefixDB_ForEachStripsNamespace(t *testing.T) {
	inner := NewMemory()
	ids := NewPrefixDB(inner, nsIdentity)

	ids.Put([]byte("contact/u1/a"), []byte("1"))
	ids.Put([]byte("contact/u1/b"), []byte("2"))
	ids.Put([]byte("contact/u2/a"), []byte("3"))
	inner.Put([]byte("feed/contact/u1/z"), []byte("not identity"))

	var keys []string
	err := ids.ForEach([]byte("contact/u1/"), func(key, value []byte) error {
		keys = append(keys, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	want := []string{"contact/u1/a", "contact/u1/b"}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key[%d] = %q, want %q", i, keys[i], want[i])
		}
	}

	var all int
	ids.ForEach(nil, func(key, value []byte) error {
		all++
		return nil
	})
	if all != 3 {
		t.Errorf("ForEach(nil) visited %d records, want 3", all)
	}
}

func TestPrefixDB_DeleteAllBans(t *testing.T) {
	inner := NewMemory()
	p2p := NewPrefixDB(inner, nsP2P)
	ids := NewPrefixDB(inner, nsIdentity)

	for _, k := range []string{"ban/peerA", "ban/peerB", "peer/peerC"} {
		p2p.Put([]byte(k), []byte("x"))
	}
	ids.Put([]byte("user/u1"), []byte("alice"))

	if err := p2p.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	var left int
	inner.ForEach(nsP2P, func(key, value []byte) error {
		left++
		return nil
	})
	if left != 0 {
		t.Errorf("%d p2p records left after DeleteAll", left)
	}
	if got, err := ids.Get([]byte("user/u1")); err != nil || string(got) != "alice" {
		t.Errorf("identity record after p2p DeleteAll = %q, %v", got, err)
	}

	if err := NewPrefixDB(inner, []byte("empty/")).DeleteAll(); err != nil {
		t.Errorf("DeleteAll on empty namespace: %v", err)
	}
}

// plainDB hides MemoryDB's Batcher so the fallback batch is used.
type plainDB struct{ DB }

func TestPrefixDB_Batch(t *testing.T) {
	tests := []struct {
		name         string
		inner        DB
		wantFallback bool
	}{
		{"native", NewMemory(), false},
		{"fallback", plainDB{NewMemory()}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids := NewPrefixDB(tt.inner, nsIdentity)
			ids.Put([]byte("request/u1/p1"), []byte("pending"))

			b := ids.NewBatch()
			if _, ok := b.(*fallbackBatch); ok != tt.wantFallback {
				t.Fatalf("NewBatch() = %T, fallback want %v", b, tt.wantFallback)
			}
			b.Put([]byte("contact/u1/p1"), []byte("accepted"))
			b.Delete([]byte("request/u1/p1"))
			if err := b.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			if ok, _ := tt.inner.Has([]byte("id/contact/u1/p1")); !ok {
				t.Error("batched put did not land under the namespace")
			}
			if ok, _ := tt.inner.Has([]byte("id/request/u1/p1")); ok {
				t.Error("batched delete not applied")
			}
		})
	}
}

func TestPrefixDB_CloseKeepsInnerOpen(t *testing.T) {
	inner := NewMemory()
	feeds := NewPrefixDB(inner, nsFeed)
	feeds.Put([]byte("0xalice/profile"), []byte("v1"))

	if err := feeds.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := inner.Get([]byte("feed/0xalice/profile"))
	if err != nil || string(got) != "v1" {
		t.Fatalf("inner.Get after Close = %q, %v", got, err)
	}
}
