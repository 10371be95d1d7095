package p2p

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-invites/internal/storage"
)

func TestPeerBook_SaveLoad(t *testing.T) {
	b := NewPeerBook(storage.NewMemory())
	id := realPeerID(t)
	rec := PeerRecord{
		ID:       id.String(),
		Addrs:    []string{"/ip4/192.168.1.1/tcp/30313", "not-an-addr"},
		LastSeen: time.Now().Unix(),
		Source:   "mdns",
	}
	if err := b.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := b.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Source != "mdns" || got.LastSeen != rec.LastSeen || len(got.Addrs) != 2 {
		t.Errorf("Load = %+v, want %+v", got, rec)
	}

	info, err := got.AddrInfo()
	if err != nil {
		t.Fatalf("AddrInfo: %v", err)
	}
	if len(info.Addrs) != 1 {
		t.Errorf("AddrInfo kept %d addrs, want the 1 valid one", len(info.Addrs))
	}

	if err := b.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := b.Load(id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Load after Delete err = %v, want ErrNotFound", err)
	}
}

func TestPeerRecord_AddrInfo_BadID(t *testing.T) {
	rec := PeerRecord{ID: "definitely-not-a-peer-id"}
	if _, err := rec.AddrInfo(); err == nil {
		t.Error("expected error for undecodable peer ID")
	}
}

func TestPeerBook_PruneStale(t *testing.T) {
	b := NewPeerBook(storage.NewMemory())
	now := time.Now()
	b.Save(PeerRecord{ID: "fresh", LastSeen: now.Unix()})
	b.Save(PeerRecord{ID: "stale", LastSeen: now.Add(-48 * time.Hour).Unix()})

	n, err := b.PruneStale(staleThreshold)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	all, _ := b.LoadAll()
	if len(all) != 1 || all[0].ID != "fresh" {
		t.Errorf("LoadAll = %+v, want only fresh", all)
	}
}

func TestPeerBook_Capacity(t *testing.T) {
	b := NewPeerBook(storage.NewMemory())
	first := realPeerID(t)
	if err := b.Save(PeerRecord{ID: first.String()}); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < maxPersistedPeers; i++ {
		if err := b.Save(PeerRecord{ID: fmt.Sprintf("p%04d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	b.Save(PeerRecord{ID: "overflow"})
	if n, _ := b.Count(); n != maxPersistedPeers {
		t.Errorf("Count = %d, want %d", n, maxPersistedPeers)
	}

	// Existing peers can still be refreshed when full.
	if err := b.Save(PeerRecord{ID: first.String(), Source: "dht"}); err != nil {
		t.Fatal(err)
	}
	rec, err := b.Load(first)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Source != "dht" {
		t.Errorf("Source = %q, want dht", rec.Source)
	}
}

func TestPeerBook_SkipsCorruptRecords(t *testing.T) {
	db := storage.NewMemory()
	db.Put([]byte(peerKeyPrefix+"junk"), []byte("{"))
	b := NewPeerBook(db)
	b.Save(PeerRecord{ID: "ok", LastSeen: time.Now().Unix()})

	all, err := b.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("LoadAll = %d records, want 1", len(all))
	}
	if n, _ := b.PruneStale(staleThreshold); n != 1 {
		t.Errorf("PruneStale removed %d, want the corrupt record", n)
	}
}
